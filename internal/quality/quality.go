// Package quality implements the pure calibration and quality-scoring
// engine. It has no I/O and no state; callers map channel configuration
// into a Config and evaluate raw values one at a time.
package quality

// Quality codes follow the OPC-UA convention: >=192 good, 64..127
// uncertain, <64 bad.
const (
	CodeGood        uint8 = 192
	CodeBad         uint8 = 0
	CodeUncertainEU uint8 = 84 // engineering units exceeded
)

// Quality bitmask flags, stored alongside the code.
const (
	BitInterpolated uint8 = 1 << 0
	BitExtrapolated uint8 = 1 << 1
	BitManualEntry  uint8 = 1 << 2
	BitOutOfRange   uint8 = 1 << 3
	BitRateExceeded uint8 = 1 << 4
)

// AlertLevel classifies a calibrated value against the configured
// thresholds. Critical outranks warning.
type AlertLevel string

const (
	AlertNormal   AlertLevel = "normal"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Config is the calibration/bounds/threshold slice of a channel's
// configuration. Nil bound or threshold pointers mean "not configured".
type Config struct {
	CalibrationEnabled bool
	Multiplier         *float64
	Offset             *float64
	// Coefficients, lowest order first. Takes precedence over the
	// linear multiplier/offset pair when non-empty.
	Coefficients []float64

	PhysicalMin    *float64
	PhysicalMax    *float64
	OperationalMin *float64
	OperationalMax *float64

	WarningLow   *float64
	WarningHigh  *float64
	CriticalLow  *float64
	CriticalHigh *float64
}

// Result of evaluating one raw value.
type Result struct {
	Raw   float64
	Value float64
	Code  uint8
	Bits  uint8
	Alert AlertLevel
}

// Calibrate applies the channel's calibration to a raw value.
func Calibrate(cfg Config, raw float64) float64 {
	if !cfg.CalibrationEnabled {
		return raw
	}
	if len(cfg.Coefficients) > 0 {
		v := 0.0
		pow := 1.0
		for _, c := range cfg.Coefficients {
			v += c * pow
			pow *= raw
		}
		return v
	}
	v := raw
	if cfg.Multiplier != nil {
		v *= *cfg.Multiplier
	}
	if cfg.Offset != nil {
		v += *cfg.Offset
	}
	return v
}

// Evaluate calibrates a raw value and derives its quality code, bits
// and alert level. Physical bounds are checked first; a violation is
// BAD with the out-of-range bit set and operational bounds are not
// consulted. Operational bound violations only downgrade to uncertain.
func Evaluate(cfg Config, raw float64) Result {
	r := Result{
		Raw:   raw,
		Value: Calibrate(cfg, raw),
		Code:  CodeGood,
		Alert: AlertNormal,
	}
	if outside(r.Value, cfg.PhysicalMin, cfg.PhysicalMax) {
		r.Code = CodeBad
		r.Bits |= BitOutOfRange
		r.Alert = classify(cfg, r.Value)
		return r
	}
	if outside(r.Value, cfg.OperationalMin, cfg.OperationalMax) {
		r.Code = CodeUncertainEU
	}
	r.Alert = classify(cfg, r.Value)
	return r
}

func classify(cfg Config, v float64) AlertLevel {
	if cfg.CriticalLow != nil && v <= *cfg.CriticalLow {
		return AlertCritical
	}
	if cfg.CriticalHigh != nil && v >= *cfg.CriticalHigh {
		return AlertCritical
	}
	if cfg.WarningLow != nil && v <= *cfg.WarningLow {
		return AlertWarning
	}
	if cfg.WarningHigh != nil && v >= *cfg.WarningHigh {
		return AlertWarning
	}
	return AlertNormal
}

func outside(v float64, min, max *float64) bool {
	if min != nil && v < *min {
		return true
	}
	if max != nil && v > *max {
		return true
	}
	return false
}
