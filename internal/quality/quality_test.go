package quality

import "testing"

func f64(v float64) *float64 { return &v }

func TestCalibrateLinear(t *testing.T) {
	cfg := Config{
		CalibrationEnabled: true,
		Multiplier:         f64(2),
		Offset:             f64(1),
	}
	if got := Calibrate(cfg, 10); got != 21 {
		t.Fatalf("expected 21, got %v", got)
	}
}

func TestCalibratePolynomialPrecedence(t *testing.T) {
	cfg := Config{
		CalibrationEnabled: true,
		Multiplier:         f64(100),
		Offset:             f64(100),
		Coefficients:       []float64{1, 2, 3},
	}
	// 1 + 2*2 + 3*4 = 17; the linear pair must be ignored.
	if got := Calibrate(cfg, 2); got != 17 {
		t.Fatalf("expected 17, got %v", got)
	}
}

func TestCalibrateDisabledPassThrough(t *testing.T) {
	cfg := Config{Multiplier: f64(2), Offset: f64(1)}
	if got := Calibrate(cfg, 10); got != 10 {
		t.Fatalf("expected raw pass-through, got %v", got)
	}
}

func TestEvaluatePhysicalBoundsAreBad(t *testing.T) {
	cfg := Config{
		PhysicalMin:    f64(-10),
		PhysicalMax:    f64(50),
		OperationalMin: f64(0),
		OperationalMax: f64(40),
	}
	r := Evaluate(cfg, 60)
	if r.Code != CodeBad {
		t.Fatalf("expected BAD, got %d", r.Code)
	}
	if r.Bits&BitOutOfRange == 0 {
		t.Fatalf("expected out-of-range bit set, got %08b", r.Bits)
	}
}

func TestEvaluateOperationalBoundsAreUncertain(t *testing.T) {
	cfg := Config{
		PhysicalMin:    f64(-10),
		PhysicalMax:    f64(50),
		OperationalMin: f64(0),
		OperationalMax: f64(40),
	}
	r := Evaluate(cfg, 45)
	if r.Code != CodeUncertainEU {
		t.Fatalf("expected uncertain code %d, got %d", CodeUncertainEU, r.Code)
	}
	if r.Bits&BitOutOfRange != 0 {
		t.Fatalf("out-of-range bit must not be set for operational violation")
	}
}

func TestEvaluateGood(t *testing.T) {
	cfg := Config{PhysicalMin: f64(-10), PhysicalMax: f64(50)}
	r := Evaluate(cfg, 24.5)
	if r.Code < 192 {
		t.Fatalf("expected good quality, got %d", r.Code)
	}
	if r.Value != 24.5 || r.Raw != 24.5 {
		t.Fatalf("unexpected values: %+v", r)
	}
}

func TestAlertCriticalBeforeWarning(t *testing.T) {
	cfg := Config{
		WarningHigh:  f64(30),
		CriticalHigh: f64(40),
	}
	cases := []struct {
		value float64
		want  AlertLevel
	}{
		{25, AlertNormal},
		{35, AlertWarning},
		{45, AlertCritical},
	}
	for _, c := range cases {
		r := Evaluate(cfg, c.value)
		if r.Alert != c.want {
			t.Fatalf("value %v: expected %s, got %s", c.value, c.want, r.Alert)
		}
	}
}

func TestAlertNoThresholdsIsNormal(t *testing.T) {
	r := Evaluate(Config{}, 1e9)
	if r.Alert != AlertNormal {
		t.Fatalf("expected normal, got %s", r.Alert)
	}
}
