package model

import (
	"encoding/json"
	"time"
)

// Sensor type sentinel for a parent device that only groups child sensors.
const SensorTypeMulti = "multi_parameter"

// Payload formats understood by the ingestion pipeline.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatText = "text"
)

type Sensor struct {
	ID            string     `gorm:"column:id;primaryKey" json:"id"`
	TenantID      string     `gorm:"column:tenant_id;not null" json:"tenant_id"`
	Serial        string     `gorm:"column:serial;not null" json:"serial"`
	Name          *string    `gorm:"column:name" json:"name"`
	Type          string     `gorm:"column:type;not null" json:"type"`
	ParentID      *string    `gorm:"column:parent_id" json:"parent_id"`
	Topic         string     `gorm:"column:topic" json:"topic"`
	PayloadFormat string     `gorm:"column:payload_format;not null;default:json" json:"payload_format"`
	Address       *string    `gorm:"column:address" json:"address"`
	LocationID    *string    `gorm:"column:location_id" json:"location_id"`
	ActivateFlag  string     `gorm:"column:activate_flag;not null;default:active" json:"activate_flag"`
	Registered    bool       `gorm:"column:registered;not null;default:true" json:"registered"`
	LastSeenAt    *time.Time `gorm:"column:last_seen_at" json:"last_seen_at"`
	CreatedAt     *time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     *time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Sensor) TableName() string {
	return "sensors"
}

// IsParent reports whether the sensor is a multi-parameter parent device.
func (s *Sensor) IsParent() bool {
	return s.Type == SensorTypeMulti
}

type Channel struct {
	ID                 string     `gorm:"column:id;primaryKey" json:"id"`
	SensorID           string     `gorm:"column:sensor_id;not null;index:idx_sensor_key,unique" json:"sensor_id"`
	ChannelKey         string     `gorm:"column:channel_key;not null;index:idx_sensor_key,unique" json:"channel_key"`
	DataType           string     `gorm:"column:data_type;not null;default:number" json:"data_type"`
	DataPath           string     `gorm:"column:data_path" json:"data_path"`
	Enabled            bool       `gorm:"column:enabled;not null;default:true" json:"enabled"`
	DisplayOrder       int        `gorm:"column:display_order;not null;default:0" json:"display_order"`
	CalibrationEnabled bool       `gorm:"column:calibration_enabled;not null;default:false" json:"calibration_enabled"`
	Multiplier         *float64   `gorm:"column:multiplier" json:"multiplier"`
	Offset             *float64   `gorm:"column:calib_offset" json:"offset"`
	PolyCoefficients   *string    `gorm:"column:poly_coefficients" json:"poly_coefficients"`
	PhysicalMin        *float64   `gorm:"column:physical_min" json:"physical_min"`
	PhysicalMax        *float64   `gorm:"column:physical_max" json:"physical_max"`
	OperationalMin     *float64   `gorm:"column:operational_min" json:"operational_min"`
	OperationalMax     *float64   `gorm:"column:operational_max" json:"operational_max"`
	WarningLow         *float64   `gorm:"column:warning_low" json:"warning_low"`
	WarningHigh        *float64   `gorm:"column:warning_high" json:"warning_high"`
	CriticalLow        *float64   `gorm:"column:critical_low" json:"critical_low"`
	CriticalHigh       *float64   `gorm:"column:critical_high" json:"critical_high"`
	CreatedAt          *time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt          *time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (Channel) TableName() string {
	return "channels"
}

// Coefficients decodes the JSON-encoded polynomial coefficient list,
// lowest order first. Returns nil when none are configured.
func (c *Channel) Coefficients() []float64 {
	if c.PolyCoefficients == nil || *c.PolyCoefficients == "" {
		return nil
	}
	var coeffs []float64
	if err := json.Unmarshal([]byte(*c.PolyCoefficients), &coeffs); err != nil {
		return nil
	}
	return coeffs
}

// EffectivePath returns the configured data path, falling back to the
// channel key when no explicit path is set.
func (c *Channel) EffectivePath() string {
	if c.DataPath != "" {
		return c.DataPath
	}
	return c.ChannelKey
}

// Metric is one time-series fact. The composite primary key makes
// re-ingestion of the same reading an upsert rather than a duplicate.
type Metric struct {
	Time        time.Time `gorm:"column:ts;primaryKey" json:"ts"`
	SensorID    string    `gorm:"column:sensor_id;primaryKey" json:"sensor_id"`
	ChannelID   string    `gorm:"column:channel_id;primaryKey" json:"channel_id"`
	TenantID    string    `gorm:"column:tenant_id;not null" json:"tenant_id"`
	LocationID  string    `gorm:"column:location_id" json:"location_id"`
	RawValue    float64   `gorm:"column:raw_value;not null" json:"raw_value"`
	Value       float64   `gorm:"column:value;not null" json:"value"`
	QualityCode uint8     `gorm:"column:quality_code;not null" json:"quality_code"`
	QualityBits uint8     `gorm:"column:quality_bits;not null;default:0" json:"quality_bits"`
}

func (Metric) TableName() string {
	return "metrics"
}

// SensorReading is the legacy denormalized wide row kept for backward
// compatibility. Written only when the legacy path is enabled.
type SensorReading struct {
	ID       int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	SensorID string    `gorm:"column:sensor_id;not null;index" json:"sensor_id"`
	TenantID string    `gorm:"column:tenant_id;not null" json:"tenant_id"`
	Time     time.Time `gorm:"column:ts;not null" json:"ts"`
	Readings string    `gorm:"column:readings;not null;default:{}" json:"readings"`
}

func (SensorReading) TableName() string {
	return "sensor_readings"
}

type EdgeDevice struct {
	ID              string     `gorm:"column:id;primaryKey" json:"id"`
	TenantID        string     `gorm:"column:tenant_id;not null" json:"tenant_id"`
	SiteID          *string    `gorm:"column:site_id" json:"site_id"`
	DeviceCode      string     `gorm:"column:device_code;not null;index:idx_device_code,unique" json:"device_code"`
	ClientID        string     `gorm:"column:client_id" json:"client_id"`
	State           string     `gorm:"column:state;not null;default:registered" json:"state"`
	IsOnline        bool       `gorm:"column:is_online;not null;default:false" json:"is_online"`
	CPUPercent      *float64   `gorm:"column:cpu_percent" json:"cpu_percent"`
	MemoryPercent   *float64   `gorm:"column:memory_percent" json:"memory_percent"`
	DiskPercent     *float64   `gorm:"column:disk_percent" json:"disk_percent"`
	TemperatureC    *float64   `gorm:"column:temperature_c" json:"temperature_c"`
	UptimeSeconds   *int64     `gorm:"column:uptime_seconds" json:"uptime_seconds"`
	LastHeartbeatAt *time.Time `gorm:"column:last_heartbeat_at" json:"last_heartbeat_at"`
	CreatedAt       *time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       *time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (EdgeDevice) TableName() string {
	return "edge_devices"
}
