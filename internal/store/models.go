package store

import (
	"time"

	"gorm.io/datatypes"
)

// Device rows are provisioned out-of-band; ingestion creates a placeholder
// row for unknown device IDs so readings never dangle.
type Device struct {
	ID        string     `gorm:"primaryKey" json:"id"`
	Name      string     `json:"name"`
	Location  string     `json:"location"`
	Status    string     `gorm:"not null;default:active" json:"status"` // active|inactive|maintenance
	LastSeen  *time.Time `json:"last_seen"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// SensorReading is one measurement frame from a field device. Append-only;
// "latest" queries order by created_at descending.
type SensorReading struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	DeviceID       string    `gorm:"index:idx_sensor_readings_device_created,priority:1;not null" json:"device_id"`
	SoilMoisture   float64   `json:"soil_moisture"`
	LightIntensity float64   `json:"light_intensity"`
	Temperature    float64   `json:"temperature"`
	Humidity       float64   `json:"humidity"`
	Timestamp      time.Time `json:"timestamp"`
	CreatedAt      time.Time `gorm:"index:idx_sensor_readings_device_created,priority:2" json:"created_at"`
}

// ThresholdConfig is a named set of per-sensor trigger levels. At most one
// config per device may be active; activation deactivates its siblings.
//
// Each slot has a fixed comparator baked in:
//   - soil moisture below threshold  -> water_pump
//   - temperature at/above threshold -> fan
//   - humidity at/above threshold    -> fan
//   - light intensity vs threshold   -> led (operator per LightOperator)
//
// A nil slot is skipped entirely, never treated as zero.
type ThresholdConfig struct {
	ID                      int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	DeviceID                string    `gorm:"index;not null" json:"device_id"`
	ConfigName              string    `gorm:"not null" json:"config_name"`
	TemperatureThreshold    *float64  `json:"temperature_threshold"`
	HumidityThreshold       *float64  `json:"humidity_threshold"`
	SoilMoistureThreshold   *float64  `json:"soil_moisture_threshold"`
	LightIntensityThreshold *float64  `json:"light_intensity_threshold"`
	LightOperator           string    `gorm:"default:lt" json:"light_operator"` // lt|gt
	IsActive                bool      `gorm:"not null;default:false" json:"is_active"`
	CreatedBy               string    `json:"created_by"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// SensorThreshold is the flattened, operator-explicit rule representation
// kept for the legacy dashboard table and the reset baseline.
type SensorThreshold struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	DeviceID       string    `gorm:"index;not null" json:"device_id"`
	SensorType     string    `gorm:"not null" json:"sensor_type"`
	ThresholdValue float64   `json:"threshold_value"`
	ControlAction  string    `gorm:"not null" json:"control_action"`
	Operator       string    `gorm:"not null" json:"operator"` // lt|gt
	IsEnabled      bool      `gorm:"not null;default:true" json:"is_enabled"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ControlLog is the append-only audit trail of every actuation attempt.
// Duration is stored in whole seconds. SensorDataID/ThresholdID correlate
// automatic entries to their cause; they may dangle after a config delete.
type ControlLog struct {
	ID           int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	DeviceID     string         `gorm:"index;not null" json:"device_id"`
	Action       string         `gorm:"not null" json:"action"` // water_pump|fan|led
	Duration     *int           `json:"duration"`
	TriggeredBy  string         `gorm:"not null" json:"triggered_by"` // auto|manual
	SensorDataID *int64         `json:"sensor_data_id"`
	ThresholdID  *int64         `json:"threshold_id"`
	Result       datatypes.JSON `json:"result,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// DefaultSetting is the static restore baseline; never mutated during
// normal operation.
type DefaultSetting struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	DeviceID     string    `gorm:"uniqueIndex:idx_default_settings_key,priority:1;not null" json:"device_id"`
	SettingType  string    `gorm:"uniqueIndex:idx_default_settings_key,priority:2;not null" json:"setting_type"` // sensor_threshold|control_duration|system_config
	SettingKey   string    `gorm:"uniqueIndex:idx_default_settings_key,priority:3;not null" json:"setting_key"`
	SettingValue string    `gorm:"not null" json:"setting_value"`
	Description  string    `json:"description"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RuntimeSetting holds the effective keyed values the decision engine reads
// (control durations, system config). Reset overwrites these from the
// DefaultSetting baseline.
type RuntimeSetting struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	DeviceID     string    `gorm:"uniqueIndex:idx_runtime_settings_key,priority:1;not null" json:"device_id"`
	SettingType  string    `gorm:"uniqueIndex:idx_runtime_settings_key,priority:2;not null" json:"setting_type"`
	SettingKey   string    `gorm:"uniqueIndex:idx_runtime_settings_key,priority:3;not null" json:"setting_key"`
	SettingValue string    `gorm:"not null" json:"setting_value"`
	UpdatedAt    time.Time `json:"updated_at"`
}
