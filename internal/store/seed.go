package store

import (
	"context"
	"strconv"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type seedSetting struct {
	settingType string
	key         string
	value       string
	description string
}

// Factory baseline for a freshly provisioned device. Durations are in
// milliseconds; the engine converts to seconds when logging.
var baselineSettings = []seedSetting{
	{"sensor_threshold", "soil_moisture_water_pump", "20.0", "soil moisture level that starts the water pump"},
	{"sensor_threshold", "temperature_fan", "30.0", "temperature that starts the fan"},
	{"sensor_threshold", "humidity_fan", "70.0", "humidity that starts the fan"},
	{"sensor_threshold", "light_intensity_led", "60.0", "light intensity that turns on the grow LED"},
	{"control_duration", "water_pump", "5000", "default water pump run time (ms)"},
	{"control_duration", "fan", "5000", "default fan run time (ms)"},
	{"control_duration", "led", "5000", "default LED on time (ms)"},
	{"system_config", "auto_control_enabled", "true", "automatic control master switch"},
	{"system_config", "data_send_interval", "5000", "device data send interval (ms)"},
	{"system_config", "sensor_read_interval", "1000", "device sensor read interval (ms)"},
	{"system_config", "emergency_stop_threshold", "95.0", "emergency stop threshold (%)"},
}

// SeedDefaults installs the restore baseline and the legacy threshold rows
// for a device when they are missing. Existing rows are left untouched so
// operator edits survive restarts.
func (r *Repo) SeedDefaults(ctx context.Context, deviceID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, s := range baselineSettings {
			row := DefaultSetting{
				DeviceID:     deviceID,
				SettingType:  s.settingType,
				SettingKey:   s.key,
				SettingValue: s.value,
				Description:  s.description,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "device_id"}, {Name: "setting_type"}, {Name: "setting_key"}},
				DoNothing: true,
			}).Create(&row).Error; err != nil {
				return err
			}
		}

		var count int64
		if err := tx.Model(&SensorThreshold{}).Where("device_id = ?", deviceID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
		for key, spec := range sensorThresholdDefaults {
			var def DefaultSetting
			if err := tx.Where("device_id = ? AND setting_type = ? AND setting_key = ?", deviceID, "sensor_threshold", key).
				First(&def).Error; err != nil {
				continue
			}
			value, perr := strconv.ParseFloat(strings.TrimSpace(def.SettingValue), 64)
			if perr != nil {
				continue
			}
			row := SensorThreshold{
				DeviceID:       deviceID,
				SensorType:     spec.sensorType,
				ThresholdValue: value,
				ControlAction:  spec.action,
				Operator:       spec.operator,
				IsEnabled:      true,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
