package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrValidation     = errors.New("validation failed")
	ErrMultipleActive = errors.New("multiple active threshold configs")
)

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(
		&Device{},
		&SensorReading{},
		&ThresholdConfig{},
		&SensorThreshold{},
		&ControlLog{},
		&DefaultSetting{},
		&RuntimeSetting{},
	); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

// --- readings ---

// InsertReading appends a reading and bumps the device's last_seen in the
// same transaction. Unknown devices get a placeholder row so the foreign
// reference never dangles.
func (r *Repo) InsertReading(ctx context.Context, p *SensorReading) error {
	now := time.Now().UTC()
	if p.Timestamp.IsZero() {
		p.Timestamp = now
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(p).Error; err != nil {
			return err
		}
		dev := Device{ID: p.DeviceID, Name: p.DeviceID, Status: "active", LastSeen: &now}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]any{"last_seen": now, "updated_at": now}),
		}).Create(&dev).Error
	})
}

// ListReadings returns readings newest first. A limit <= 0 disables the
// cap; the stats aggregation needs the whole filtered range.
func (r *Repo) ListReadings(ctx context.Context, deviceID string, from, to time.Time, limit int) ([]SensorReading, error) {
	q := r.db.WithContext(ctx).Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}
	if !from.IsZero() {
		q = q.Where("timestamp >= ?", from)
	}
	if !to.IsZero() {
		q = q.Where("timestamp <= ?", to)
	}
	var rows []SensorReading
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) LatestReading(ctx context.Context, deviceID string) (*SensorReading, error) {
	var row SensorReading
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("created_at desc").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// --- devices ---

func (r *Repo) ListDevices(ctx context.Context) ([]Device, error) {
	var rows []Device
	if err := r.db.WithContext(ctx).Order("created_at desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) GetDevice(ctx context.Context, id string) (*Device, error) {
	var d Device
	err := r.db.WithContext(ctx).First(&d, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *Repo) UpdateDeviceStatus(ctx context.Context, id, status string) error {
	switch status {
	case "active", "inactive", "maintenance":
	default:
		return fmt.Errorf("%w: unknown device status %q", ErrValidation, status)
	}
	res := r.db.WithContext(ctx).Model(&Device{}).Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- threshold configs ---

func (r *Repo) ListConfigs(ctx context.Context, deviceID string) ([]ThresholdConfig, error) {
	var rows []ThresholdConfig
	if err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("id desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) GetConfig(ctx context.Context, id int64) (*ThresholdConfig, error) {
	var cfg ThresholdConfig
	err := r.db.WithContext(ctx).First(&cfg, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// CreateConfig inserts a config. When the draft is active, all existing
// configs for the device are deactivated in the same transaction so the
// one-active-per-device invariant holds.
func (r *Repo) CreateConfig(ctx context.Context, cfg *ThresholdConfig) error {
	if strings.TrimSpace(cfg.ConfigName) == "" {
		return fmt.Errorf("%w: config_name is required", ErrValidation)
	}
	if cfg.LightOperator == "" {
		cfg.LightOperator = "lt"
	}
	if cfg.LightOperator != "lt" && cfg.LightOperator != "gt" {
		return fmt.Errorf("%w: light_operator must be lt or gt", ErrValidation)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if cfg.IsActive {
			if err := tx.Model(&ThresholdConfig{}).
				Where("device_id = ? AND is_active = ?", cfg.DeviceID, true).
				Updates(map[string]any{"is_active": false, "updated_at": time.Now().UTC()}).Error; err != nil {
				return err
			}
		}
		return tx.Create(cfg).Error
	})
}

// UpdateConfig saves an already-merged config row. Activating it
// deactivates every other config of the same device first.
func (r *Repo) UpdateConfig(ctx context.Context, cfg *ThresholdConfig) error {
	if strings.TrimSpace(cfg.ConfigName) == "" {
		return fmt.Errorf("%w: config_name is required", ErrValidation)
	}
	if cfg.LightOperator != "lt" && cfg.LightOperator != "gt" {
		return fmt.Errorf("%w: light_operator must be lt or gt", ErrValidation)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ThresholdConfig
		if err := tx.First(&existing, "id = ?", cfg.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if cfg.IsActive {
			if err := tx.Model(&ThresholdConfig{}).
				Where("device_id = ? AND id <> ?", cfg.DeviceID, cfg.ID).
				Updates(map[string]any{"is_active": false, "updated_at": time.Now().UTC()}).Error; err != nil {
				return err
			}
		}
		return tx.Save(cfg).Error
	})
}

// DeleteConfig removes the config unconditionally. Control-log rows keep
// their threshold_id; readers treat the dangling reference as absent.
func (r *Repo) DeleteConfig(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Delete(&ThresholdConfig{}, "id = ?", id).Error
}

// GetActiveConfig returns the single active config, or nil when none.
// Finding more than one means the invariant was violated by a racing
// activation; that is surfaced so the sweep (or an operator) can repair it.
func (r *Repo) GetActiveConfig(ctx context.Context, deviceID string) (*ThresholdConfig, error) {
	var rows []ThresholdConfig
	if err := r.db.WithContext(ctx).
		Where("device_id = ? AND is_active = ?", deviceID, true).
		Order("updated_at desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return &rows[0], nil
	default:
		return &rows[0], fmt.Errorf("%w: device %s has %d", ErrMultipleActive, deviceID, len(rows))
	}
}

// SweepActiveDuplicates repairs devices left with more than one active
// config by a racing activation: the most recently updated config wins.
// Returns the number of configs deactivated.
func (r *Repo) SweepActiveDuplicates(ctx context.Context) (int, error) {
	var rows []ThresholdConfig
	if err := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("device_id asc, updated_at desc, id desc").Find(&rows).Error; err != nil {
		return 0, err
	}
	fixed := 0
	seen := map[string]bool{}
	for _, cfg := range rows {
		if !seen[cfg.DeviceID] {
			seen[cfg.DeviceID] = true
			continue
		}
		res := r.db.WithContext(ctx).Model(&ThresholdConfig{}).Where("id = ?", cfg.ID).
			Updates(map[string]any{"is_active": false, "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return fixed, res.Error
		}
		fixed++
	}
	return fixed, nil
}

// --- legacy sensor thresholds ---

func (r *Repo) ListSensorThresholds(ctx context.Context, deviceID string) ([]SensorThreshold, error) {
	var rows []SensorThreshold
	if err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ReplaceSensorThresholds implements the dashboard's PUT semantics: the
// submitted set fully replaces the device's rows.
func (r *Repo) ReplaceSensorThresholds(ctx context.Context, deviceID string, rows []SensorThreshold) ([]SensorThreshold, error) {
	for i := range rows {
		rows[i].ID = 0
		rows[i].DeviceID = deviceID
		if rows[i].Operator != "lt" && rows[i].Operator != "gt" {
			return nil, fmt.Errorf("%w: operator must be lt or gt", ErrValidation)
		}
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&SensorThreshold{}, "device_id = ?", deviceID).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// --- control logs ---

func (r *Repo) InsertControlLog(ctx context.Context, entry *ControlLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *Repo) ListControlLogs(ctx context.Context, deviceID string, limit int) ([]ControlLog, error) {
	if limit <= 0 {
		limit = 100
	}
	q := r.db.WithContext(ctx).Order("created_at desc, id desc").Limit(limit)
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}
	var rows []ControlLog
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// --- default / runtime settings ---

func (r *Repo) ListDefaultSettings(ctx context.Context, deviceID, settingType string) ([]DefaultSetting, error) {
	q := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("setting_type asc, setting_key asc")
	if settingType != "" {
		q = q.Where("setting_type = ?", settingType)
	}
	var rows []DefaultSetting
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) GetRuntimeSetting(ctx context.Context, deviceID, settingType, key string) (string, bool, error) {
	var row RuntimeSetting
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND setting_type = ? AND setting_key = ?", deviceID, settingType, key).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.SettingValue, true, nil
}

func (r *Repo) UpsertRuntimeSetting(ctx context.Context, deviceID, settingType, key, value string) error {
	row := RuntimeSetting{DeviceID: deviceID, SettingType: settingType, SettingKey: key, SettingValue: value, UpdatedAt: time.Now().UTC()}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}, {Name: "setting_type"}, {Name: "setting_key"}},
		DoUpdates: clause.Assignments(map[string]any{"setting_value": value, "updated_at": row.UpdatedAt}),
	}).Create(&row).Error
}

// EffectiveSetting resolves a keyed value the engine reads: the runtime
// setting wins, the default baseline is the fallback. ok is false when
// neither exists.
func (r *Repo) EffectiveSetting(ctx context.Context, deviceID, settingType, key string) (string, bool, error) {
	if v, ok, err := r.GetRuntimeSetting(ctx, deviceID, settingType, key); err != nil || ok {
		return v, ok, err
	}
	var row DefaultSetting
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND setting_type = ? AND setting_key = ?", deviceID, settingType, key).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.SettingValue, true, nil
}

// DurationMs resolves the actuation duration for an action. ok is false
// when no usable value is configured.
func (r *Repo) DurationMs(ctx context.Context, deviceID, action string) (int, bool, error) {
	v, ok, err := r.EffectiveSetting(ctx, deviceID, "control_duration", action)
	if err != nil || !ok {
		return 0, false, err
	}
	ms, perr := strconv.Atoi(strings.TrimSpace(v))
	if perr != nil || ms <= 0 {
		return 0, false, nil
	}
	return ms, true, nil
}

// sensorThresholdDefaults maps a sensor_threshold default key to the legacy
// rule row it restores. Operators follow the seeded baseline.
var sensorThresholdDefaults = map[string]struct {
	sensorType string
	action     string
	operator   string
}{
	"soil_moisture_water_pump": {"soil_moisture", "water_pump", "lt"},
	"temperature_fan":          {"temperature", "fan", "gt"},
	"humidity_fan":             {"humidity", "fan", "gt"},
	"light_intensity_led":      {"light_intensity", "led", "lt"},
}

// RestoreDefaults re-applies the DefaultSetting baseline as the effective
// configuration. sensor_threshold rows are recreated in sensor_thresholds;
// control_duration and system_config values overwrite runtime settings.
// Returns the number of settings restored.
func (r *Repo) RestoreDefaults(ctx context.Context, deviceID, settingType string) (int, error) {
	defaults, err := r.ListDefaultSettings(ctx, deviceID, settingType)
	if err != nil {
		return 0, err
	}
	if len(defaults) == 0 {
		return 0, fmt.Errorf("%w: no default settings for device %s", ErrNotFound, deviceID)
	}
	restored := 0
	now := time.Now().UTC()
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, d := range defaults {
			switch d.SettingType {
			case "sensor_threshold":
				spec, ok := sensorThresholdDefaults[d.SettingKey]
				if !ok {
					continue
				}
				value, perr := strconv.ParseFloat(strings.TrimSpace(d.SettingValue), 64)
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
					UpdatedAt:      now,
				}
				if err := tx.Where("device_id = ? AND sensor_type = ? AND control_action = ?",
					deviceID, spec.sensorType, spec.action).
					Delete(&SensorThreshold{}).Error; err != nil {
					return err
				}
				if err := tx.Create(&row).Error; err != nil {
					return err
				}
			case "control_duration", "system_config":
				row := RuntimeSetting{DeviceID: deviceID, SettingType: d.SettingType, SettingKey: d.SettingKey, SettingValue: d.SettingValue, UpdatedAt: now}
				if err := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "device_id"}, {Name: "setting_type"}, {Name: "setting_key"}},
					DoUpdates: clause.Assignments(map[string]any{"setting_value": d.SettingValue, "updated_at": now}),
				}).Create(&row).Error; err != nil {
					return err
				}
			default:
				continue
			}
			restored++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return restored, nil
}
