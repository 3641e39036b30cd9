package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestRepo(t *testing.T) *Repo {
	t.Helper()
	// Use a unique in-memory DB per test to avoid cross-test contamination.
	dsn := "file:store_" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func fptr(v float64) *float64 { return &v }

func TestInsertReadingRegistersDevice(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	r1 := SensorReading{DeviceID: "farmlink-001", SoilMoisture: 30, LightIntensity: 70, Temperature: 25, Humidity: 55}
	if err := repo.InsertReading(ctx, &r1); err != nil {
		t.Fatalf("InsertReading: %v", err)
	}

	dev, err := repo.GetDevice(ctx, "farmlink-001")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if dev.LastSeen == nil {
		t.Fatal("last_seen not set on first reading")
	}
	first := *dev.LastSeen

	time.Sleep(5 * time.Millisecond)
	r2 := SensorReading{DeviceID: "farmlink-001", SoilMoisture: 31, LightIntensity: 71, Temperature: 26, Humidity: 56}
	if err := repo.InsertReading(ctx, &r2); err != nil {
		t.Fatalf("InsertReading: %v", err)
	}
	dev, _ = repo.GetDevice(ctx, "farmlink-001")
	if !dev.LastSeen.After(first) {
		t.Fatalf("last_seen not bumped: %v -> %v", first, *dev.LastSeen)
	}
}

func TestCreateConfigValidation(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	err := repo.CreateConfig(ctx, &ThresholdConfig{DeviceID: "farmlink-001"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}

	err = repo.CreateConfig(ctx, &ThresholdConfig{DeviceID: "farmlink-001", ConfigName: "x", LightOperator: "between"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation for bad operator", err)
	}
}

func TestCreateActiveConfigDeactivatesSiblings(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	a := ThresholdConfig{DeviceID: "farmlink-001", ConfigName: "day", SoilMoistureThreshold: fptr(20), IsActive: true}
	if err := repo.CreateConfig(ctx, &a); err != nil {
		t.Fatalf("create day: %v", err)
	}
	b := ThresholdConfig{DeviceID: "farmlink-001", ConfigName: "night", SoilMoistureThreshold: fptr(30), IsActive: true}
	if err := repo.CreateConfig(ctx, &b); err != nil {
		t.Fatalf("create night: %v", err)
	}

	active, err := repo.GetActiveConfig(ctx, "farmlink-001")
	if err != nil {
		t.Fatalf("GetActiveConfig: %v", err)
	}
	if active == nil || active.ID != b.ID {
		t.Fatalf("active = %+v, want night", active)
	}

	old, _ := repo.GetConfig(ctx, a.ID)
	if old.IsActive {
		t.Fatal("sibling config still active")
	}
}

func TestUpdateConfigActivation(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	a := ThresholdConfig{DeviceID: "farmlink-001", ConfigName: "day", IsActive: true}
	if err := repo.CreateConfig(ctx, &a); err != nil {
		t.Fatalf("create day: %v", err)
	}
	b := ThresholdConfig{DeviceID: "farmlink-001", ConfigName: "night"}
	if err := repo.CreateConfig(ctx, &b); err != nil {
		t.Fatalf("create night: %v", err)
	}

	b.IsActive = true
	if err := repo.UpdateConfig(ctx, &b); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	active, err := repo.GetActiveConfig(ctx, "farmlink-001")
	if err != nil {
		t.Fatalf("GetActiveConfig: %v", err)
	}
	if active == nil || active.ID != b.ID {
		t.Fatalf("active = %+v, want night", active)
	}
}

func TestUpdateConfigNotFound(t *testing.T) {
	repo := openTestRepo(t)
	err := repo.UpdateConfig(context.Background(), &ThresholdConfig{ID: 9999, DeviceID: "farmlink-001", ConfigName: "x", LightOperator: "lt"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetActiveConfigNone(t *testing.T) {
	repo := openTestRepo(t)
	cfg, err := repo.GetActiveConfig(context.Background(), "farmlink-001")
	if err != nil {
		t.Fatalf("GetActiveConfig: %v", err)
	}
	if cfg != nil {
		t.Fatalf("cfg = %+v, want nil", cfg)
	}
}

func TestGetActiveConfigSurfacesViolation(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	a := ThresholdConfig{DeviceID: "farmlink-001", ConfigName: "day", IsActive: true}
	_ = repo.CreateConfig(ctx, &a)
	b := ThresholdConfig{DeviceID: "farmlink-001", ConfigName: "night", IsActive: true}
	_ = repo.CreateConfig(ctx, &b)

	// Force the violation a racing activation would leave behind.
	if err := repo.db.Model(&ThresholdConfig{}).Where("id = ?", a.ID).Update("is_active", true).Error; err != nil {
		t.Fatalf("force duplicate: %v", err)
	}

	cfg, err := repo.GetActiveConfig(ctx, "farmlink-001")
	if !errors.Is(err, ErrMultipleActive) {
		t.Fatalf("err = %v, want ErrMultipleActive", err)
	}
	if cfg == nil {
		t.Fatal("expected a winner config alongside the error")
	}
}

func TestSweepActiveDuplicates(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	a := ThresholdConfig{DeviceID: "farmlink-001", ConfigName: "day", IsActive: true}
	_ = repo.CreateConfig(ctx, &a)
	b := ThresholdConfig{DeviceID: "farmlink-001", ConfigName: "night", IsActive: true}
	_ = repo.CreateConfig(ctx, &b)
	if err := repo.db.Model(&ThresholdConfig{}).Where("id = ?", a.ID).Update("is_active", true).Error; err != nil {
		t.Fatalf("force duplicate: %v", err)
	}

	fixed, err := repo.SweepActiveDuplicates(ctx)
	if err != nil {
		t.Fatalf("SweepActiveDuplicates: %v", err)
	}
	if fixed != 1 {
		t.Fatalf("fixed = %d, want 1", fixed)
	}

	if _, err := repo.GetActiveConfig(ctx, "farmlink-001"); err != nil {
		t.Fatalf("invariant still violated after sweep: %v", err)
	}
}

func TestDeleteConfigLeavesLogs(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	cfg := ThresholdConfig{DeviceID: "farmlink-001", ConfigName: "day", IsActive: true}
	if err := repo.CreateConfig(ctx, &cfg); err != nil {
		t.Fatalf("CreateConfig: %v", err)
	}
	dur := 5
	entry := ControlLog{DeviceID: "farmlink-001", Action: "fan", Duration: &dur, TriggeredBy: "auto", ThresholdID: &cfg.ID}
	if err := repo.InsertControlLog(ctx, &entry); err != nil {
		t.Fatalf("InsertControlLog: %v", err)
	}

	if err := repo.DeleteConfig(ctx, cfg.ID); err != nil {
		t.Fatalf("DeleteConfig: %v", err)
	}

	logs, err := repo.ListControlLogs(ctx, "farmlink-001", 10)
	if err != nil {
		t.Fatalf("ListControlLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].ThresholdID == nil || *logs[0].ThresholdID != cfg.ID {
		t.Fatalf("log lost its threshold reference: %+v", logs)
	}
}

func TestReplaceSensorThresholds(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	_, err := repo.ReplaceSensorThresholds(ctx, "farmlink-001", []SensorThreshold{
		{SensorType: "soil_moisture", ThresholdValue: 20, ControlAction: "water_pump", Operator: "between"},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}

	saved, err := repo.ReplaceSensorThresholds(ctx, "farmlink-001", []SensorThreshold{
		{SensorType: "soil_moisture", ThresholdValue: 20, ControlAction: "water_pump", Operator: "lt", IsEnabled: true},
		{SensorType: "temperature", ThresholdValue: 30, ControlAction: "fan", Operator: "gt", IsEnabled: true},
	})
	if err != nil {
		t.Fatalf("ReplaceSensorThresholds: %v", err)
	}
	if len(saved) != 2 {
		t.Fatalf("saved %d rows", len(saved))
	}

	// A second PUT fully replaces the previous set.
	saved, err = repo.ReplaceSensorThresholds(ctx, "farmlink-001", []SensorThreshold{
		{SensorType: "humidity", ThresholdValue: 70, ControlAction: "fan", Operator: "gt", IsEnabled: true},
	})
	if err != nil {
		t.Fatalf("ReplaceSensorThresholds: %v", err)
	}
	rows, _ := repo.ListSensorThresholds(ctx, "farmlink-001")
	if len(rows) != 1 || rows[0].SensorType != "humidity" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestSeedDefaultsIdempotent(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	if err := repo.SeedDefaults(ctx, "farmlink-001"); err != nil {
		t.Fatalf("SeedDefaults: %v", err)
	}
	defaults, err := repo.ListDefaultSettings(ctx, "farmlink-001", "")
	if err != nil {
		t.Fatalf("ListDefaultSettings: %v", err)
	}
	if len(defaults) != len(baselineSettings) {
		t.Fatalf("seeded %d defaults, want %d", len(defaults), len(baselineSettings))
	}
	thresholds, _ := repo.ListSensorThresholds(ctx, "farmlink-001")
	if len(thresholds) != 4 {
		t.Fatalf("seeded %d thresholds, want 4", len(thresholds))
	}

	// Operator edits must survive a reseed on restart.
	if _, err := repo.ReplaceSensorThresholds(ctx, "farmlink-001", []SensorThreshold{
		{SensorType: "soil_moisture", ThresholdValue: 42, ControlAction: "water_pump", Operator: "lt", IsEnabled: true},
	}); err != nil {
		t.Fatalf("ReplaceSensorThresholds: %v", err)
	}
	if err := repo.SeedDefaults(ctx, "farmlink-001"); err != nil {
		t.Fatalf("SeedDefaults again: %v", err)
	}
	thresholds, _ = repo.ListSensorThresholds(ctx, "farmlink-001")
	if len(thresholds) != 1 || thresholds[0].ThresholdValue != 42 {
		t.Fatalf("reseed clobbered operator edits: %+v", thresholds)
	}
}

func TestRestoreDefaults(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	if err := repo.SeedDefaults(ctx, "farmlink-001"); err != nil {
		t.Fatalf("SeedDefaults: %v", err)
	}
	// Drift: custom thresholds and a runtime override.
	if _, err := repo.ReplaceSensorThresholds(ctx, "farmlink-001", []SensorThreshold{
		{SensorType: "soil_moisture", ThresholdValue: 42, ControlAction: "water_pump", Operator: "lt", IsEnabled: true},
	}); err != nil {
		t.Fatalf("ReplaceSensorThresholds: %v", err)
	}
	if err := repo.UpsertRuntimeSetting(ctx, "farmlink-001", "control_duration", "fan", "9000"); err != nil {
		t.Fatalf("UpsertRuntimeSetting: %v", err)
	}

	restored, err := repo.RestoreDefaults(ctx, "farmlink-001", "")
	if err != nil {
		t.Fatalf("RestoreDefaults: %v", err)
	}
	if restored != len(baselineSettings) {
		t.Fatalf("restored = %d, want %d", restored, len(baselineSettings))
	}

	rows, _ := repo.ListSensorThresholds(ctx, "farmlink-001")
	if len(rows) != 4 {
		t.Fatalf("thresholds after restore = %d, want 4", len(rows))
	}
	ms, ok, err := repo.DurationMs(ctx, "farmlink-001", "fan")
	if err != nil || !ok {
		t.Fatalf("DurationMs: %v %v", ms, err)
	}
	if ms != 5000 {
		t.Fatalf("fan duration = %d, want baseline 5000", ms)
	}
}

func TestRestoreDefaultsUnknownDevice(t *testing.T) {
	repo := openTestRepo(t)
	if _, err := repo.RestoreDefaults(context.Background(), "ghost", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDurationMsResolution(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	// Nothing configured.
	if _, ok, err := repo.DurationMs(ctx, "farmlink-001", "led"); err != nil || ok {
		t.Fatalf("ok = %v err = %v, want miss", ok, err)
	}

	if err := repo.SeedDefaults(ctx, "farmlink-001"); err != nil {
		t.Fatalf("SeedDefaults: %v", err)
	}
	ms, ok, err := repo.DurationMs(ctx, "farmlink-001", "led")
	if err != nil || !ok || ms != 5000 {
		t.Fatalf("baseline lookup = %d %v %v", ms, ok, err)
	}

	// Runtime value wins over the baseline.
	if err := repo.UpsertRuntimeSetting(ctx, "farmlink-001", "control_duration", "led", "2500"); err != nil {
		t.Fatalf("UpsertRuntimeSetting: %v", err)
	}
	ms, ok, _ = repo.DurationMs(ctx, "farmlink-001", "led")
	if !ok || ms != 2500 {
		t.Fatalf("runtime lookup = %d %v", ms, ok)
	}

	// Unusable value is a miss, not an error.
	if err := repo.UpsertRuntimeSetting(ctx, "farmlink-001", "control_duration", "led", "soon"); err != nil {
		t.Fatalf("UpsertRuntimeSetting: %v", err)
	}
	if _, ok, err := repo.DurationMs(ctx, "farmlink-001", "led"); err != nil || ok {
		t.Fatalf("ok = %v err = %v, want miss for junk value", ok, err)
	}
}
