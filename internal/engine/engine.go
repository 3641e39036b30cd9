package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"farmlink/internal/store"

	"github.com/robfig/cron/v3"
	"gorm.io/datatypes"
)

const (
	ActionWaterPump = "water_pump"
	ActionFan       = "fan"
	ActionLED       = "led"

	// DefaultDurationMs is used when neither a runtime setting nor a
	// default-settings row provides a duration for an action.
	DefaultDurationMs = 5000
)

// ErrExecutor marks a hardware/command-channel failure. Automatic control
// logs the failure and continues; the manual path surfaces it to the caller
// distinctly from "logged successfully".
var ErrExecutor = errors.New("executor failure")

// Ack is what a command executor reports back on success.
type Ack struct {
	Corr   string `json:"corr,omitempty"`
	Output string `json:"output,omitempty"`
}

// CommandExecutor performs physical actuation. The MQTT implementation
// lives in internal/executor; tests substitute a fake.
type CommandExecutor interface {
	Execute(ctx context.Context, deviceID, action string, durationMs int) (Ack, error)
}

// ThresholdPublisher pushes the active config down to the device so its
// onboard fallback logic stays in sync.
type ThresholdPublisher interface {
	PublishThresholds(deviceID string, cfg *store.ThresholdConfig) error
}

type Options struct {
	// CommandTimeout bounds each executor call; expiry is treated as an
	// executor failure. Defaults to 10s.
	CommandTimeout time.Duration
	Thresholds     ThresholdPublisher
}

// Engine evaluates stored readings against the device's active threshold
// config and drives triggered actions through the executor, recording every
// attempt in the control log.
type Engine struct {
	repo       *store.Repo
	exec       CommandExecutor
	events     *EventHub
	thresholds ThresholdPublisher
	cmdTimeout time.Duration
	cron       *cron.Cron

	mu          sync.Mutex
	deviceLocks map[string]*sync.Mutex
}

func New(repo *store.Repo, exec CommandExecutor, opts Options) *Engine {
	timeout := opts.CommandTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Engine{
		repo:        repo,
		exec:        exec,
		events:      NewEventHub(),
		thresholds:  opts.Thresholds,
		cmdTimeout:  timeout,
		cron:        cron.New(cron.WithSeconds()),
		deviceLocks: map[string]*sync.Mutex{},
	}
}

func (e *Engine) Events() *EventHub { return e.events }

func ValidAction(a string) bool {
	switch a {
	case ActionWaterPump, ActionFan, ActionLED:
		return true
	}
	return false
}

// lockDevice serializes evaluation per device so actions are applied in
// reading order. Different devices proceed independently.
func (e *Engine) lockDevice(deviceID string) func() {
	e.mu.Lock()
	l, ok := e.deviceLocks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		e.deviceLocks[deviceID] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// HandleReading evaluates an already-stored reading against the device's
// active config and fires the triggered actions. Executor failures are
// logged and do not abort the remaining actions; every attempt produces a
// control-log entry. Returns the entries written.
func (e *Engine) HandleReading(ctx context.Context, reading *store.SensorReading) ([]store.ControlLog, error) {
	unlock := e.lockDevice(reading.DeviceID)
	defer unlock()

	e.events.Publish(Event{Type: "reading", DeviceID: reading.DeviceID, Reading: reading})

	if enabled, err := e.autoControlEnabled(ctx, reading.DeviceID); err != nil {
		return nil, err
	} else if !enabled {
		slog.Debug("auto control disabled", "device_id", reading.DeviceID)
		return nil, nil
	}

	cfg, err := e.repo.GetActiveConfig(ctx, reading.DeviceID)
	if err != nil && !errors.Is(err, store.ErrMultipleActive) {
		return nil, err
	}
	if err != nil {
		// Invariant violation from a racing activation; the newest config
		// wins here and the sweep repairs the rows.
		slog.Warn("active config invariant violated", "device_id", reading.DeviceID, "error", err)
	}
	if cfg == nil {
		return nil, nil
	}

	var entries []store.ControlLog
	for _, action := range triggeredActions(cfg, reading) {
		durationMs := e.durationMs(ctx, reading.DeviceID, action)

		ack, execErr := e.execute(ctx, reading.DeviceID, action, durationMs)

		seconds := durationMs / 1000
		entry := store.ControlLog{
			DeviceID:     reading.DeviceID,
			Action:       action,
			Duration:     &seconds,
			TriggeredBy:  "auto",
			SensorDataID: &reading.ID,
			ThresholdID:  &cfg.ID,
			Result:       resultJSON(ack, execErr),
		}
		if err := e.repo.InsertControlLog(ctx, &entry); err != nil {
			slog.Error("control log insert failed", "device_id", reading.DeviceID, "action", action, "error", err)
			continue
		}
		entries = append(entries, entry)

		evt := Event{Type: "control", DeviceID: reading.DeviceID, Log: &entry}
		if execErr != nil {
			evt.Error = execErr.Error()
			slog.Warn("automatic control failed", "device_id", reading.DeviceID, "action", action, "error", execErr)
		} else {
			slog.Info("automatic control fired", "device_id", reading.DeviceID, "action", action, "duration_ms", durationMs, "reading_id", reading.ID)
		}
		e.events.Publish(evt)
	}
	return entries, nil
}

// ManualControl bypasses rule evaluation. The entry is logged first so the
// command is audited whether or not the hardware responds; an executor
// failure is returned as ErrExecutor alongside the retained entry.
func (e *Engine) ManualControl(ctx context.Context, deviceID, action string, durationMs int, triggeredBy string) (*store.ControlLog, error) {
	if !ValidAction(action) {
		return nil, fmt.Errorf("%w: unknown action %q", store.ErrValidation, action)
	}
	if strings.TrimSpace(triggeredBy) == "" {
		triggeredBy = "manual"
	}
	if durationMs <= 0 {
		durationMs = e.durationMs(ctx, deviceID, action)
	}

	unlock := e.lockDevice(deviceID)
	defer unlock()

	seconds := durationMs / 1000
	entry := store.ControlLog{
		DeviceID:    deviceID,
		Action:      action,
		Duration:    &seconds,
		TriggeredBy: triggeredBy,
	}
	if err := e.repo.InsertControlLog(ctx, &entry); err != nil {
		return nil, err
	}

	_, execErr := e.execute(ctx, deviceID, action, durationMs)

	evt := Event{Type: "control", DeviceID: deviceID, Log: &entry}
	if execErr != nil {
		evt.Error = execErr.Error()
	}
	e.events.Publish(evt)

	if execErr != nil {
		return &entry, execErr
	}
	return &entry, nil
}

func (e *Engine) execute(ctx context.Context, deviceID, action string, durationMs int) (Ack, error) {
	if e.exec == nil {
		return Ack{}, fmt.Errorf("%w: no executor configured", ErrExecutor)
	}
	cctx, cancel := context.WithTimeout(ctx, e.cmdTimeout)
	defer cancel()
	ack, err := e.exec.Execute(cctx, deviceID, action, durationMs)
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrExecutor, err)
	}
	return ack, nil
}

func (e *Engine) durationMs(ctx context.Context, deviceID, action string) int {
	ms, ok, err := e.repo.DurationMs(ctx, deviceID, action)
	if err != nil {
		slog.Warn("duration lookup failed", "device_id", deviceID, "action", action, "error", err)
		return DefaultDurationMs
	}
	if !ok {
		return DefaultDurationMs
	}
	return ms
}

func (e *Engine) autoControlEnabled(ctx context.Context, deviceID string) (bool, error) {
	v, ok, err := e.repo.EffectiveSetting(ctx, deviceID, "system_config", "auto_control_enabled")
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return strings.ToLower(strings.TrimSpace(v)) != "false", nil
}

// triggeredActions applies the fixed per-slot comparators and dedupes the
// result in slot order (soil, temperature, humidity, light), so a reading
// that trips both fan slots fires the fan once.
func triggeredActions(cfg *store.ThresholdConfig, r *store.SensorReading) []string {
	var out []string
	seen := map[string]bool{}
	add := func(a string) {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	if cfg.SoilMoistureThreshold != nil && r.SoilMoisture < *cfg.SoilMoistureThreshold {
		add(ActionWaterPump)
	}
	if cfg.TemperatureThreshold != nil && r.Temperature >= *cfg.TemperatureThreshold {
		add(ActionFan)
	}
	if cfg.HumidityThreshold != nil && r.Humidity >= *cfg.HumidityThreshold {
		add(ActionFan)
	}
	if cfg.LightIntensityThreshold != nil {
		fire := r.LightIntensity < *cfg.LightIntensityThreshold
		if cfg.LightOperator == "gt" {
			fire = r.LightIntensity > *cfg.LightIntensityThreshold
		}
		if fire {
			add(ActionLED)
		}
	}
	return out
}

func resultJSON(ack Ack, execErr error) datatypes.JSON {
	m := map[string]any{"success": execErr == nil}
	if execErr != nil {
		m["error"] = execErr.Error()
	} else {
		if ack.Corr != "" {
			m["corr"] = ack.Corr
		}
		if ack.Output != "" {
			m["output"] = ack.Output
		}
	}
	b, _ := json.Marshal(m)
	return datatypes.JSON(b)
}

// StartJobs schedules the periodic consistency sweep for the
// one-active-config invariant and the threshold push to devices.
func (e *Engine) StartJobs(ctx context.Context) error {
	if _, err := e.cron.AddFunc("0 */5 * * * *", func() {
		fixed, err := e.repo.SweepActiveDuplicates(ctx)
		if err != nil {
			slog.Warn("active config sweep failed", "error", err)
			return
		}
		if fixed > 0 {
			slog.Warn("active config sweep deactivated duplicates", "count", fixed)
		}
	}); err != nil {
		return err
	}
	if e.thresholds != nil {
		if _, err := e.cron.AddFunc("*/30 * * * * *", func() {
			e.SyncThresholds(ctx)
		}); err != nil {
			return err
		}
	}
	e.cron.Start()
	return nil
}

func (e *Engine) StopJobs() {
	if e.cron != nil {
		e.cron.Stop()
	}
}

// SyncThresholds pushes every device's active config to the hardware.
// Devices without an active config are skipped.
func (e *Engine) SyncThresholds(ctx context.Context) {
	if e.thresholds == nil {
		return
	}
	devices, err := e.repo.ListDevices(ctx)
	if err != nil {
		slog.Warn("threshold sync device list failed", "error", err)
		return
	}
	for _, d := range devices {
		e.PushThresholds(ctx, d.ID)
	}
}

// PushThresholds sends one device's active config to the hardware. No-op
// when no publisher is wired or the device has no active config; the
// firmware keeps its last synced values.
func (e *Engine) PushThresholds(ctx context.Context, deviceID string) {
	if e.thresholds == nil {
		return
	}
	cfg, err := e.repo.GetActiveConfig(ctx, deviceID)
	if err != nil || cfg == nil {
		return
	}
	if err := e.thresholds.PublishThresholds(deviceID, cfg); err != nil {
		slog.Warn("threshold push failed", "device_id", deviceID, "error", err)
	}
}
