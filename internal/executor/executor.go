package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"farmlink/internal/engine"
	"farmlink/internal/mqtt"
	"farmlink/internal/store"

	"github.com/google/uuid"
)

// Broker is the minimal pub/sub surface the executor needs. internal/mqtt
// satisfies it; tests use an in-memory fake.
type Broker interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func(mqtt.Message)) error
}

type command struct {
	Action     string `json:"action"`
	DurationMs int    `json:"duration_ms"`
	Corr       string `json:"corr"`
	TS         int64  `json:"ts"`
}

type commandResult struct {
	Corr    string `json:"corr"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// MQTT drives devices over the command topic and matches acknowledgements
// by correlation ID. The caller's context bounds the wait; expiry means the
// device did not respond and is reported as a failure.
type MQTT struct {
	broker Broker
	prefix string

	mu      sync.Mutex
	pending map[string]chan commandResult
}

func NewMQTT(broker Broker, topicPrefix string) (*MQTT, error) {
	e := &MQTT{
		broker:  broker,
		prefix:  strings.TrimRight(topicPrefix, "/"),
		pending: map[string]chan commandResult{},
	}
	if err := broker.Subscribe(e.prefix+"/command_result/#", e.handleResult); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *MQTT) Execute(ctx context.Context, deviceID, action string, durationMs int) (engine.Ack, error) {
	corr := uuid.NewString()
	ch := make(chan commandResult, 1)

	e.mu.Lock()
	e.pending[corr] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, corr)
		e.mu.Unlock()
	}()

	b, _ := json.Marshal(command{Action: action, DurationMs: durationMs, Corr: corr, TS: time.Now().UTC().UnixMilli()})
	if err := e.broker.Publish(e.prefix+"/command/"+deviceID, b); err != nil {
		return engine.Ack{}, fmt.Errorf("publish command: %w", err)
	}

	select {
	case <-ctx.Done():
		return engine.Ack{}, fmt.Errorf("device %s did not respond: %w", deviceID, ctx.Err())
	case res := <-ch:
		if !res.Success {
			msg := res.Error
			if msg == "" {
				msg = "command rejected"
			}
			return engine.Ack{}, errors.New(msg)
		}
		return engine.Ack{Corr: corr, Output: res.Output}, nil
	}
}

func (e *MQTT) handleResult(m mqtt.Message) {
	var res commandResult
	if err := json.Unmarshal(m.Payload, &res); err != nil {
		slog.Debug("invalid command result payload", "topic", m.Topic, "error", err)
		return
	}
	if strings.TrimSpace(res.Corr) == "" {
		return
	}
	e.mu.Lock()
	ch, ok := e.pending[res.Corr]
	e.mu.Unlock()
	if !ok {
		// Normal case: result arrived after the waiter timed out.
		return
	}
	select {
	case ch <- res:
	default:
	}
}

// PublishThresholds sends the compact threshold frame the firmware parses
// ("M:20,D:60,T:30,H:70//"). Missing slots fall back to the factory values
// baked into the device.
func (e *MQTT) PublishThresholds(deviceID string, cfg *store.ThresholdConfig) error {
	frame := fmt.Sprintf("M:%d,D:%d,T:%d,H:%d//",
		slotInt(cfg.SoilMoistureThreshold, 20),
		slotInt(cfg.LightIntensityThreshold, 60),
		slotInt(cfg.TemperatureThreshold, 30),
		slotInt(cfg.HumidityThreshold, 70),
	)
	return e.broker.Publish(e.prefix+"/thresholds/"+deviceID, []byte(frame))
}

func slotInt(v *float64, fallback int) int {
	if v == nil {
		return fallback
	}
	return int(*v)
}
