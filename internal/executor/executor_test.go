package executor

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"farmlink/internal/mqtt"
	"farmlink/internal/store"
)

// fakeBroker is an in-memory pub/sub with wildcard-free matching on the
// subscribed prefix.
type fakeBroker struct {
	mu       sync.Mutex
	handlers map[string]func(mqtt.Message)
	// published command payloads by topic, in order
	published []mqtt.Message
	// respond, when set, is invoked for each published command so the test
	// can synthesize a device acknowledgement.
	respond func(b *fakeBroker, m mqtt.Message)
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: map[string]func(mqtt.Message){}}
}

func (b *fakeBroker) Subscribe(topic string, handler func(mqtt.Message)) error {
	b.mu.Lock()
	b.handlers[strings.TrimSuffix(topic, "#")] = handler
	b.mu.Unlock()
	return nil
}

func (b *fakeBroker) Publish(topic string, payload []byte) error {
	m := mqtt.Message{Topic: topic, Payload: payload}
	b.mu.Lock()
	b.published = append(b.published, m)
	respond := b.respond
	b.mu.Unlock()
	if respond != nil {
		respond(b, m)
	}
	return nil
}

func (b *fakeBroker) deliver(topic string, payload []byte) {
	b.mu.Lock()
	var handler func(mqtt.Message)
	for prefix, h := range b.handlers {
		if strings.HasPrefix(topic, prefix) {
			handler = h
		}
	}
	b.mu.Unlock()
	if handler != nil {
		handler(mqtt.Message{Topic: topic, Payload: payload})
	}
}

func TestExecuteSuccess(t *testing.T) {
	b := newFakeBroker()
	b.respond = func(b *fakeBroker, m mqtt.Message) {
		if !strings.HasPrefix(m.Topic, "farmlink/command/") {
			return
		}
		var cmd command
		if err := json.Unmarshal(m.Payload, &cmd); err != nil {
			t.Errorf("bad command payload: %v", err)
			return
		}
		ack, _ := json.Marshal(commandResult{Corr: cmd.Corr, Success: true, Output: "pump on"})
		go b.deliver("farmlink/command_result/farmlink-001", ack)
	}

	ex, err := NewMQTT(b, "farmlink")
	if err != nil {
		t.Fatalf("NewMQTT: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ack, err := ex.Execute(ctx, "farmlink-001", "water_pump", 5000)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ack.Output != "pump on" {
		t.Fatalf("output = %q, want %q", ack.Output, "pump on")
	}
	if ack.Corr == "" {
		t.Fatalf("expected correlation id in ack")
	}

	if len(b.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(b.published))
	}
	if got := b.published[0].Topic; got != "farmlink/command/farmlink-001" {
		t.Fatalf("command topic = %q", got)
	}
	var cmd command
	if err := json.Unmarshal(b.published[0].Payload, &cmd); err != nil {
		t.Fatalf("command payload: %v", err)
	}
	if cmd.Action != "water_pump" || cmd.DurationMs != 5000 {
		t.Fatalf("command = %+v", cmd)
	}
}

func TestExecuteTimeout(t *testing.T) {
	b := newFakeBroker()
	ex, err := NewMQTT(b, "farmlink")
	if err != nil {
		t.Fatalf("NewMQTT: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := ex.Execute(ctx, "farmlink-001", "fan", 3000); err == nil {
		t.Fatalf("expected timeout error")
	}

	// A late ack for an expired correlation must not panic or block.
	var cmd command
	if err := json.Unmarshal(b.published[0].Payload, &cmd); err != nil {
		t.Fatalf("command payload: %v", err)
	}
	ack, _ := json.Marshal(commandResult{Corr: cmd.Corr, Success: true})
	b.deliver("farmlink/command_result/farmlink-001", ack)
}

func TestExecuteDeviceRejection(t *testing.T) {
	b := newFakeBroker()
	b.respond = func(b *fakeBroker, m mqtt.Message) {
		var cmd command
		_ = json.Unmarshal(m.Payload, &cmd)
		ack, _ := json.Marshal(commandResult{Corr: cmd.Corr, Success: false, Error: "pump jammed"})
		go b.deliver("farmlink/command_result/farmlink-001", ack)
	}
	ex, err := NewMQTT(b, "farmlink")
	if err != nil {
		t.Fatalf("NewMQTT: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = ex.Execute(ctx, "farmlink-001", "water_pump", 5000)
	if err == nil || !strings.Contains(err.Error(), "pump jammed") {
		t.Fatalf("err = %v, want device rejection", err)
	}
}

func TestPublishThresholds(t *testing.T) {
	b := newFakeBroker()
	ex, err := NewMQTT(b, "farmlink")
	if err != nil {
		t.Fatalf("NewMQTT: %v", err)
	}

	soil, light, temp := 25.0, 55.0, 31.0
	cfg := &store.ThresholdConfig{
		DeviceID:                "farmlink-001",
		SoilMoistureThreshold:   &soil,
		LightIntensityThreshold: &light,
		TemperatureThreshold:    &temp,
		// humidity unset, falls back to the firmware default
	}
	if err := ex.PublishThresholds("farmlink-001", cfg); err != nil {
		t.Fatalf("PublishThresholds: %v", err)
	}

	if len(b.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(b.published))
	}
	if got := b.published[0].Topic; got != "farmlink/thresholds/farmlink-001" {
		t.Fatalf("topic = %q", got)
	}
	if got := string(b.published[0].Payload); got != "M:25,D:55,T:31,H:70//" {
		t.Fatalf("frame = %q", got)
	}
}
