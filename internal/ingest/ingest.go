// Package ingest consumes sensor readings published by field devices over
// MQTT, persists them, and hands them to the control engine.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"farmlink/internal/engine"
	"farmlink/internal/mqtt"
	"farmlink/internal/store"
)

// ErrNotADataTopic is returned when a message topic does not match
// <prefix>/data/<device_id>.
var ErrNotADataTopic = errors.New("not a sensor data topic")

// payload is the wire format devices publish. All four channels are
// required; timestamp is optional and defaults to arrival time.
type payload struct {
	SoilMoisture   *float64 `json:"soil_moisture"`
	LightIntensity *float64 `json:"light_intensity"`
	Temperature    *float64 `json:"temperature"`
	Humidity       *float64 `json:"humidity"`
	Timestamp      *int64   `json:"ts"` // unix millis
}

type Ingestor struct {
	Repo        *store.Repo
	Engine      *engine.Engine
	Cache       *store.ReadingCache
	TopicPrefix string
}

// ParseDeviceID extracts the device ID from <prefix>/data/<device_id>.
func (in *Ingestor) ParseDeviceID(topic string) (string, error) {
	prefix := strings.TrimRight(in.TopicPrefix, "/") + "/data/"
	if !strings.HasPrefix(topic, prefix) {
		return "", ErrNotADataTopic
	}
	id := strings.TrimPrefix(topic, prefix)
	if id == "" || strings.Contains(id, "/") {
		return "", ErrNotADataTopic
	}
	return id, nil
}

// HandleMessage validates and stores one reading, then runs the control
// engine on it. Engine failures are logged but do not fail ingestion; the
// reading is already durable at that point.
func (in *Ingestor) HandleMessage(ctx context.Context, msg mqtt.Message) error {
	deviceID, err := in.ParseDeviceID(msg.Topic)
	if err != nil {
		return err
	}

	var p payload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return err
	}
	if p.SoilMoisture == nil || p.LightIntensity == nil || p.Temperature == nil || p.Humidity == nil {
		return errors.New("missing sensor fields")
	}

	ts := time.Now().UTC()
	if p.Timestamp != nil {
		ts = time.UnixMilli(*p.Timestamp).UTC()
	}
	reading := store.SensorReading{
		DeviceID:       deviceID,
		SoilMoisture:   *p.SoilMoisture,
		LightIntensity: *p.LightIntensity,
		Temperature:    *p.Temperature,
		Humidity:       *p.Humidity,
		Timestamp:      ts,
	}
	if err := in.Repo.InsertReading(ctx, &reading); err != nil {
		return err
	}
	in.Cache.SetLatest(ctx, &reading)

	if in.Engine != nil {
		if _, err := in.Engine.HandleReading(ctx, &reading); err != nil {
			slog.Error("control evaluation failed", "device_id", deviceID, "reading_id", reading.ID, "error", err)
		}
	}
	return nil
}

// Run subscribes to the data topic tree and processes readings until the
// client disconnects. Bad payloads are logged and dropped.
func (in *Ingestor) Run(ctx context.Context, client *mqtt.Client) error {
	topic := strings.TrimRight(in.TopicPrefix, "/") + "/data/#"
	return client.Subscribe(topic, func(msg mqtt.Message) {
		if err := in.HandleMessage(ctx, msg); err != nil && !errors.Is(err, ErrNotADataTopic) {
			slog.Warn("sensor message dropped", "topic", msg.Topic, "error", err)
		}
	})
}
