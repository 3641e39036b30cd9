package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReadingCache keeps the most recent reading per device in Redis so the
// device-status endpoint can answer without touching Postgres. Decision
// evaluation never reads it; decisions always see current store state.
//
// A nil *ReadingCache is valid and behaves as a permanent miss.
type ReadingCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewReadingCache(rdb *redis.Client) *ReadingCache {
	return &ReadingCache{rdb: rdb, ttl: 10 * time.Minute}
}

func (c *ReadingCache) key(deviceID string) string {
	return "farmlink:latest_reading:" + deviceID
}

func (c *ReadingCache) SetLatest(ctx context.Context, r *SensorReading) {
	if c == nil || c.rdb == nil || r == nil {
		return
	}
	b, err := json.Marshal(r)
	if err != nil {
		return
	}
	// Best-effort; the DB remains the source of truth.
	_ = c.rdb.Set(ctx, c.key(r.DeviceID), b, c.ttl).Err()
}

func (c *ReadingCache) Latest(ctx context.Context, deviceID string) *SensorReading {
	if c == nil || c.rdb == nil {
		return nil
	}
	b, err := c.rdb.Get(ctx, c.key(deviceID)).Bytes()
	if err != nil {
		return nil
	}
	var r SensorReading
	if err := json.Unmarshal(b, &r); err != nil {
		return nil
	}
	return &r
}
