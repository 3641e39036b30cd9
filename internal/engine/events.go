package engine

import (
	"sync"
	"time"

	"farmlink/internal/store"
)

// Event is streamed to realtime dashboard clients. It is intentionally
// UI-friendly: one frame per stored reading or control action.
type Event struct {
	Type         string               `json:"type"` // reading|control
	DeviceID     string               `json:"device_id"`
	Reading      *store.SensorReading `json:"reading,omitempty"`
	Log          *store.ControlLog    `json:"log,omitempty"`
	Error        string               `json:"error,omitempty"`
	TSUnixMillis int64                `json:"ts"`
}

// EventHub is an in-memory pub/sub for the realtime feed. Slow subscribers
// are dropped rather than allowed to block evaluation.
type EventHub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{subs: map[chan Event]struct{}{}}
}

func (h *EventHub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	// Close under the write lock so a concurrent Publish can never send on
	// the closed channel.
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; !ok {
			return
		}
		delete(h.subs, ch)
		close(ch)
	}
	return ch, cancel
}

// Publish fans out under the read lock. Sends never block (slow subscribers
// drop the event), so holding the lock across the loop is safe.
func (h *EventHub) Publish(evt Event) {
	if evt.TSUnixMillis == 0 {
		evt.TSUnixMillis = time.Now().UTC().UnixMilli()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow.
		}
	}
}
