// Package events is the in-process pub/sub feed of buildtap's own activity:
// builds queued, admitted, completed, handler results. The status API
// re-broadcasts it over SSE and the watch TUI renders it.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event is one activity record.
type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub fans events out to subscribers and keeps a bounded replay buffer so
// late subscribers can catch up.
type Hub struct {
	nextID atomic.Int64

	mu     sync.Mutex
	buf    []Event
	max    int
	subs   map[string]chan Event
	closed bool
}

// NewHub creates a Hub whose replay buffer holds up to capacity events.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 128
	}
	return &Hub{
		max:  capacity,
		subs: make(map[string]chan Event),
	}
}

// Publish broadcasts an event. data is marshalled to JSON; a marshal
// failure publishes an empty payload rather than dropping the event.
func (h *Hub) Publish(eventType string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	h.buf = append(h.buf, ev)
	if len(h.buf) > h.max {
		h.buf = h.buf[len(h.buf)-h.max:]
	}

	for _, ch := range h.subs {
		// Slow subscribers lose events rather than stalling publishers.
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called to release it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	token := uuid.NewString()
	ch := make(chan Event, 128)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[token] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[token]; ok {
			delete(h.subs, token)
			close(c)
		}
	}
	return ch, cancel
}

// ReplaySince returns buffered events with ID > lastID, oldest first. A
// lastID of 0 returns the whole buffer.
func (h *Hub) ReplaySince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, len(h.buf))
	for _, ev := range h.buf {
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// Close shuts the hub down and closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for token, ch := range h.subs {
		delete(h.subs, token)
		close(ch)
	}
}
