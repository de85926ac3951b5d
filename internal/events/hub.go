// Package events provides the in-memory pub/sub hub backing the plugin
// events API and runtime observability.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one published message.
type Event struct {
	ID     int64     `json:"id"`
	Topic  string    `json:"topic"`
	Source string    `json:"source,omitempty"`
	At     time.Time `json:"at"`
	Data   []byte    `json:"data"` // JSON payload
}

// Hub is an in-memory pub/sub with a small ring buffer for late subscribers.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

// NewHub creates a hub retaining the last capacity events.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish fans an event out to all subscribers. Slow subscribers are skipped
// rather than allowed to block producers.
func (h *Hub) Publish(topic, source string, data any) {
	id := h.nextID.Add(1)

	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:     id,
		Topic:  topic,
		Source: source,
		At:     time.Now().UTC(),
		Data:   payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe registers a new subscriber and returns its channel plus a cancel
// function that must be called to release it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Recent returns up to n of the most recently published events, oldest
// first.
func (h *Hub) Recent(n int) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n <= 0 || n > h.size {
		n = h.size
	}
	out := make([]Event, 0, n)
	for i := h.size - n; i < h.size; i++ {
		out = append(out, h.ring[(h.start+i)%len(h.ring)])
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	if h.size < len(h.ring) {
		h.ring[(h.start+h.size)%len(h.ring)] = ev
		h.size++
		return
	}
	h.ring[h.start] = ev
	h.start = (h.start + 1) % len(h.ring)
}
