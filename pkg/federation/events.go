package federation

import (
	"sync"
	"time"
)

// EventType classifies federation stream events.
type EventType string

const (
	EventPeerUp    EventType = "peer_up"
	EventPeerDown  EventType = "peer_down"
	EventSyncStart EventType = "sync_start"
	EventSyncEnd   EventType = "sync_end"
	EventConflicts EventType = "conflict_summary"
)

// Event is one federation stream frame, consumed by the /ws/federation
// WebSocket and by tests.
type Event struct {
	Type   EventType      `json:"type"`
	PeerID string         `json:"peer_id,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
	At     time.Time      `json:"at"`
}

// Hub fans federation events out to subscribers. Slow subscribers lose
// events rather than block publishers; the stream is advisory.
type Hub struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewHub creates an event hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe returns a buffered event channel and a cancel function that
// closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	ch := make(chan Event, 64)
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if existing, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(existing)
		}
	}
}

// Publish delivers an event to every subscriber without blocking.
func (h *Hub) Publish(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
