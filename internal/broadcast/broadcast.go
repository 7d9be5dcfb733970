// Package broadcast implements the State Manager's optional real-time
// progress channel: a per-execution pub/sub fan-out so HTTP long-poll or
// websocket handlers can observe progress without touching storage.
package broadcast

import "sync"

// Event is one progress update published on an execution's channel.
type Event struct {
	ExecutionID string
	Status      string
	CurrentStep string
	Completed   int
	Failed      int
	Skipped     int
	Final       bool
}

// Hub fans out Events to subscribers keyed by execution id.
type Hub struct {
	mu   sync.Mutex
	subs map[string][]chan Event
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string][]chan Event)}
}

// Open registers a new subscriber channel for executionID. The returned
// channel is buffered so a slow reader cannot block the publisher.
func (h *Hub) Open(executionID string) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, 16)
	h.subs[executionID] = append(h.subs[executionID], ch)
	return ch
}

// Publish delivers evt to every open subscriber of its execution. Slow or
// full subscribers are skipped rather than blocking the caller; progress
// broadcast is strictly best-effort.
func (h *Hub) Publish(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs[evt.ExecutionID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Close closes and removes every subscriber channel for executionID; call
// after a terminal event (§4.2 completeExecution "close the real-time
// channel").
func (h *Hub) Close(executionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs[executionID] {
		close(ch)
	}
	delete(h.subs, executionID)
}
