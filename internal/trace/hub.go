package trace

import (
	"log/slog"
	"sync"

	"github.com/ashureev/midterm-planner/internal/domain"
)

// Hub fans trace events out to live observers of a session.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[chan domain.Event]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{active: make(map[string]map[chan domain.Event]struct{})}
}

// Subscribe registers an observer for sessionID. The returned cancel
// function must be called to release it.
func (h *Hub) Subscribe(sessionID string, buffer int) (<-chan domain.Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan domain.Event, buffer)

	h.mu.Lock()
	if _, ok := h.active[sessionID]; !ok {
		h.active[sessionID] = make(map[chan domain.Event]struct{})
	}
	h.active[sessionID][ch] = struct{}{}
	h.mu.Unlock()
	slog.Debug("Trace observer registered", "session_id", sessionID)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			subs := h.active[sessionID]
			if _, ok := subs[ch]; !ok {
				// already released by CloseSession
				return
			}
			delete(subs, ch)
			if len(subs) == 0 {
				delete(h.active, sessionID)
			}
			close(ch)
		})
	}
}

// Publish delivers ev to every observer of its session. Observers whose
// buffer is full miss the event.
func (h *Hub) Publish(ev domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.active[ev.SessionID] {
		select {
		case ch <- ev:
		default:
			slog.Warn("Trace observer lagging, event dropped", "session_id", ev.SessionID, "seq", ev.Seq)
		}
	}
}

// CloseSession releases every observer of sessionID and closes their
// channels.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	subs := h.active[sessionID]
	delete(h.active, sessionID)
	h.mu.Unlock()
	for ch := range subs {
		close(ch)
	}
}

// Observers returns the number of observers of sessionID.
func (h *Hub) Observers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[sessionID])
}
