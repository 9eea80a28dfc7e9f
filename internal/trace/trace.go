// Package trace records the append-only collaboration trace of a session
// and streams it to observers.
package trace

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/ashureev/midterm-planner/internal/domain"
)

// DefaultReadLimit is used when a reader does not ask for a limit.
const DefaultReadLimit = 100

// EventStore is the part of the state store the trace needs.
type EventStore interface {
	AppendEvent(ctx context.Context, ev domain.Event) (domain.Event, error)
	Events(ctx context.Context, sessionID string) ([]domain.Event, error)
}

// Publisher forwards recorded events beyond this process.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Trace writes events through the store and publishes them to the hub.
type Trace struct {
	store EventStore
	hub   *Hub
	relay Publisher
}

// New creates a trace. hub may be nil.
func New(store EventStore, hub *Hub) *Trace {
	return &Trace{store: store, hub: hub}
}

// SetRelay forwards every recorded event to p as well.
func (t *Trace) SetRelay(p Publisher) { t.relay = p }

// Hub returns the observer hub, or nil.
func (t *Trace) Hub() *Hub { return t.hub }

// Record appends one event. Unknown event types are rejected.
func (t *Trace) Record(ctx context.Context, sessionID, agent string, eventType domain.EventType, summary string, refs ...string) (domain.Event, error) {
	typ, ok := domain.ParseEventType(string(eventType))
	if !ok {
		return domain.Event{}, fmt.Errorf("%w: invalid event type %q", domain.ErrInvalidInput, eventType)
	}
	agent = strings.TrimSpace(agent)
	if agent == "" {
		agent = "UnknownAgent"
	}
	ev, err := t.store.AppendEvent(ctx, domain.Event{
		SessionID:    sessionID,
		AgentName:    agent,
		EventType:    typ,
		Summary:      strings.TrimSpace(summary),
		ArtifactRefs: normalizeRefs(refs),
	})
	if err != nil {
		return domain.Event{}, fmt.Errorf("record %s event: %w", typ, err)
	}
	if t.hub != nil {
		t.hub.Publish(ev)
	}
	if t.relay != nil {
		if err := t.relay.Publish(ctx, ev); err != nil {
			slog.Warn("Failed to relay trace event", "session_id", sessionID, "seq", ev.Seq, "error", err)
		}
	}
	return ev, nil
}

func normalizeRefs(refs []string) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Page is the result of a trace read.
type Page struct {
	SessionID      string         `json:"session_id"`
	TotalEvents    int            `json:"total_events"`
	ReturnedEvents int            `json:"returned_events"`
	Events         []domain.Event `json:"events"`
}

// Read returns the last limit events, optionally filtered by type. Filter
// entries that are not known event types are ignored; limit <= 0 returns
// everything.
func (t *Trace) Read(ctx context.Context, sessionID string, limit int, types []string) (Page, error) {
	all, err := t.store.Events(ctx, sessionID)
	if err != nil {
		return Page{}, fmt.Errorf("read trace: %w", err)
	}
	filter := make(map[domain.EventType]bool)
	for _, s := range types {
		if typ, ok := domain.ParseEventType(s); ok {
			filter[typ] = true
		}
	}
	events := all
	if len(filter) > 0 {
		events = make([]domain.Event, 0, len(all))
		for _, ev := range all {
			if filter[ev.EventType] {
				events = append(events, ev)
			}
		}
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	if events == nil {
		events = []domain.Event{}
	}
	return Page{
		SessionID:      sessionID,
		TotalEvents:    len(all),
		ReturnedEvents: len(events),
		Events:         events,
	}, nil
}
