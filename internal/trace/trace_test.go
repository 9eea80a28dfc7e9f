package trace

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/ashureev/midterm-planner/internal/domain"
)

type memoryEvents struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *memoryEvents) AppendEvent(_ context.Context, ev domain.Event) (domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.Seq = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return ev, nil
}

func (m *memoryEvents) Events(_ context.Context, sessionID string) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, ev := range m.events {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func TestRecordNormalizesEvent(t *testing.T) {
	tr := New(&memoryEvents{}, nil)
	ev, err := tr.Record(context.Background(), "s1", "  ", "  Handoff ", " done ", "b.csv", "a.md", "b.csv", "")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if ev.AgentName != "UnknownAgent" {
		t.Errorf("Expected UnknownAgent, got %q", ev.AgentName)
	}
	if ev.EventType != domain.EventHandoff {
		t.Errorf("Expected handoff, got %q", ev.EventType)
	}
	if ev.Summary != "done" {
		t.Errorf("Expected trimmed summary, got %q", ev.Summary)
	}
	if !slices.Equal(ev.ArtifactRefs, []string{"a.md", "b.csv"}) {
		t.Errorf("Expected sorted unique refs, got %v", ev.ArtifactRefs)
	}
}

func TestRecordRejectsUnknownType(t *testing.T) {
	tr := New(&memoryEvents{}, nil)
	_, err := tr.Record(context.Background(), "s1", domain.AgentPlanner, "celebrate", "x")
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("Expected ErrInvalidInput, got %v", err)
	}
}

func TestReadLimitAndFilter(t *testing.T) {
	tr := New(&memoryEvents{}, nil)
	ctx := context.Background()
	for _, typ := range []domain.EventType{domain.EventInvoke, domain.EventReview, domain.EventRevision, domain.EventReview, domain.EventComplete} {
		if _, err := tr.Record(ctx, "s1", domain.AgentPlanner, typ, string(typ)); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	page, err := tr.Read(ctx, "s1", 1, []string{"review", "bogus"})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if page.TotalEvents != 5 || page.ReturnedEvents != 1 {
		t.Errorf("Expected 5 total / 1 returned, got %d / %d", page.TotalEvents, page.ReturnedEvents)
	}
	if page.Events[0].Seq != 4 {
		t.Errorf("Expected the last review event, got seq %d", page.Events[0].Seq)
	}

	page, _ = tr.Read(ctx, "s1", 0, nil)
	if page.ReturnedEvents != 5 {
		t.Errorf("Expected all events, got %d", page.ReturnedEvents)
	}
}

func TestHubPublishesToObservers(t *testing.T) {
	hub := NewHub()
	tr := New(&memoryEvents{}, hub)
	ch, cancel := hub.Subscribe("s1", 4)
	defer cancel()

	if _, err := tr.Record(context.Background(), "s1", domain.AgentCoordinator, domain.EventInvoke, "start"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := tr.Record(context.Background(), "other", domain.AgentCoordinator, domain.EventInvoke, "elsewhere"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	ev := <-ch
	if ev.Summary != "start" {
		t.Errorf("Expected start event, got %q", ev.Summary)
	}
	select {
	case extra := <-ch:
		t.Errorf("Unexpected event for another session: %+v", extra)
	default:
	}
}

func TestHubDropsWhenObserverLags(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe("s1", 1)
	hub.Publish(domain.Event{SessionID: "s1", Seq: 1})
	hub.Publish(domain.Event{SessionID: "s1", Seq: 2})
	cancel()
	cancel()
	if hub.Observers("s1") != 0 {
		t.Errorf("Expected observer released, got %d", hub.Observers("s1"))
	}
}

func TestHubCloseSession(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("s1", 1)
	hub.CloseSession("s1")
	if _, ok := <-ch; ok {
		t.Error("Expected channel to be closed")
	}
	cancel()
	if hub.Observers("s1") != 0 {
		t.Errorf("Expected no observers, got %d", hub.Observers("s1"))
	}
}

type recordingRelay struct {
	events []domain.Event
	err    error
}

func (r *recordingRelay) Publish(_ context.Context, ev domain.Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func TestRecordForwardsToRelay(t *testing.T) {
	tr := New(&memoryEvents{}, nil)
	relay := &recordingRelay{err: errors.New("redis down")}
	tr.SetRelay(relay)

	if _, err := tr.Record(context.Background(), "s1", domain.AgentPlanner, domain.EventReview, "verdict"); err != nil {
		t.Fatalf("Expected relay failure to be ignored, got %v", err)
	}
	if len(relay.events) != 1 || relay.events[0].Seq != 1 {
		t.Errorf("Expected relayed event with seq 1, got %+v", relay.events)
	}
}

func TestEnvelopeRoundTripSkipsOwnEvents(t *testing.T) {
	raw, err := encodeEnvelope("node-a", domain.Event{SessionID: "s1", Seq: 7, EventType: domain.EventComplete})
	if err != nil {
		t.Fatalf("encodeEnvelope: %v", err)
	}
	ev, local, err := decodeEnvelope("node-a", raw)
	if err != nil || !local {
		t.Errorf("Expected own event to be flagged local, got local=%v err=%v", local, err)
	}
	if ev.Seq != 7 {
		t.Errorf("Expected seq 7, got %d", ev.Seq)
	}
	if _, local, _ := decodeEnvelope("node-b", raw); local {
		t.Error("Expected event from another node not to be local")
	}
	if _, _, err := decodeEnvelope("node-a", []byte(`{"origin":"x","event":{}}`)); err == nil {
		t.Error("Expected error for event without session id")
	}
}
