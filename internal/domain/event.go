package domain

import (
	"strings"
	"time"
)

// EventType classifies a collaboration trace event.
type EventType string

const (
	EventInvoke   EventType = "invoke"
	EventHandoff  EventType = "handoff"
	EventReview   EventType = "review"
	EventRevision EventType = "revision"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// ParseEventType normalizes s and reports whether it is an allowed type.
func ParseEventType(s string) (EventType, bool) {
	t := EventType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case EventInvoke, EventHandoff, EventReview, EventRevision, EventComplete, EventError:
		return t, true
	}
	return "", false
}

// Agent names used in the trace.
const (
	AgentCoordinator = "CoordinatorAgent"
	AgentIngestion   = "IngestionAgent"
	AgentEstimation  = "EstimationAgent"
	AgentPlanner     = "PlanningReviewerAgent"
	AgentLifecycle   = "LifecycleMachine"
)

// Event is one append-only trace entry.
type Event struct {
	Seq          int64     `json:"seq,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	SessionID    string    `json:"session_id"`
	AgentName    string    `json:"agent_name"`
	EventType    EventType `json:"event_type"`
	Summary      string    `json:"summary"`
	ArtifactRefs []string  `json:"artifact_refs"`
}
