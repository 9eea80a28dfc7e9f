// Package lifecycle enforces the coarse session status, the guards on its
// outbound edges and the one-stage-at-a-time rule per session.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"cloud.google.com/go/civil"

	"github.com/ashureev/midterm-planner/internal/domain"
	"github.com/ashureev/midterm-planner/internal/store"
	"github.com/ashureev/midterm-planner/internal/trace"
)

// Guard names reported in PreconditionError.
const (
	GuardEdge             = "allowed_edge"
	GuardMidterms         = "midterms_on_or_after_today"
	GuardIngestionSettled = "required_files_ingested"
	GuardEstimates        = "estimates_present"
	GuardPlanDateRange    = "plan_covers_date_range"
	GuardReviewAccepted   = "review_accepted"
)

var edges = map[domain.Status][]domain.Status{
	domain.StatusCreated:          {domain.StatusCollectingInputs},
	domain.StatusCollectingInputs: {domain.StatusIngesting},
	domain.StatusIngesting:        {domain.StatusEstimating},
	domain.StatusEstimating:       {domain.StatusPlanning},
	domain.StatusPlanning:         {domain.StatusReviewing},
	domain.StatusReviewing:        {domain.StatusPlanning, domain.StatusCompleted},
}

// rewinds are the backward edges a forced rerun may take. Completed and
// failed sessions never rewind.
var rewinds = map[domain.Status][]domain.Status{
	domain.StatusEstimating: {domain.StatusIngesting},
	domain.StatusPlanning:   {domain.StatusIngesting, domain.StatusEstimating},
	domain.StatusReviewing:  {domain.StatusIngesting, domain.StatusEstimating},
}

// CanRewind reports whether from → to is a backward edge.
func CanRewind(from, to domain.Status) bool {
	return slices.Contains(rewinds[from], to)
}

// CanTransition reports whether from → to is an edge of the machine. Every
// status except failed may move to failed.
func CanTransition(from, to domain.Status) bool {
	if to == domain.StatusFailed {
		return from != domain.StatusFailed
	}
	return slices.Contains(edges[from], to)
}

// CheckGuard evaluates the guard of the outbound edge from s's current
// status to next against the snapshot.
func CheckGuard(s *domain.Session, next domain.Status, today civil.Date) error {
	from := s.Status
	if !CanTransition(from, next) {
		return &domain.PreconditionError{Guard: GuardEdge, Detail: fmt.Sprintf("%s -> %s is not allowed", from, next)}
	}
	switch {
	case from == domain.StatusCollectingInputs && next == domain.StatusIngesting:
		return checkMidterms(s, today)
	case from == domain.StatusIngesting && next == domain.StatusEstimating:
		return checkIngestion(s)
	case from == domain.StatusEstimating && next == domain.StatusPlanning:
		if len(s.Estimation.Estimates) == 0 {
			return domain.Precondition(GuardEstimates, "no topic estimates recorded")
		}
	case from == domain.StatusPlanning && next == domain.StatusReviewing:
		return checkPlanDates(s)
	case from == domain.StatusReviewing && next == domain.StatusCompleted:
		r := s.Planning.Review
		if r == nil || r.ResultType == domain.ResultNeedsRevision {
			return domain.Precondition(GuardReviewAccepted, "plan has no accepted review verdict")
		}
	}
	return nil
}

func checkMidterms(s *domain.Session, today civil.Date) error {
	if len(s.Inputs.Courses) == 0 {
		return domain.Precondition(GuardMidterms, "no courses registered")
	}
	for _, c := range s.Inputs.Courses {
		if !c.HasMidterm() {
			return domain.Precondition(GuardMidterms, "course %s has no midterm date", c.ID)
		}
		if c.MidtermDate.Before(today) {
			return domain.Precondition(GuardMidterms, "course %s midterm %s is before %s", c.ID, c.MidtermDate, today)
		}
	}
	return nil
}

func checkIngestion(s *domain.Session) error {
	ids := make([]string, 0, len(s.Files))
	for id := range s.Files {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if !s.Files[id].Required {
			continue
		}
		p, ok := s.Ingestion.Progress[id]
		if !ok {
			return domain.Precondition(GuardIngestionSettled, "file %s has not been ingested", id)
		}
		if !p.ReadyForEstimation() {
			return domain.Precondition(GuardIngestionSettled, "file %s is %s", id, p.Status)
		}
	}
	return nil
}

func checkPlanDates(s *domain.Session) error {
	end, ok := s.LastMidterm()
	if !ok {
		return domain.Precondition(GuardPlanDateRange, "no midterm dates declared")
	}
	if len(s.Planning.Rows) == 0 || s.Planning.StartDate.IsZero() {
		return domain.Precondition(GuardPlanDateRange, "no plan rows committed")
	}
	want := domain.DateRange(s.Planning.StartDate, end)
	seen := make(map[civil.Date]bool, len(want))
	for _, r := range s.Planning.Rows {
		seen[r.Date] = true
	}
	if len(seen) != len(want) {
		return domain.Precondition(GuardPlanDateRange, "plan has %d dates, range has %d", len(seen), len(want))
	}
	for _, d := range want {
		if !seen[d] {
			return domain.Precondition(GuardPlanDateRange, "plan is missing %s", d)
		}
	}
	return nil
}

// Machine applies transitions through the state store.
type Machine struct {
	repo  store.Repository
	trace *trace.Trace
	today func() civil.Date

	mu sync.Mutex
	// inFlight maps a session to its running stage.
	inFlight map[string]string
}

// New creates a machine. tr may be nil; today defaults to the local date.
func New(repo store.Repository, tr *trace.Trace, today func() civil.Date) *Machine {
	if today == nil {
		today = func() civil.Date { return civil.DateOf(time.Now()) }
	}
	return &Machine{repo: repo, trace: tr, today: today, inFlight: make(map[string]string)}
}

// Today returns the machine's notion of the current date.
func (m *Machine) Today() civil.Date { return m.today() }

// Transition moves the session to next. Moving to the current status is a
// no-op. The guard is evaluated on a fresh snapshot and the status write is
// a compare-and-set, so a concurrent transition yields ErrStatusConflict.
func (m *Machine) Transition(ctx context.Context, sessionID string, next domain.Status) (*domain.Session, error) {
	s, err := m.repo.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status == next {
		return s, nil
	}
	if err := CheckGuard(s, next, m.today()); err != nil {
		slog.Info("Transition blocked", "session_id", sessionID, "from", s.Status, "to", next, "error", err)
		return s, err
	}
	from := s.Status
	if err := m.repo.UpdateStatus(ctx, sessionID, from, next); err != nil {
		return s, err
	}
	s.Status = next
	slog.Info("Session transitioned", "session_id", sessionID, "from", from, "to", next)
	m.record(ctx, sessionID, domain.EventHandoff, fmt.Sprintf("status %s -> %s", from, next))
	return s, nil
}

// Rewind moves the session back to an earlier stage status for a forced
// rerun. When the current status has no backward edge to target it behaves
// like Transition.
func (m *Machine) Rewind(ctx context.Context, sessionID string, target domain.Status) (*domain.Session, error) {
	s, err := m.repo.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !CanRewind(s.Status, target) {
		return m.Transition(ctx, sessionID, target)
	}
	from := s.Status
	if err := m.repo.UpdateStatus(ctx, sessionID, from, target); err != nil {
		return s, err
	}
	s.Status = target
	slog.Info("Session rewound", "session_id", sessionID, "from", from, "to", target)
	m.record(ctx, sessionID, domain.EventHandoff, fmt.Sprintf("status %s -> %s (forced rerun)", from, target))
	return s, nil
}

// Fail marks the session failed and records cause in the trace. It reads
// only the status so that sessions with corrupt sub-records can still be
// failed.
func (m *Machine) Fail(ctx context.Context, sessionID string, cause error) error {
	for attempt := 0; attempt < 3; attempt++ {
		from, err := m.repo.Status(ctx, sessionID)
		if err != nil {
			return err
		}
		if from == domain.StatusFailed {
			return nil
		}
		err = m.repo.UpdateStatus(ctx, sessionID, from, domain.StatusFailed)
		if errors.Is(err, domain.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return err
		}
		slog.Error("Session failed", "session_id", sessionID, "from", from, "error", cause)
		m.record(ctx, sessionID, domain.EventError, fmt.Sprintf("session failed in %s: %v", from, cause))
		return nil
	}
	return fmt.Errorf("mark %s failed: %w", sessionID, domain.ErrStatusConflict)
}

// Begin claims the per-session stage slot. It fails fast with
// ErrStageInFlight when another stage of the same session is running.
// The slot is dropped on release.
func (m *Machine) Begin(sessionID, stage string) (func(), error) {
	m.mu.Lock()
	running, busy := m.inFlight[sessionID]
	if !busy {
		m.inFlight[sessionID] = stage
	}
	m.mu.Unlock()
	if busy {
		slog.Warn("Stage already in flight", "session_id", sessionID, "stage", stage, "running", running)
		return nil, fmt.Errorf("%w: %s for session %s", domain.ErrStageInFlight, stage, sessionID)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.inFlight, sessionID)
			m.mu.Unlock()
		})
	}, nil
}

// HandleStageError marks the session failed when err is fatal. It returns
// err unchanged.
func (m *Machine) HandleStageError(ctx context.Context, sessionID string, err error) error {
	if err != nil && domain.IsFatal(err) {
		if failErr := m.Fail(ctx, sessionID, err); failErr != nil {
			slog.Error("Failed to mark session failed", "session_id", sessionID, "error", failErr)
		}
	}
	return err
}

func (m *Machine) record(ctx context.Context, sessionID string, typ domain.EventType, summary string) {
	if m.trace == nil {
		return
	}
	if _, err := m.trace.Record(ctx, sessionID, domain.AgentLifecycle, typ, summary); err != nil {
		slog.Warn("Failed to record lifecycle event", "session_id", sessionID, "error", err)
	}
}
