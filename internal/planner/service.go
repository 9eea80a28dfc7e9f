// Package planner runs the planning and review stage: it drives the
// revision loop, commits every plan version and the final verdict, and
// moves the session through planning, reviewing and completed.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/civil"
	"go.opentelemetry.io/otel"

	"github.com/ashureev/midterm-planner/internal/domain"
	"github.com/ashureev/midterm-planner/internal/lifecycle"
	"github.com/ashureev/midterm-planner/internal/revision"
	"github.com/ashureev/midterm-planner/internal/scheduling"
	"github.com/ashureev/midterm-planner/internal/store"
	"github.com/ashureev/midterm-planner/internal/telemetry"
	"github.com/ashureev/midterm-planner/internal/trace"
)

var tracer = otel.Tracer("github.com/ashureev/midterm-planner/internal/planner")

// maxHistory bounds the retained summaries of prior plan versions.
const maxHistory = 20

// Config holds the planning defaults.
type Config struct {
	Policy       revision.Policy
	MinBlock     int
	MaxBlock     int
	RestDay      string
	RestFraction float64
}

// DefaultConfig returns 30..90 minute blocks, no rest day and the default
// revision policy.
func DefaultConfig() Config {
	return Config{
		Policy:       revision.DefaultPolicy(),
		MinBlock:     30,
		MaxBlock:     90,
		RestFraction: 0.5,
	}
}

// Options are per-run overrides. Zero values keep the configured defaults.
type Options struct {
	Force         bool  `json:"force_reprocess"`
	DailyCap      int   `json:"daily_study_cap_minutes,omitempty"`
	AllowWidening *bool `json:"allow_auto_revision,omitempty"`
	MaxRounds     *int  `json:"max_revision_rounds,omitempty"`
}

// Result is the status payload of one planning run.
type Result struct {
	domain.StageResult
	SessionStatus domain.Status         `json:"session_status"`
	PlanVersion   int                   `json:"plan_version"`
	RowCount      int                   `json:"plan_rows_count"`
	StartDate     civil.Date            `json:"date_start,omitzero"`
	EndDate       civil.Date            `json:"date_end,omitzero"`
	Review        *domain.ReviewVerdict `json:"review,omitempty"`
}

// Service runs the planning stage.
type Service struct {
	repo    store.Repository
	machine *lifecycle.Machine
	trace   *trace.Trace
	cfg     Config
	now     func() time.Time
}

// NewService creates the planning stage.
func NewService(repo store.Repository, machine *lifecycle.Machine, tr *trace.Trace, cfg Config) *Service {
	return &Service{repo: repo, machine: machine, trace: tr, cfg: cfg, now: time.Now}
}

// Run plans the session from today through its last midterm and reviews
// the result. A reviewed plan is reused unless opts.Force is set. Accepted
// verdicts complete the session; needs_revision leaves it in reviewing.
func (s *Service) Run(ctx context.Context, sessionID string, opts Options) Result {
	ctx, span := telemetry.StartStage(ctx, tracer, domain.StagePlanning, sessionID)
	defer span.End()

	fail := func(err error) Result {
		err = s.machine.HandleStageError(ctx, sessionID, err)
		telemetry.Fail(span, err)
		return Result{StageResult: domain.StageError(sessionID, domain.StagePlanning, err)}
	}

	release, err := s.machine.Begin(sessionID, domain.StagePlanning)
	if err != nil {
		return fail(err)
	}
	defer release()

	sess, err := s.repo.Load(ctx, sessionID)
	if err != nil {
		return fail(err)
	}

	if reviewed(sess) && !opts.Force {
		return s.reuse(ctx, sess)
	}

	switch sess.Status {
	case domain.StatusPlanning:
	case domain.StatusReviewing:
		if sess, err = s.machine.Transition(ctx, sessionID, domain.StatusPlanning); err != nil {
			return fail(err)
		}
	default:
		return fail(domain.Precondition(lifecycle.GuardEdge, "planning cannot run in status %s", sess.Status))
	}

	in := scheduling.Input{
		Courses:   sess.Inputs.Courses,
		Estimates: sess.Estimation.Estimates,
		Start:     s.machine.Today(),
		Params: scheduling.Params{
			MinBlock:     s.cfg.MinBlock,
			MaxBlock:     s.cfg.MaxBlock,
			RestDay:      s.cfg.RestDay,
			RestFraction: s.cfg.RestFraction,
		},
	}
	policy := s.policy(opts)

	s.record(ctx, sessionID, domain.EventInvoke,
		fmt.Sprintf("Planning %d topic estimates across %d courses.", len(in.Estimates), len(in.Courses)))

	var prevIssues int
	observer := func(ctx context.Context, r revision.Round) error {
		if r.Number > 0 {
			s.record(ctx, sessionID, domain.EventRevision,
				fmt.Sprintf("Starting revision round %d with %d issues.", r.Number, prevIssues),
				fmt.Sprintf("revision_round:%d", r.Number))
			if _, err := s.machine.Transition(ctx, sessionID, domain.StatusPlanning); err != nil {
				return err
			}
		}
		prevIssues = len(r.Result.Reasons)
		return s.commitRound(ctx, sessionID, r)
	}

	outcome, err := revision.New(policy, observer).Run(ctx, in)
	if err != nil {
		return fail(mapScheduleError(err))
	}

	verdict := outcome.Verdict
	verdict.DecidedAt = s.now().UTC()
	version, err := s.commitReview(ctx, sessionID, verdict)
	if err != nil {
		return fail(err)
	}
	slog.Info("Review committed", "session_id", sessionID, "result_type", verdict.ResultType,
		"rounds", verdict.RevisionRounds, "cap", verdict.EffectiveCap)
	s.record(ctx, sessionID, domain.EventReview,
		fmt.Sprintf("Review verdict: %s. Rounds=%d, reasons=%d.", verdict.ResultType, verdict.RevisionRounds, len(verdict.RevisionReasons)),
		fmt.Sprintf("review:%s", verdict.ResultType))

	status := domain.StatusReviewing
	if verdict.ResultType != domain.ResultNeedsRevision {
		if _, err := s.machine.Transition(ctx, sessionID, domain.StatusCompleted); err != nil {
			return fail(err)
		}
		status = domain.StatusCompleted
	}

	plan := outcome.Final.Plan
	return Result{
		StageResult:   domain.StageOK(sessionID, domain.StagePlanning, plan.Warnings),
		SessionStatus: status,
		PlanVersion:   version,
		RowCount:      len(plan.Rows),
		StartDate:     plan.Start,
		EndDate:       plan.End,
		Review:        &verdict,
	}
}

func (s *Service) policy(opts Options) revision.Policy {
	p := s.cfg.Policy
	if opts.DailyCap > 0 {
		p.BaseCap = min(opts.DailyCap, revision.MaxDailyMinutes)
	}
	if opts.AllowWidening != nil {
		p.AllowWidening = *opts.AllowWidening
	}
	if opts.MaxRounds != nil {
		p.MaxRounds = max(0, *opts.MaxRounds)
	}
	return p
}

func reviewed(s *domain.Session) bool {
	if len(s.Planning.Rows) == 0 || s.Planning.Review == nil {
		return false
	}
	return s.Status == domain.StatusReviewing || s.Status == domain.StatusCompleted
}

func (s *Service) reuse(ctx context.Context, sess *domain.Session) Result {
	st := sess.Planning
	status := sess.Status
	if status == domain.StatusReviewing && st.Review.ResultType != domain.ResultNeedsRevision {
		if _, err := s.machine.Transition(ctx, sess.ID, domain.StatusCompleted); err != nil {
			return Result{StageResult: domain.StageError(sess.ID, domain.StagePlanning, err)}
		}
		status = domain.StatusCompleted
	}
	res := Result{
		StageResult:   domain.StageOK(sess.ID, domain.StagePlanning, st.Warnings),
		SessionStatus: status,
		PlanVersion:   st.Version,
		RowCount:      len(st.Rows),
		StartDate:     st.StartDate,
		EndDate:       st.EndDate,
		Review:        st.Review,
	}
	res.Reused = true
	return res
}

// commitRound stores the round's plan as a new version and hands it to
// review.
func (s *Service) commitRound(ctx context.Context, sessionID string, r revision.Round) error {
	plan := r.Plan
	var version int
	_, err := store.Update(ctx, s.repo, sessionID, store.OwnerPlanner, store.SectionPlanning, "", func(st *domain.PlanningState) error {
		if st.Version > 0 {
			st.History = append(st.History, summarize(st))
			if len(st.History) > maxHistory {
				st.History = st.History[len(st.History)-maxHistory:]
			}
		}
		st.Version++
		st.StartDate = plan.Start
		st.EndDate = plan.End
		st.DailyCap = r.Cap
		st.Rows = plan.Rows
		st.Warnings = plan.Warnings
		st.Review = nil
		st.GeneratedAt = s.now().UTC()
		version = st.Version
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("Plan committed", "session_id", sessionID, "round", r.Number, "version", version,
		"cap", r.Cap, "rows", len(plan.Rows))
	s.record(ctx, sessionID, domain.EventComplete,
		fmt.Sprintf("Generated %d day-by-day plan rows from %s to %s.", len(plan.Rows), plan.Start, plan.End),
		fmt.Sprintf("plan_rows:%d", len(plan.Rows)))

	_, err = s.machine.Transition(ctx, sessionID, domain.StatusReviewing)
	return err
}

func (s *Service) commitReview(ctx context.Context, sessionID string, v domain.ReviewVerdict) (int, error) {
	var version int
	_, err := store.Update(ctx, s.repo, sessionID, store.OwnerPlanner, store.SectionPlanning, "", func(st *domain.PlanningState) error {
		st.Review = &v
		version = st.Version
		return nil
	})
	return version, err
}

func summarize(st *domain.PlanningState) domain.PlanSummary {
	return domain.PlanSummary{
		Version:     st.Version,
		DailyCap:    st.DailyCap,
		RowCount:    len(st.Rows),
		Warnings:    len(st.Warnings),
		StartDate:   st.StartDate,
		EndDate:     st.EndDate,
		GeneratedAt: st.GeneratedAt,
	}
}

// mapScheduleError turns scheduler input errors into guard violations.
func mapScheduleError(err error) error {
	switch {
	case errors.Is(err, scheduling.ErrNoCourses):
		return domain.Precondition(lifecycle.GuardMidterms, "no course has a midterm date")
	case errors.Is(err, scheduling.ErrEmptyWindow):
		return domain.Precondition(lifecycle.GuardMidterms, "all midterms are before today")
	case errors.Is(err, scheduling.ErrNoTasks):
		return domain.Precondition(lifecycle.GuardEstimates, "no estimate belongs to a registered course")
	}
	return err
}

func (s *Service) record(ctx context.Context, sessionID string, typ domain.EventType, summary string, refs ...string) {
	if s.trace == nil {
		return
	}
	if _, err := s.trace.Record(ctx, sessionID, domain.AgentPlanner, typ, summary, refs...); err != nil {
		slog.Warn("Failed to record planning event", "session_id", sessionID, "error", err)
	}
}
