// Package estimation turns merged topic evidence into per-topic effort
// estimates and flags the uncertain ones.
package estimation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/midterm-planner/internal/domain"
	"github.com/ashureev/midterm-planner/internal/extraction"
	"github.com/ashureev/midterm-planner/internal/lifecycle"
	"github.com/ashureev/midterm-planner/internal/store"
	"github.com/ashureev/midterm-planner/internal/telemetry"
	"github.com/ashureev/midterm-planner/internal/trace"
)

var tracer = otel.Tracer("github.com/ashureev/midterm-planner/internal/estimation")

// GuardEvidence is reported when there is nothing to estimate.
const GuardEvidence = "topic_evidence_present"

const defaultConcurrency = 4

// Estimator returns an effort estimate for one topic. It never fails; a
// fallback answer carries a warning.
type Estimator interface {
	EstimateEffort(ctx context.Context, req extraction.EstimateRequest) extraction.Estimation
}

// Bounds clamps estimated minutes.
type Bounds struct {
	MinMinutes int
	MaxMinutes int
}

// DefaultBounds returns 25..240 minutes.
func DefaultBounds() Bounds {
	return Bounds{MinMinutes: extraction.DefaultMinMinutes, MaxMinutes: extraction.DefaultMaxMinutes}
}

// Result is the status payload of one estimation run.
type Result struct {
	domain.StageResult
	EstimateCount    int      `json:"topic_estimates_count"`
	UncertaintyFlags []string `json:"uncertainty_flags"`
}

// Service runs the estimation stage.
type Service struct {
	repo      store.Repository
	machine   *lifecycle.Machine
	trace     *trace.Trace
	estimator Estimator
	bounds    Bounds
}

// NewService creates the estimation stage.
func NewService(repo store.Repository, machine *lifecycle.Machine, tr *trace.Trace, estimator Estimator, bounds Bounds) *Service {
	if bounds.MinMinutes <= 0 {
		bounds.MinMinutes = DefaultBounds().MinMinutes
	}
	if bounds.MaxMinutes < bounds.MinMinutes {
		bounds.MaxMinutes = max(bounds.MinMinutes, DefaultBounds().MaxMinutes)
	}
	return &Service{repo: repo, machine: machine, trace: tr, estimator: estimator, bounds: bounds}
}

// Run estimates every evidence row. Existing estimates are reused unless
// force is set. On success the session moves to planning.
func (s *Service) Run(ctx context.Context, sessionID string, force bool) Result {
	ctx, span := telemetry.StartStage(ctx, tracer, domain.StageEstimation, sessionID)
	defer span.End()

	fail := func(err error) Result {
		err = s.machine.HandleStageError(ctx, sessionID, err)
		telemetry.Fail(span, err)
		return Result{StageResult: domain.StageError(sessionID, domain.StageEstimation, err), UncertaintyFlags: []string{}}
	}

	release, err := s.machine.Begin(sessionID, domain.StageEstimation)
	if err != nil {
		return fail(err)
	}
	defer release()

	sess, err := s.repo.Load(ctx, sessionID)
	if err != nil {
		return fail(err)
	}

	existing := sess.Estimation
	if len(existing.Estimates) > 0 && existing.EvidenceRevision == sess.Ingestion.Revision && !force {
		if sess.Status == domain.StatusEstimating {
			if _, err := s.machine.Transition(ctx, sessionID, domain.StatusPlanning); err != nil {
				return fail(err)
			}
		}
		res := Result{
			StageResult:      domain.StageOK(sessionID, domain.StageEstimation, nil),
			EstimateCount:    len(existing.Estimates),
			UncertaintyFlags: nonNil(existing.UncertaintyFlags),
		}
		res.Reused = true
		return res
	}

	if force && lifecycle.CanRewind(sess.Status, domain.StatusEstimating) {
		if sess, err = s.machine.Rewind(ctx, sessionID, domain.StatusEstimating); err != nil {
			return fail(err)
		}
	}
	if sess.Status != domain.StatusEstimating {
		return fail(domain.Precondition(lifecycle.GuardEdge, "estimation cannot run in status %s", sess.Status))
	}
	evidence := sess.Ingestion.Evidence
	if len(evidence) == 0 {
		return fail(domain.Precondition(GuardEvidence, "no topic evidence found, run ingestion first"))
	}

	s.record(ctx, sessionID, domain.EventInvoke, fmt.Sprintf("Estimating workload for %d topics.", len(evidence)))
	estimates, flags, warnings, err := s.estimateAll(ctx, evidence)
	if err != nil {
		return fail(err)
	}

	_, err = store.Update(ctx, s.repo, sessionID, store.OwnerEstimation, store.SectionEstimation, "", func(st *domain.EstimationState) error {
		st.Estimates = estimates
		st.UncertaintyFlags = flags
		st.EvidenceRevision = sess.Ingestion.Revision
		return nil
	})
	if err != nil {
		return fail(err)
	}
	slog.Info("Estimates committed", "session_id", sessionID, "count", len(estimates), "flags", len(flags))
	s.record(ctx, sessionID, domain.EventComplete,
		fmt.Sprintf("Generated %d workload estimates.", len(estimates)),
		fmt.Sprintf("estimates:%d", len(estimates)))

	if _, err := s.machine.Transition(ctx, sessionID, domain.StatusPlanning); err != nil {
		return fail(err)
	}
	return Result{
		StageResult:      domain.StageOK(sessionID, domain.StageEstimation, warnings),
		EstimateCount:    len(estimates),
		UncertaintyFlags: flags,
	}
}

func (s *Service) estimateAll(ctx context.Context, evidence []domain.TopicEvidence) ([]domain.TopicEstimate, []string, []string, error) {
	type slot struct {
		estimate domain.TopicEstimate
		ok       bool
		warning  string
	}
	slots := make([]slot, len(evidence))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultConcurrency)
	for i, ev := range evidence {
		topic := strings.TrimSpace(ev.Topic)
		courseID := strings.TrimSpace(ev.CourseID)
		if topic == "" || courseID == "" {
			continue
		}
		g.Go(func() error {
			out := s.estimator.EstimateEffort(gctx, extraction.EstimateRequest{
				Topic:           topic,
				EvidenceSummary: strings.TrimSpace(ev.EvidenceSummary),
				SourceCount:     len(ev.SourceFiles),
				MinMinutes:      s.bounds.MinMinutes,
				MaxMinutes:      s.bounds.MaxMinutes,
			})
			slots[i] = slot{
				ok:      true,
				warning: out.Warning,
				estimate: domain.TopicEstimate{
					CourseID:         courseID,
					Topic:            topic,
					EstimatedMinutes: max(s.bounds.MinMinutes, min(s.bounds.MaxMinutes, out.Minutes)),
					Priority:         domain.ParsePriority(string(out.Priority)),
					Confidence:       math.Round(out.Confidence*100) / 100,
					Rationale:        out.Rationale,
					SourceFiles:      slices.Clone(ev.SourceFiles),
				},
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}

	estimates := make([]domain.TopicEstimate, 0, len(slots))
	flags := []string{}
	var warnings []string
	for _, sl := range slots {
		if !sl.ok {
			continue
		}
		estimates = append(estimates, sl.estimate)
		if sl.estimate.LowConfidence() {
			flags = append(flags, fmt.Sprintf("Low confidence estimate for %s:%s", sl.estimate.CourseID, sl.estimate.Topic))
		}
		if sl.warning != "" {
			warnings = append(warnings, sl.warning)
		}
	}
	slices.Sort(flags)
	return estimates, slices.Compact(flags), warnings, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (s *Service) record(ctx context.Context, sessionID string, typ domain.EventType, summary string, refs ...string) {
	if s.trace == nil {
		return
	}
	if _, err := s.trace.Record(ctx, sessionID, domain.AgentEstimation, typ, summary, refs...); err != nil {
		slog.Warn("Failed to record estimation event", "session_id", sessionID, "error", err)
	}
}
