package extraction

import (
	"context"
	"log/slog"

	"github.com/ashureev/midterm-planner/internal/domain"
	"github.com/ashureev/midterm-planner/internal/retry"
)

// Extraction is the outcome of one topic extraction.
type Extraction struct {
	Topics   []domain.TopicCandidate
	Attempts int
	Source   Source
}

// Estimation is the outcome of one effort estimate.
type Estimation struct {
	Estimate
	Source Source
	// Warning is set when the service failed and the heuristic answered.
	Warning string
}

// Resilient calls the service under a retry policy. With no service every
// call goes to the heuristic.
type Resilient struct {
	service Collaborator
	policy  retry.Policy
	logger  *slog.Logger
}

// NewResilient wraps service, which may be nil.
func NewResilient(service Collaborator, policy retry.Policy, logger *slog.Logger) *Resilient {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resilient{service: service, policy: policy, logger: logger}
}

// UsesService reports whether a remote collaborator is configured.
func (r *Resilient) UsesService() bool { return r.service != nil }

// ExtractTopics returns the service's topics, retrying transient failures.
// Failures after the retry budget come back as *domain.UpstreamError so the
// caller can mark the chunk failed.
func (r *Resilient) ExtractTopics(ctx context.Context, text string) (Extraction, error) {
	if r.service == nil {
		return Extraction{Topics: HeuristicTopics(text), Attempts: 1, Source: SourceHeuristic}, nil
	}
	attempts := 0
	topics, err := retry.Do(ctx, r.policy, "extract_topics", func(ctx context.Context) ([]domain.TopicCandidate, error) {
		attempts++
		return r.service.ExtractTopics(ctx, text)
	})
	if err != nil {
		r.logger.Warn("Topic extraction failed", "attempts", attempts, "error", err)
		return Extraction{Attempts: attempts, Source: SourceService}, err
	}
	return Extraction{Topics: topics, Attempts: attempts, Source: SourceService}, nil
}

// EstimateEffort never fails: when the service is missing or gives up, the
// heuristic estimate is returned with a warning.
func (r *Resilient) EstimateEffort(ctx context.Context, req EstimateRequest) Estimation {
	if r.service == nil {
		return Estimation{Estimate: HeuristicEstimate(req), Source: SourceHeuristic}
	}
	est, err := retry.Do(ctx, r.policy, "estimate_effort", func(ctx context.Context) (Estimate, error) {
		return r.service.EstimateEffort(ctx, req)
	})
	if err != nil {
		r.logger.Warn("Effort estimation failed, using heuristic", "topic", req.Topic, "error", err)
		return Estimation{
			Estimate: HeuristicEstimate(req),
			Source:   SourceHeuristic,
			Warning:  "Heuristic estimate used for " + req.Topic + ": " + err.Error(),
		}
	}
	return Estimation{Estimate: est, Source: SourceService}
}
