// Package extraction talks to the external topic extraction and effort
// estimation service, with a deterministic heuristic used when the service
// is absent or keeps failing.
package extraction

import (
	"context"

	"github.com/ashureev/midterm-planner/internal/domain"
)

// Default effort bounds, used when a request leaves them unset.
const (
	DefaultMinMinutes = 25
	DefaultMaxMinutes = 240
)

// EstimateRequest describes one topic to estimate. MinMinutes and
// MaxMinutes bound the answer; zero values fall back to the defaults.
type EstimateRequest struct {
	Topic           string
	EvidenceSummary string
	SourceCount     int
	MinMinutes      int
	MaxMinutes      int
}

// Bounds returns the effective minute bounds of r.
func (r EstimateRequest) Bounds() (lo, hi int) {
	lo, hi = r.MinMinutes, r.MaxMinutes
	if lo <= 0 {
		lo = DefaultMinMinutes
	}
	if hi < lo {
		hi = max(lo, DefaultMaxMinutes)
	}
	return lo, hi
}

// Estimate is the collaborator's effort estimate for one topic.
type Estimate struct {
	Minutes    int             `json:"estimated_minutes"`
	Priority   domain.Priority `json:"priority"`
	Confidence float64         `json:"confidence"`
	Rationale  string          `json:"rationale"`
}

// Collaborator is implemented by the gRPC client and the heuristic.
type Collaborator interface {
	// ExtractTopics returns topic candidates found in text.
	ExtractTopics(ctx context.Context, text string) ([]domain.TopicCandidate, error)

	// EstimateEffort returns an effort estimate for one topic.
	EstimateEffort(ctx context.Context, req EstimateRequest) (Estimate, error)
}

// Ensure implementations satisfy Collaborator.
var (
	_ Collaborator = (*GrpcClient)(nil)
	_ Collaborator = Heuristic{}
)

// Source identifies who produced a result.
type Source string

const (
	SourceService   Source = "service"
	SourceHeuristic Source = "heuristic"
)
