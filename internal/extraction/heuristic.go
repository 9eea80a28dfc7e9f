package extraction

import (
	"context"
	"math"
	"regexp"
	"strings"

	"github.com/ashureev/midterm-planner/internal/domain"
)

const (
	maxHeuristicTopics = 8
	heuristicRationale = "Heuristic estimate from topic complexity and source coverage."
)

var (
	headingPattern = regexp.MustCompile(`\b[A-Z][A-Za-z0-9\-]{3,}(?:\s+[A-Z][A-Za-z0-9\-]{3,}){0,3}\b`)
	wordPattern    = regexp.MustCompile(`[A-Za-z0-9]+`)
)

// Heuristic extracts capitalised phrases as topics and sizes topics by
// label length, evidence length and source count.
type Heuristic struct{}

// ExtractTopics implements Collaborator.
func (Heuristic) ExtractTopics(_ context.Context, text string) ([]domain.TopicCandidate, error) {
	return HeuristicTopics(text), nil
}

// EstimateEffort implements Collaborator.
func (Heuristic) EstimateEffort(_ context.Context, req EstimateRequest) (Estimate, error) {
	return HeuristicEstimate(req), nil
}

// HeuristicTopics returns up to eight distinct capitalised phrases. Text
// without any yields a single general review topic; empty text yields none.
func HeuristicTopics(text string) []domain.TopicCandidate {
	seen := make(map[string]bool)
	var topics []domain.TopicCandidate
	for _, m := range headingPattern.FindAllString(text, -1) {
		topic := strings.TrimSpace(m)
		if seen[topic] {
			continue
		}
		seen[topic] = true
		topics = append(topics, domain.TopicCandidate{Topic: topic, EvidenceSummary: "Extracted from PDF text chunk."})
		if len(topics) >= maxHeuristicTopics {
			break
		}
	}
	if len(topics) == 0 && text != "" {
		topics = []domain.TopicCandidate{{Topic: "General Review", EvidenceSummary: "No explicit heading detected."}}
	}
	return topics
}

// HeuristicEstimate sizes a topic within the request bounds, 25 to 240
// minutes by default.
func HeuristicEstimate(req EstimateRequest) Estimate {
	words := max(1, len(wordPattern.FindAllString(req.Topic, -1)))
	evidenceWords := len(wordPattern.FindAllString(req.EvidenceSummary, -1))

	base := 30 + words*8
	evidenceFactor := min(40, evidenceWords*2)
	sourceFactor := min(35, req.SourceCount*7)
	lo, hi := req.Bounds()
	minutes := clamp(base+evidenceFactor+sourceFactor, lo, hi)

	confidence := math.Min(0.95, 0.45+float64(req.SourceCount)*0.12+0.01*float64(min(20, evidenceWords)))
	return Estimate{
		Minutes:    minutes,
		Priority:   PriorityFromMinutes(minutes),
		Confidence: round2(confidence),
		Rationale:  heuristicRationale,
	}
}

// PriorityFromMinutes maps effort to priority: high from 120 minutes,
// medium from 70.
func PriorityFromMinutes(minutes int) domain.Priority {
	switch {
	case minutes >= 120:
		return domain.PriorityHigh
	case minutes >= 70:
		return domain.PriorityMedium
	default:
		return domain.PriorityLow
	}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
