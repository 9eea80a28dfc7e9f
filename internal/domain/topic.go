package domain

import (
	"regexp"
	"strings"
)

// Priority is the ordinal importance of a topic.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ParsePriority normalizes free-form input; unknown values map to medium.
func ParsePriority(s string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityHigh:
		return PriorityHigh
	case PriorityLow:
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Rank orders priorities: high=0, medium=1, low=2.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// LowConfidenceThreshold is the confidence below which estimates are flagged.
const LowConfidenceThreshold = 0.6

// TopicEvidence is the merged view of what the documents say about one
// topic of one course. (CourseID, NormalizedTopic) is the merge key.
type TopicEvidence struct {
	CourseID        string   `json:"course_id"`
	Topic           string   `json:"topic"`
	NormalizedTopic string   `json:"normalized_topic"`
	EvidenceSummary string   `json:"evidence_summary"`
	SourceFiles     []string `json:"source_files"`
	SourceChunks    []string `json:"source_chunks"`
}

// TopicEstimate is the effort estimate for one topic.
type TopicEstimate struct {
	CourseID         string   `json:"course_id"`
	Topic            string   `json:"topic"`
	EstimatedMinutes int      `json:"estimated_minutes"`
	Priority         Priority `json:"priority"`
	Confidence       float64  `json:"confidence"`
	Rationale        string   `json:"rationale,omitempty"`
	SourceFiles      []string `json:"source_files,omitempty"`
}

// LowConfidence reports whether the estimate should be flagged.
func (e TopicEstimate) LowConfidence() bool {
	return e.Confidence < LowConfidenceThreshold
}

var (
	nonAlnum   = regexp.MustCompile(`[^a-zA-Z0-9\s]`)
	whitespace = regexp.MustCompile(`\s+`)
)

// NormalizeTopic lowercases a topic label and strips punctuation so labels
// from different chunks collapse onto one merge key.
func NormalizeTopic(topic string) string {
	n := nonAlnum.ReplaceAllString(strings.ToLower(topic), " ")
	return strings.TrimSpace(whitespace.ReplaceAllString(n, " "))
}
