// Package domain contains the core types of the study planner: the session
// aggregate, its entities and the error taxonomy shared by every stage.
package domain

import (
	"time"

	"cloud.google.com/go/civil"
)

// Status is the coarse lifecycle state of a session.
type Status string

const (
	StatusCreated          Status = "created"
	StatusCollectingInputs Status = "collecting_inputs"
	StatusIngesting        Status = "ingesting"
	StatusEstimating       Status = "estimating"
	StatusPlanning         Status = "planning"
	StatusReviewing        Status = "reviewing"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusCollectingInputs, StatusIngesting, StatusEstimating,
		StatusPlanning, StatusReviewing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Session is the root aggregate. It is only ever handed out as a snapshot;
// mutations go through the state store.
type Session struct {
	ID        string    `json:"session_id"`
	Status    Status    `json:"status"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Inputs     Inputs                  `json:"user_inputs"`
	Files      map[string]UploadedFile `json:"file_registry"`
	Ingestion  IngestionState          `json:"ingestion_state"`
	Estimation EstimationState         `json:"estimation_state"`
	Planning   PlanningState           `json:"planning_state"`
	Artifacts  Artifacts               `json:"artifacts"`
	Events     []Event                 `json:"events,omitempty"`
}

// Inputs holds everything the student declared for the session.
type Inputs struct {
	// CollectedOn is the input-collection date; midterms may not precede it.
	CollectedOn civil.Date `json:"collected_on,omitzero"`
	Courses     []Course   `json:"courses"`
}

// Course is one exam the schedule must prepare for.
type Course struct {
	ID          string     `json:"course_id"`
	Name        string     `json:"course_name"`
	MidtermDate civil.Date `json:"midterm_date,omitzero"`
}

// HasMidterm reports whether a midterm date was declared.
func (c Course) HasMidterm() bool {
	return !c.MidtermDate.IsZero()
}

// IngestionState groups chunk progress and merged topic evidence.
type IngestionState struct {
	Progress map[string]ChunkProgress `json:"files"`
	EvidenceSet
}

// EvidenceSet is the merged evidence of all ingested files, stored as one
// sub-record.
type EvidenceSet struct {
	Evidence []TopicEvidence `json:"course_topic_evidence"`
	Warnings []string        `json:"warnings,omitempty"`
	// Revision increases with every merge.
	Revision int `json:"evidence_revision,omitempty"`
}

// EstimationState holds per-topic effort estimates.
type EstimationState struct {
	Estimates        []TopicEstimate `json:"topic_estimates"`
	UncertaintyFlags []string        `json:"uncertainty_flags,omitempty"`
	// EvidenceRevision is the evidence revision the estimates were made from.
	EvidenceRevision int `json:"evidence_revision,omitempty"`
}

// Artifacts records exported output paths.
type Artifacts struct {
	CSVPath      string    `json:"csv_path,omitempty"`
	MarkdownPath string    `json:"markdown_path,omitempty"`
	ExportedAt   time.Time `json:"exported_at,omitzero"`
}

// CourseByID returns the registered course with the given id.
func (s *Session) CourseByID(id string) (Course, bool) {
	for _, c := range s.Inputs.Courses {
		if c.ID == id {
			return c, true
		}
	}
	return Course{}, false
}

// LastMidterm returns the latest declared midterm date, or false when no
// course has one.
func (s *Session) LastMidterm() (civil.Date, bool) {
	var last civil.Date
	found := false
	for _, c := range s.Inputs.Courses {
		if !c.HasMidterm() {
			continue
		}
		if !found || c.MidtermDate.After(last) {
			last = c.MidtermDate
			found = true
		}
	}
	return last, found
}

// DateRange returns every calendar date in [start, end], inclusive. It
// returns nil when end precedes start.
func DateRange(start, end civil.Date) []civil.Date {
	if end.Before(start) {
		return nil
	}
	days := make([]civil.Date, 0, end.DaysSince(start)+1)
	for d := start; !d.After(end); d = d.AddDays(1) {
		days = append(days, d)
	}
	return days
}
