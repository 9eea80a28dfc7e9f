package domain

import (
	"time"

	"cloud.google.com/go/civil"
)

// Placeholder values for days without schedulable work.
const (
	BufferCourse = "General"
	BufferTopic  = "Buffer/Review"
	BufferTask   = "Buffer day for review, catch-up, or rest."
)

// RowStatus is the state of one plan row.
type RowStatus string

const RowPlanned RowStatus = "planned"

// PlanRow is one scheduled study task on one date.
type PlanRow struct {
	Date             civil.Date `json:"date"`
	CourseID         string     `json:"course_id,omitempty"`
	Course           string     `json:"course"`
	Topic            string     `json:"topic"`
	TaskDescription  string     `json:"task_description"`
	EstimatedMinutes int        `json:"estimated_minutes"`
	Priority         Priority   `json:"priority"`
	SourceFiles      []string   `json:"source_files"`
	Status           RowStatus  `json:"status"`
}

// IsBuffer reports whether the row is a placeholder.
func (r PlanRow) IsBuffer() bool {
	return r.Topic == BufferTopic && r.CourseID == ""
}

// ResultType is the review outcome.
type ResultType string

const (
	ResultApproved        ResultType = "approved_plan"
	ResultCapacityLimited ResultType = "capacity_limited_plan"
	ResultNeedsRevision   ResultType = "needs_revision"
)

// ValidationReport is the set of named checks over a plan plus the
// capacity totals that explain coverage failures.
type ValidationReport struct {
	CoverageOK    bool `json:"coverage_ok"`
	DateRangeOK   bool `json:"date_range_ok"`
	LoadBalanceOK bool `json:"load_balance_ok"`
	DeadlineOK    bool `json:"deadline_ok"`

	TotalEstimatedMinutes    int  `json:"total_estimated_minutes"`
	TotalPlannedMinutes      int  `json:"total_planned_minutes"`
	TotalAvailableMinutes    int  `json:"total_available_minutes"`
	CapacityShortfallMinutes int  `json:"capacity_shortfall_minutes"`
	CapacityShortfall        bool `json:"capacity_shortfall_detected"`
	// UnmappedMinutes are estimated for topics whose course has no midterm.
	UnmappedMinutes int `json:"unmapped_minutes,omitempty"`
}

// OK reports whether all four checks pass.
func (r ValidationReport) OK() bool {
	return r.CoverageOK && r.DateRangeOK && r.LoadBalanceOK && r.DeadlineOK
}

// ReviewVerdict is the committed result of a planning/review cycle.
type ReviewVerdict struct {
	ResultType       ResultType       `json:"result_type"`
	RevisionReasons  []string         `json:"revision_reasons"`
	ValidationReport ValidationReport `json:"validation_report"`
	RevisionRounds   int              `json:"revision_rounds"`
	EffectiveCap     int              `json:"effective_daily_study_cap_minutes"`
	Infeasible       bool             `json:"infeasible,omitempty"`
	DecidedAt        time.Time        `json:"decided_at"`
}

// PlanSummary is a retained record of a prior plan version.
type PlanSummary struct {
	Version     int        `json:"plan_version"`
	DailyCap    int        `json:"daily_study_cap_minutes"`
	RowCount    int        `json:"row_count"`
	Warnings    int        `json:"warnings"`
	StartDate   civil.Date `json:"date_start,omitzero"`
	EndDate     civil.Date `json:"date_end,omitzero"`
	GeneratedAt time.Time  `json:"generated_at"`
}

// PlanningState is the planner-owned sub-record.
type PlanningState struct {
	Version   int            `json:"plan_version"`
	StartDate civil.Date     `json:"date_start,omitzero"`
	EndDate   civil.Date     `json:"last_midterm_date,omitzero"`
	DailyCap  int            `json:"daily_study_cap_minutes,omitempty"`
	Rows      []PlanRow      `json:"plan_rows"`
	Warnings  []string       `json:"warnings,omitempty"`
	Review    *ReviewVerdict `json:"review,omitempty"`
	History   []PlanSummary  `json:"history,omitempty"`

	GeneratedAt time.Time `json:"generated_at,omitzero"`
}
