// Package validation checks a produced plan against coverage, date range,
// daily load and deadline rules.
package validation

import (
	"strings"

	"cloud.google.com/go/civil"

	"github.com/ashureev/midterm-planner/internal/domain"
)

// Reasons reported for failing checks.
const (
	ReasonCoverageImpossible = "Full topic coverage is mathematically impossible under the current date window and daily cap."
	ReasonCoverage           = "Not all estimated topics are represented in the plan."
	ReasonUnmapped           = "One or more estimated topics belong to no course with a registered midterm date."
	ReasonDateRange          = "Plan does not include every date from today through the last midterm."
	ReasonLoadBalance        = "One or more days exceed the configured daily study cap."
	ReasonDeadline           = "One or more course tasks are scheduled after that course midterm date."
)

// Input is a plan plus the context it is checked against.
type Input struct {
	Courses   []domain.Course
	Estimates []domain.TopicEstimate
	Rows      []domain.PlanRow
	Start     civil.Date
	DailyCap  int
}

// Result is the report and one reason per failing check.
type Result struct {
	Report  domain.ValidationReport
	Reasons []string
	// Uncovered counts mapped topics missing from the plan. Unmapped topics
	// are reported through Report.UnmappedMinutes instead.
	Uncovered int
}

// Failure returns nil when every check passed.
func (r Result) Failure() *domain.ValidationFailure {
	if r.Report.OK() {
		return nil
	}
	return &domain.ValidationFailure{Reasons: r.Reasons}
}

// CapacityLimitedOnly reports whether coverage is the only failing check
// and the window cannot hold the estimated minutes at the checked cap.
func (r Result) CapacityLimitedOnly() bool {
	rep := r.Report
	return !rep.CoverageOK && rep.DateRangeOK && rep.LoadBalanceOK && rep.DeadlineOK &&
		rep.CapacityShortfall && rep.UnmappedMinutes == 0
}

type topicKey struct {
	courseID string
	topic    string
}

func keyOf(courseID, topic string) topicKey {
	return topicKey{courseID: strings.TrimSpace(courseID), topic: strings.ToLower(strings.TrimSpace(topic))}
}

// Validate runs the four checks independently.
func Validate(in Input) Result {
	midterms := make(map[string]civil.Date, len(in.Courses))
	var last civil.Date
	for _, c := range in.Courses {
		if c.ID == "" || !c.HasMidterm() {
			continue
		}
		midterms[c.ID] = c.MidtermDate
		if len(midterms) == 1 || c.MidtermDate.After(last) {
			last = c.MidtermDate
		}
	}
	required := domain.DateRange(in.Start, last)
	if len(midterms) == 0 {
		required = nil
	}

	var rep domain.ValidationReport

	covered := make(map[topicKey]bool)
	planDates := make(map[civil.Date]bool)
	byDay := make(map[civil.Date]int)
	rep.DeadlineOK = true
	for _, r := range in.Rows {
		minutes := max(0, r.EstimatedMinutes)
		planDates[r.Date] = true
		byDay[r.Date] += minutes
		rep.TotalPlannedMinutes += minutes
		if r.IsBuffer() {
			continue
		}
		covered[keyOf(r.CourseID, r.Topic)] = true
		if m, ok := midterms[r.CourseID]; ok && r.Date.After(m) {
			rep.DeadlineOK = false
		}
	}

	uncovered := 0
	for _, e := range in.Estimates {
		if strings.TrimSpace(e.Topic) == "" || e.EstimatedMinutes <= 0 {
			continue
		}
		rep.TotalEstimatedMinutes += e.EstimatedMinutes
		if _, ok := midterms[strings.TrimSpace(e.CourseID)]; !ok {
			rep.UnmappedMinutes += e.EstimatedMinutes
			continue
		}
		if !covered[keyOf(e.CourseID, e.Topic)] {
			uncovered++
		}
	}
	rep.CoverageOK = uncovered == 0 && rep.UnmappedMinutes == 0

	rep.DateRangeOK = len(required) > 0 && len(planDates) == len(required)
	for _, d := range required {
		if !planDates[d] {
			rep.DateRangeOK = false
			break
		}
	}

	rep.LoadBalanceOK = true
	for _, total := range byDay {
		if total > in.DailyCap {
			rep.LoadBalanceOK = false
			break
		}
	}

	rep.TotalAvailableMinutes = len(required) * max(0, in.DailyCap)
	rep.CapacityShortfallMinutes = max(0, rep.TotalEstimatedMinutes-rep.UnmappedMinutes-rep.TotalAvailableMinutes)
	rep.CapacityShortfall = rep.CapacityShortfallMinutes > 0

	var reasons []string
	if uncovered > 0 {
		if rep.CapacityShortfall {
			reasons = append(reasons, ReasonCoverageImpossible)
		} else {
			reasons = append(reasons, ReasonCoverage)
		}
	}
	if rep.UnmappedMinutes > 0 {
		reasons = append(reasons, ReasonUnmapped)
	}
	if !rep.DateRangeOK {
		reasons = append(reasons, ReasonDateRange)
	}
	if !rep.LoadBalanceOK {
		reasons = append(reasons, ReasonLoadBalance)
	}
	if !rep.DeadlineOK {
		reasons = append(reasons, ReasonDeadline)
	}
	return Result{Report: rep, Reasons: reasons, Uncovered: uncovered}
}
