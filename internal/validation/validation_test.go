package validation

import (
	"slices"
	"testing"

	"cloud.google.com/go/civil"

	"github.com/ashureev/midterm-planner/internal/domain"
)

func date(s string) civil.Date {
	d, err := civil.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func row(d, courseID, topic string, minutes int) domain.PlanRow {
	return domain.PlanRow{Date: date(d), CourseID: courseID, Course: courseID, Topic: topic, EstimatedMinutes: minutes}
}

func buffer(d string) domain.PlanRow {
	return domain.PlanRow{Date: date(d), Course: domain.BufferCourse, Topic: domain.BufferTopic}
}

func baseInput() Input {
	return Input{
		Courses: []domain.Course{
			{ID: "c1", Name: "Calculus", MidtermDate: date("2026-02-10")},
			{ID: "c2", Name: "Physics", MidtermDate: date("2026-02-09")},
		},
		Estimates: []domain.TopicEstimate{
			{CourseID: "c1", Topic: "Limits", EstimatedMinutes: 90},
			{CourseID: "c2", Topic: "Kinematics", EstimatedMinutes: 60},
		},
		Rows: []domain.PlanRow{
			row("2026-02-08", "c2", "Kinematics", 60),
			row("2026-02-08", "c1", "Limits", 90),
			buffer("2026-02-09"),
			buffer("2026-02-10"),
		},
		Start:    date("2026-02-08"),
		DailyCap: 240,
	}
}

func TestValidatePassingPlan(t *testing.T) {
	res := Validate(baseInput())
	if !res.Report.OK() {
		t.Fatalf("Expected all checks to pass, got %+v reasons %v", res.Report, res.Reasons)
	}
	if res.Failure() != nil {
		t.Error("Expected no failure for a passing plan")
	}
	if res.Report.TotalEstimatedMinutes != 150 || res.Report.TotalPlannedMinutes != 150 {
		t.Errorf("Unexpected totals: %+v", res.Report)
	}
	if res.Report.TotalAvailableMinutes != 720 {
		t.Errorf("Expected 720 available minutes, got %d", res.Report.TotalAvailableMinutes)
	}
}

func TestValidateTopicMatchIgnoresCase(t *testing.T) {
	in := baseInput()
	in.Rows[1].Topic = "  limits "
	if res := Validate(in); !res.Report.CoverageOK {
		t.Error("Expected case-insensitive topic match")
	}
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Input)
		check  func(domain.ValidationReport) bool
		reason string
	}{
		{
			name:   "missing date",
			mutate: func(in *Input) { in.Rows = in.Rows[:3] },
			check:  func(r domain.ValidationReport) bool { return !r.DateRangeOK },
			reason: ReasonDateRange,
		},
		{
			name:   "extra date",
			mutate: func(in *Input) { in.Rows = append(in.Rows, buffer("2026-02-11")) },
			check:  func(r domain.ValidationReport) bool { return !r.DateRangeOK },
			reason: ReasonDateRange,
		},
		{
			name:   "overloaded day",
			mutate: func(in *Input) { in.DailyCap = 120 },
			check:  func(r domain.ValidationReport) bool { return !r.LoadBalanceOK },
			reason: ReasonLoadBalance,
		},
		{
			name:   "after midterm",
			mutate: func(in *Input) { in.Rows[0].Date = date("2026-02-10") },
			check:  func(r domain.ValidationReport) bool { return !r.DeadlineOK },
			reason: ReasonDeadline,
		},
		{
			name:   "uncovered topic",
			mutate: func(in *Input) { in.Rows[1] = buffer("2026-02-08") },
			check:  func(r domain.ValidationReport) bool { return !r.CoverageOK && !r.CapacityShortfall },
			reason: ReasonCoverage,
		},
		{
			name: "coverage impossible",
			mutate: func(in *Input) {
				in.Estimates[0].EstimatedMinutes = 900
				in.Rows[1] = buffer("2026-02-08")
			},
			check:  func(r domain.ValidationReport) bool { return !r.CoverageOK && r.CapacityShortfallMinutes == 240 },
			reason: ReasonCoverageImpossible,
		},
		{
			name: "unmapped topic",
			mutate: func(in *Input) {
				in.Estimates = append(in.Estimates, domain.TopicEstimate{CourseID: "shared", Topic: "Integration By Parts", EstimatedMinutes: 120})
			},
			check: func(r domain.ValidationReport) bool {
				return !r.CoverageOK && r.UnmappedMinutes == 120 && r.TotalEstimatedMinutes == 270 && !r.CapacityShortfall
			},
			reason: ReasonUnmapped,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := baseInput()
			tt.mutate(&in)
			res := Validate(in)
			if !tt.check(res.Report) {
				t.Errorf("Unexpected report: %+v", res.Report)
			}
			if !slices.Contains(res.Reasons, tt.reason) {
				t.Errorf("Expected reason %q, got %v", tt.reason, res.Reasons)
			}
			if f := res.Failure(); f == nil || len(f.Reasons) != len(res.Reasons) {
				t.Errorf("Expected failure carrying reasons, got %v", f)
			}
		})
	}
}

func TestCapacityLimitedOnly(t *testing.T) {
	in := baseInput()
	in.Estimates[0].EstimatedMinutes = 900
	in.Rows[1] = buffer("2026-02-08")
	if !Validate(in).CapacityLimitedOnly() {
		t.Error("Expected capacity-limited classification")
	}

	in.Rows = in.Rows[:3]
	if Validate(in).CapacityLimitedOnly() {
		t.Error("Expected date range failure to break capacity-limited classification")
	}
}

func TestValidateUnmappedOnlyLeavesNothingUncovered(t *testing.T) {
	in := baseInput()
	in.Estimates = append(in.Estimates, domain.TopicEstimate{CourseID: "shared", Topic: "Integration By Parts", EstimatedMinutes: 120})
	res := Validate(in)
	if res.Uncovered != 0 {
		t.Errorf("Expected no uncovered mapped topics, got %d", res.Uncovered)
	}
	if slices.Contains(res.Reasons, ReasonCoverage) {
		t.Errorf("Expected only the unmapped reason, got %v", res.Reasons)
	}
	if res.CapacityLimitedOnly() {
		t.Error("Expected unmapped topics to break capacity-limited classification")
	}
}
