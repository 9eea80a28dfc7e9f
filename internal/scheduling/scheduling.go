// Package scheduling allocates estimated study minutes into calendar days
// between a start date and the latest midterm. It is a pure computation:
// identical inputs produce identical rows in identical order.
package scheduling

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"github.com/ashureev/midterm-planner/internal/domain"
)

var (
	// ErrNoCourses is returned when no course declares a midterm date.
	ErrNoCourses = errors.New("no courses with midterm dates")
	// ErrEmptyWindow is returned when the last midterm precedes the start date.
	ErrEmptyWindow = errors.New("last midterm precedes start date")
	// ErrNoTasks is returned when no estimate maps to a course with a
	// midterm date.
	ErrNoTasks = errors.New("no schedulable topic estimates")
)

const defaultTopic = "General Review"

// Params are the tunable limits of one scheduling run.
type Params struct {
	DailyCap int
	MinBlock int
	MaxBlock int
	// RestDay is a weekday name; empty disables the rest day.
	RestDay string
	// RestFraction scales the cap on the rest day.
	RestFraction float64
}

// Input is everything one run needs.
type Input struct {
	Courses   []domain.Course
	Estimates []domain.TopicEstimate
	Start     civil.Date
	Params
}

// Remainder is the part of a topic that did not fit before its midterm.
// Unmapped remainders belong to no course with a midterm and carry no date.
type Remainder struct {
	CourseID string     `json:"course_id"`
	Topic    string     `json:"topic"`
	Minutes  int        `json:"minutes"`
	Midterm  civil.Date `json:"midterm_date,omitzero"`
	Unmapped bool       `json:"unmapped,omitempty"`
}

// Output is the produced plan.
type Output struct {
	Start       civil.Date
	End         civil.Date
	Dates       []civil.Date
	Rows        []domain.PlanRow
	Warnings    []string
	Unscheduled []Remainder
}

// UnscheduledMinutes sums the remainders.
func (o Output) UnscheduledMinutes() int {
	total := 0
	for _, r := range o.Unscheduled {
		total += r.Minutes
	}
	return total
}

type task struct {
	courseID   string
	courseName string
	midterm    civil.Date
	topic      string
	minutes    int
	remaining  int
	priority   domain.Priority
	sources    []string
}

// ParseWeekday parses an English weekday name, case-insensitively.
func ParseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.ToLower(d.String()) == s {
			return d, true
		}
	}
	return 0, false
}

// Schedule builds the plan for in.
func Schedule(in Input) (Output, error) {
	tasks, orphans, end, err := buildTasks(in)
	if err != nil {
		return Output{}, err
	}
	if end.Before(in.Start) {
		return Output{}, fmt.Errorf("%w: start %s, last midterm %s", ErrEmptyWindow, in.Start, end)
	}

	in.MinBlock = max(1, in.MinBlock)
	in.MaxBlock = max(in.MinBlock, in.MaxBlock)
	restDay, hasRest := ParseWeekday(in.RestDay)
	out := Output{Start: in.Start, End: end, Dates: domain.DateRange(in.Start, end)}

	for _, day := range out.Dates {
		capacity := max(0, in.DailyCap)
		if hasRest && day.In(time.UTC).Weekday() == restDay {
			capacity = int(float64(capacity) * in.RestFraction)
		}
		wrote := false
		for capacity >= in.MinBlock {
			t := nextTask(tasks, day)
			if t == nil {
				break
			}
			block := min(in.MaxBlock, t.remaining, capacity)
			if block < in.MinBlock && t.remaining >= in.MinBlock {
				break
			}
			t.remaining -= block
			capacity -= block
			wrote = true
			out.Rows = append(out.Rows, domain.PlanRow{
				Date:             day,
				CourseID:         t.courseID,
				Course:           t.courseName,
				Topic:            t.topic,
				TaskDescription:  fmt.Sprintf("Study and practice %s.", t.topic),
				EstimatedMinutes: block,
				Priority:         t.priority,
				SourceFiles:      slices.Clone(t.sources),
				Status:           domain.RowPlanned,
			})
		}
		if !wrote {
			out.Rows = append(out.Rows, bufferRow(day))
		}
	}

	for _, t := range tasks {
		if t.remaining <= 0 {
			continue
		}
		out.Unscheduled = append(out.Unscheduled, Remainder{
			CourseID: t.courseID,
			Topic:    t.topic,
			Minutes:  t.remaining,
			Midterm:  t.midterm,
		})
		out.Warnings = append(out.Warnings, fmt.Sprintf(
			"%s:%s has %d unscheduled minutes before its midterm on %s.",
			t.courseID, t.topic, t.remaining, t.midterm))
	}
	for _, o := range orphans {
		out.Unscheduled = append(out.Unscheduled, o)
		out.Warnings = append(out.Warnings, fmt.Sprintf(
			"%s:%s has %d minutes but no registered course with a midterm date; it was not scheduled.",
			o.CourseID, o.Topic, o.Minutes))
	}
	if n := len(out.Unscheduled); n > 0 {
		out.Warnings = append(out.Warnings, fmt.Sprintf(
			"%d topics could not be fully scheduled (%d minutes unscheduled).",
			n, out.UnscheduledMinutes()))
	}
	return out, nil
}

func bufferRow(day civil.Date) domain.PlanRow {
	return domain.PlanRow{
		Date:            day,
		Course:          domain.BufferCourse,
		Topic:           domain.BufferTopic,
		TaskDescription: domain.BufferTask,
		Priority:        domain.PriorityLow,
		SourceFiles:     []string{},
		Status:          domain.RowPlanned,
	}
}

// nextTask returns the first task in scheduling order that still has
// minutes and whose midterm has not passed.
func nextTask(tasks []*task, day civil.Date) *task {
	for _, t := range tasks {
		if t.remaining > 0 && !day.After(t.midterm) {
			return t
		}
	}
	return nil
}

// buildTasks maps estimates onto their courses and sorts them by deadline,
// priority, then size, with course id and topic breaking ties. Estimates for
// unknown courses come back as unmapped remainders in input order.
func buildTasks(in Input) ([]*task, []Remainder, civil.Date, error) {
	courses := make(map[string]domain.Course, len(in.Courses))
	var end civil.Date
	for _, c := range in.Courses {
		if c.ID == "" || !c.HasMidterm() {
			continue
		}
		courses[c.ID] = c
		if len(courses) == 1 || c.MidtermDate.After(end) {
			end = c.MidtermDate
		}
	}
	if len(courses) == 0 {
		return nil, nil, civil.Date{}, ErrNoCourses
	}

	var tasks []*task
	var orphans []Remainder
	for _, e := range in.Estimates {
		if e.EstimatedMinutes <= 0 {
			continue
		}
		topic := strings.TrimSpace(e.Topic)
		if topic == "" {
			topic = defaultTopic
		}
		courseID := strings.TrimSpace(e.CourseID)
		c, ok := courses[courseID]
		if !ok {
			orphans = append(orphans, Remainder{CourseID: courseID, Topic: topic, Minutes: e.EstimatedMinutes, Unmapped: true})
			continue
		}
		name := c.Name
		if name == "" {
			name = c.ID
		}
		sources := slices.Clone(e.SourceFiles)
		if sources == nil {
			sources = []string{}
		}
		tasks = append(tasks, &task{
			courseID:   c.ID,
			courseName: name,
			midterm:    c.MidtermDate,
			topic:      topic,
			minutes:    e.EstimatedMinutes,
			remaining:  e.EstimatedMinutes,
			priority:   domain.ParsePriority(string(e.Priority)),
			sources:    sources,
		})
	}
	if len(tasks) == 0 {
		return nil, nil, civil.Date{}, ErrNoTasks
	}

	slices.SortStableFunc(tasks, func(a, b *task) int {
		if c := cmp.Compare(a.midterm.DaysSince(b.midterm), 0); c != 0 {
			return c
		}
		if c := cmp.Compare(a.priority.Rank(), b.priority.Rank()); c != 0 {
			return c
		}
		if c := cmp.Compare(b.minutes, a.minutes); c != 0 {
			return c
		}
		if c := cmp.Compare(a.courseID, b.courseID); c != 0 {
			return c
		}
		return cmp.Compare(a.topic, b.topic)
	})
	return tasks, orphans, end, nil
}
