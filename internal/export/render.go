// Package export renders a completed plan as CSV and Markdown and stores
// both through a Sink.
package export

import (
	"bytes"
	"cmp"
	"encoding/csv"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/ashureev/midterm-planner/internal/domain"
)

// Columns is the fixed CSV header.
var Columns = []string{
	"date",
	"course",
	"topic",
	"task_description",
	"estimated_minutes",
	"priority",
	"source_files",
	"status",
}

// Row is the flattened form of a plan row shared by both renderings.
type Row struct {
	Date             string
	CourseID         string
	Course           string
	Topic            string
	TaskDescription  string
	EstimatedMinutes int
	Priority         string
	SourceFiles      string
	Status           string
}

func (r Row) record() []string {
	return []string{
		r.Date,
		r.Course,
		r.Topic,
		r.TaskDescription,
		strconv.Itoa(r.EstimatedMinutes),
		r.Priority,
		r.SourceFiles,
		r.Status,
	}
}

// NormalizeRows flattens rows and sorts them by date, course, topic and
// task description.
func NormalizeRows(rows []domain.PlanRow) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		priority := strings.ToLower(strings.TrimSpace(string(r.Priority)))
		if priority == "" {
			priority = string(domain.PriorityMedium)
		}
		status := strings.TrimSpace(string(r.Status))
		if status == "" {
			status = string(domain.RowPlanned)
		}
		out = append(out, Row{
			Date:             r.Date.String(),
			CourseID:         r.CourseID,
			Course:           strings.TrimSpace(r.Course),
			Topic:            strings.TrimSpace(r.Topic),
			TaskDescription:  strings.TrimSpace(r.TaskDescription),
			EstimatedMinutes: r.EstimatedMinutes,
			Priority:         priority,
			SourceFiles:      strings.Join(r.SourceFiles, ";"),
			Status:           status,
		})
	}
	slices.SortStableFunc(out, func(a, b Row) int {
		return cmp.Or(
			cmp.Compare(a.Date, b.Date),
			cmp.Compare(a.Course, b.Course),
			cmp.Compare(a.CourseID, b.CourseID),
			cmp.Compare(a.Topic, b.Topic),
			cmp.Compare(a.TaskDescription, b.TaskDescription),
		)
	})
	return out
}

// RenderCSV writes the header and rows.
func RenderCSV(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Columns); err != nil {
		return nil, err
	}
	for _, r := range rows {
		if err := w.Write(r.record()); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}

// Document is everything the Markdown rendering shows.
type Document struct {
	Courses   []domain.Course
	Estimates []domain.TopicEstimate
	Rows      []Row
	Warnings  []string
	Review    *domain.ReviewVerdict
}

// RenderMarkdown writes the sections in fixed order: title, student
// inputs, planning assumptions, day-by-day plan, coverage by course.
func RenderMarkdown(doc Document) []byte {
	var b strings.Builder
	b.WriteString("# Exam Study Plan\n\n")

	b.WriteString("## Student Inputs\n")
	if len(doc.Courses) == 0 {
		b.WriteString("- Courses: (none)\n")
	} else {
		var names, midterms []string
		for _, c := range doc.Courses {
			names = append(names, c.Name)
			if c.HasMidterm() {
				midterms = append(midterms, fmt.Sprintf("%s %s", c.Name, c.MidtermDate))
			}
		}
		fmt.Fprintf(&b, "- Courses: %s\n", strings.Join(names, ", "))
		fmt.Fprintf(&b, "- Midterms: %s\n", strings.Join(midterms, ", "))
	}
	b.WriteString("\n")

	b.WriteString("## Planning Assumptions\n")
	b.WriteString("- Study window starts at the session date and ends at the last midterm date.\n")
	b.WriteString("- Topic effort is based on estimation output and split into daily blocks.\n")
	if r := doc.Review; r != nil {
		fmt.Fprintf(&b, "- Review verdict: %s at %d minutes per day.\n", r.ResultType, r.EffectiveCap)
	}
	for _, w := range doc.Warnings {
		fmt.Fprintf(&b, "- Warning: %s\n", w)
	}
	b.WriteString("\n")

	b.WriteString("## Day-by-Day Plan\n")
	b.WriteString("| Date | Course | Topic | Task | Minutes |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, r := range doc.Rows {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %d |\n",
			r.Date, cell(r.Course), cell(r.Topic), cell(r.TaskDescription), r.EstimatedMinutes)
	}
	b.WriteString("\n")

	b.WriteString("## Coverage Check by Course\n")
	for _, line := range coverageLines(doc.Courses, doc.Estimates, doc.Rows) {
		b.WriteString(line)
		b.WriteString("\n")
	}
	return []byte(b.String())
}

func cell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

// coverageLines reports planned against estimated minutes per course,
// ordered by course name. Courses are matched by id; a name shared by
// several courses is followed by the id. A course with no estimates counts
// as fully covered.
func coverageLines(courses []domain.Course, estimates []domain.TopicEstimate, rows []Row) []string {
	known := make(map[string]bool, len(courses))
	names := map[string]int{}
	list := make([]domain.Course, 0, len(courses))
	for _, c := range courses {
		if c.ID == "" || known[c.ID] {
			continue
		}
		known[c.ID] = true
		if c.Name == "" {
			c.Name = c.ID
		}
		names[c.Name]++
		list = append(list, c)
	}
	estimated := map[string]int{}
	for _, e := range estimates {
		if known[e.CourseID] && e.EstimatedMinutes > 0 {
			estimated[e.CourseID] += e.EstimatedMinutes
		}
	}
	planned := map[string]int{}
	for _, r := range rows {
		if known[r.CourseID] {
			planned[r.CourseID] += r.EstimatedMinutes
		}
	}
	slices.SortStableFunc(list, func(a, b domain.Course) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})

	lines := make([]string, 0, len(list))
	for _, c := range list {
		label := c.Name
		if names[c.Name] > 1 {
			label = fmt.Sprintf("%s (%s)", c.Name, c.ID)
		}
		est, plan := estimated[c.ID], planned[c.ID]
		percent := 100
		if est > 0 {
			percent = min(100, plan*100/est)
		}
		lines = append(lines, fmt.Sprintf("- %s: %d%% of estimated minutes scheduled (%d of %d).", label, percent, min(plan, est), est))
	}
	return lines
}
