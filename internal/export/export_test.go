package export

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cloud.google.com/go/civil"

	"github.com/ashureev/midterm-planner/internal/domain"
	"github.com/ashureev/midterm-planner/internal/lifecycle"
	"github.com/ashureev/midterm-planner/internal/store"
	"github.com/ashureev/midterm-planner/internal/trace"
)

func date(s string) civil.Date {
	d, err := civil.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

var (
	courses = []domain.Course{
		{ID: "phys", Name: "Physics", MidtermDate: date("2026-02-10")},
		{ID: "calc", Name: "Calculus", MidtermDate: date("2026-02-09")},
	}
	estimates = []domain.TopicEstimate{
		{CourseID: "calc", Topic: "Limits", EstimatedMinutes: 60},
		{CourseID: "phys", Topic: "Optics", EstimatedMinutes: 120},
	}
	planRows = []domain.PlanRow{
		{Date: date("2026-02-09"), CourseID: "phys", Course: "Physics", Topic: "Optics", TaskDescription: "Study and practice Optics.", EstimatedMinutes: 60, Priority: domain.PriorityHigh, SourceFiles: []string{"f1", "f2"}, Status: domain.RowPlanned},
		{Date: date("2026-02-08"), CourseID: "phys", Course: "Physics", Topic: "Optics", TaskDescription: "Study and practice Optics.", EstimatedMinutes: 30, Priority: domain.PriorityHigh, SourceFiles: []string{"f2"}, Status: domain.RowPlanned},
		{Date: date("2026-02-08"), CourseID: "calc", Course: "Calculus", Topic: "Limits", TaskDescription: "Study and practice Limits.", EstimatedMinutes: 60, Priority: "", SourceFiles: nil},
		{Date: date("2026-02-10"), Course: domain.BufferCourse, Topic: domain.BufferTopic, TaskDescription: domain.BufferTask, Priority: domain.PriorityLow, Status: domain.RowPlanned},
	}
)

func TestNormalizeRows(t *testing.T) {
	rows := NormalizeRows(planRows)
	order := []string{"2026-02-08 Calculus", "2026-02-08 Physics", "2026-02-09 Physics", "2026-02-10 General"}
	for i, want := range order {
		if got := rows[i].Date + " " + rows[i].Course; got != want {
			t.Errorf("Row %d: expected %s, got %s", i, want, got)
		}
	}
	if rows[0].Priority != "medium" || rows[0].Status != "planned" {
		t.Errorf("Expected defaults for empty priority and status, got %+v", rows[0])
	}
	if rows[2].SourceFiles != "f1;f2" {
		t.Errorf("Expected joined source files, got %q", rows[2].SourceFiles)
	}
}

func TestRenderCSV(t *testing.T) {
	data, err := RenderCSV(NormalizeRows(planRows))
	if err != nil {
		t.Fatalf("RenderCSV failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 5 {
		t.Fatalf("Expected header plus 4 rows, got %d lines", len(lines))
	}
	if lines[0] != "date,course,topic,task_description,estimated_minutes,priority,source_files,status" {
		t.Errorf("Unexpected header %q", lines[0])
	}
	if lines[1] != "2026-02-08,Calculus,Limits,Study and practice Limits.,60,medium,,planned" {
		t.Errorf("Unexpected first row %q", lines[1])
	}
	if lines[4] != "2026-02-10,General,Buffer/Review,\"Buffer day for review, catch-up, or rest.\",0,low,,planned" {
		t.Errorf("Unexpected buffer row %q", lines[4])
	}
}

func TestRenderMarkdown(t *testing.T) {
	rows := NormalizeRows(planRows)
	rows[0].Topic = "Limits | Continuity"
	md := string(RenderMarkdown(Document{
		Courses:   courses,
		Estimates: estimates,
		Rows:      rows,
		Warnings:  []string{"calc:Series has 30 unscheduled minutes before its midterm on 2026-02-09."},
		Review:    &domain.ReviewVerdict{ResultType: domain.ResultApproved, EffectiveCap: 240},
	}))

	sections := []string{"# Exam Study Plan", "## Student Inputs", "## Planning Assumptions", "## Day-by-Day Plan", "## Coverage Check by Course"}
	last := -1
	for _, s := range sections {
		idx := strings.Index(md, s)
		if idx <= last {
			t.Fatalf("Section %q out of order or missing", s)
		}
		last = idx
	}
	for _, want := range []string{
		"- Courses: Physics, Calculus",
		"- Midterms: Physics 2026-02-10, Calculus 2026-02-09",
		"- Review verdict: approved_plan at 240 minutes per day.",
		"- Warning: calc:Series has 30 unscheduled minutes",
		`| 2026-02-08 | Calculus | Limits \| Continuity | Study and practice Limits. | 60 |`,
		"- Calculus: 100% of estimated minutes scheduled (60 of 60).",
		"- Physics: 75% of estimated minutes scheduled (90 of 120).",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("Expected markdown to contain %q", want)
		}
	}
	if strings.Index(md, "- Calculus:") > strings.Index(md, "- Physics:") {
		t.Error("Expected coverage lines sorted by course name")
	}
}

func TestRenderMarkdownCoverageByCourseID(t *testing.T) {
	md := string(RenderMarkdown(Document{
		Courses: []domain.Course{
			{ID: "calculus_2", Name: "Calculus", MidtermDate: date("2026-02-12")},
			{ID: "calculus", Name: "Calculus", MidtermDate: date("2026-02-09")},
			{ID: "phys", Name: "Physics", MidtermDate: date("2026-02-10")},
		},
		Estimates: []domain.TopicEstimate{
			{CourseID: "calculus", Topic: "Limits", EstimatedMinutes: 60},
			{CourseID: "calculus_2", Topic: "Series", EstimatedMinutes: 200},
			{CourseID: "phys", Topic: "Optics", EstimatedMinutes: 40},
		},
		Rows: NormalizeRows([]domain.PlanRow{
			{Date: date("2026-02-08"), CourseID: "calculus", Course: "Calculus", Topic: "Limits", EstimatedMinutes: 60},
			{Date: date("2026-02-08"), CourseID: "calculus_2", Course: "Calculus", Topic: "Series", EstimatedMinutes: 50},
			{Date: date("2026-02-09"), CourseID: "phys", Course: "Physics", Topic: "Optics", EstimatedMinutes: 40},
			{Date: date("2026-02-10"), Course: domain.BufferCourse, Topic: domain.BufferTopic, TaskDescription: domain.BufferTask},
		}),
	}))

	want := []string{
		"- Calculus (calculus): 100% of estimated minutes scheduled (60 of 60).",
		"- Calculus (calculus_2): 25% of estimated minutes scheduled (50 of 200).",
		"- Physics: 100% of estimated minutes scheduled (40 of 40).",
	}
	last := -1
	for _, line := range want {
		idx := strings.Index(md, line)
		if idx <= last {
			t.Fatalf("Expected %q after the previous coverage line, got index %d", line, idx)
		}
		last = idx
	}
	if strings.Contains(md, "(110 of 260)") {
		t.Error("Expected courses sharing a name to be reported separately")
	}
	if strings.Contains(md, "- General") {
		t.Error("Expected no coverage line for buffer rows")
	}
}

func TestDirSink(t *testing.T) {
	sink := DirSink{Root: t.TempDir()}
	ctx := context.Background()

	if ok, err := sink.Exists(ctx, "a/b.txt"); err != nil || ok {
		t.Fatalf("Expected missing artifact, got %v %v", ok, err)
	}
	loc, err := sink.Put(ctx, "a/b.txt", "text/plain", []byte("hello"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if loc != filepath.Join(sink.Root, "a", "b.txt") {
		t.Errorf("Unexpected location %s", loc)
	}
	if ok, _ := sink.Exists(ctx, "a/b.txt"); !ok {
		t.Error("Expected artifact to exist")
	}

	escaped, err := sink.Put(ctx, "../../escape.txt", "text/plain", []byte("x"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !strings.HasPrefix(escaped, sink.Root) {
		t.Errorf("Expected key to stay below root, got %s", escaped)
	}
}

func newExporter(t *testing.T, status domain.Status) (*Service, *store.SQLiteStore, string) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "planner.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	ctx := context.Background()
	if err := repo.Create(ctx, &domain.Session{ID: "s1", Status: status}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	mustUpdate := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	_, err = store.Update(ctx, repo, "s1", store.OwnerCoordinator, store.SectionInputs, "", func(in *domain.Inputs) error {
		in.Courses = courses
		return nil
	})
	mustUpdate(err)
	_, err = store.Update(ctx, repo, "s1", store.OwnerEstimation, store.SectionEstimation, "", func(st *domain.EstimationState) error {
		st.Estimates = estimates
		return nil
	})
	mustUpdate(err)
	_, err = store.Update(ctx, repo, "s1", store.OwnerPlanner, store.SectionPlanning, "", func(st *domain.PlanningState) error {
		st.Version = 1
		st.StartDate = date("2026-02-08")
		st.EndDate = date("2026-02-10")
		st.Rows = planRows
		st.Review = &domain.ReviewVerdict{ResultType: domain.ResultApproved, EffectiveCap: 240}
		return nil
	})
	mustUpdate(err)

	root := t.TempDir()
	tr := trace.New(repo, nil)
	machine := lifecycle.New(repo, tr, nil)
	return NewService(repo, machine, tr, DirSink{Root: root}), repo, root
}

func TestExportWritesArtifacts(t *testing.T) {
	svc, repo, root := newExporter(t, domain.StatusCompleted)
	ctx := context.Background()

	res := svc.Export(ctx, "s1", true)
	if res.Status != domain.StageComplete {
		t.Fatalf("Expected complete export, got %+v", res)
	}
	if res.RowCount != 4 {
		t.Errorf("Expected 4 rows, got %d", res.RowCount)
	}
	wantCSV := filepath.Join(root, "sessions", "s1", "outputs", CSVName)
	if res.CSVPath != wantCSV {
		t.Errorf("Expected csv at %s, got %s", wantCSV, res.CSVPath)
	}
	if _, err := os.Stat(res.MarkdownPath); err != nil {
		t.Errorf("Expected markdown file: %v", err)
	}

	s, err := repo.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Artifacts.CSVPath != res.CSVPath || s.Artifacts.ExportedAt.IsZero() {
		t.Errorf("Expected artifacts recorded, got %+v", s.Artifacts)
	}

	st, err := svc.Artifacts(ctx, "s1")
	if err != nil {
		t.Fatalf("Artifacts: %v", err)
	}
	if !st.CSVExists || !st.MarkdownExists {
		t.Errorf("Expected both artifacts to exist, got %+v", st)
	}

	again := svc.Export(ctx, "s1", false)
	if again.Status != domain.StageFailed || !strings.Contains(again.Error, GuardArtifactsAbsent) {
		t.Errorf("Expected overwrite refusal, got %+v", again)
	}
	if res := svc.Export(ctx, "s1", true); res.Status != domain.StageComplete {
		t.Errorf("Expected overwrite to succeed, got %+v", res)
	}
}

func TestExportRequiresCompletedSession(t *testing.T) {
	svc, _, _ := newExporter(t, domain.StatusReviewing)
	res := svc.Export(context.Background(), "s1", true)
	if res.Status != domain.StageFailed || res.Retryable {
		t.Errorf("Expected non-retryable failure, got %+v", res)
	}

	st, err := svc.Artifacts(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Artifacts: %v", err)
	}
	if st.CSVPath != "" || st.CSVExists {
		t.Errorf("Expected no artifacts, got %+v", st)
	}
}
