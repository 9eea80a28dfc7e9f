package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"cloud.google.com/go/civil"

	"github.com/ashureev/midterm-planner/internal/domain"
	"github.com/ashureev/midterm-planner/internal/lifecycle"
	"github.com/ashureev/midterm-planner/internal/store"
	"github.com/ashureev/midterm-planner/internal/trace"
)

var today = civil.Date{Year: 2026, Month: 2, Day: 8}

func newCoordinator(t *testing.T) (*Coordinator, *store.SQLiteStore) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "planner.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	tr := trace.New(repo, nil)
	machine := lifecycle.New(repo, tr, func() civil.Date { return today })
	return New(repo, machine, tr), repo
}

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Calculus II":   "calculus_ii",
		"  CS-101 ":     "cs_101",
		"course_calc2":  "course_calc2",
		"***":           "",
		"Data & Vision": "data_vision",
	}
	for in, want := range cases {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestNormalizeCourses(t *testing.T) {
	courses, err := NormalizeCourses([]CourseInput{
		{Name: "Calculus", MidtermDate: civil.Date{Year: 2026, Month: 2, Day: 21}},
		{ID: "Phys 1", Name: "Physics"},
	}, today)
	if err != nil {
		t.Fatalf("NormalizeCourses failed: %v", err)
	}
	if courses[0].ID != "course_001" {
		t.Errorf("Expected default id course_001, got %s", courses[0].ID)
	}
	if courses[1].ID != "phys_1" {
		t.Errorf("Expected slugged id phys_1, got %s", courses[1].ID)
	}
	if courses[1].HasMidterm() {
		t.Error("Expected missing midterm to be kept as missing")
	}
}

func TestNormalizeCoursesRejects(t *testing.T) {
	tests := []struct {
		name   string
		inputs []CourseInput
	}{
		{"empty list", nil},
		{"missing name", []CourseInput{{ID: "x"}}},
		{"duplicate id", []CourseInput{{ID: "math", Name: "A"}, {ID: "MATH", Name: "B"}}},
		{"past midterm", []CourseInput{{Name: "A", MidtermDate: civil.Date{Year: 2026, Month: 2, Day: 7}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NormalizeCourses(tt.inputs, today); !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("Expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestRegisterCoursesAdvancesSession(t *testing.T) {
	c, repo := newCoordinator(t)
	ctx := context.Background()

	sess, err := c.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if sess.ID == "" || sess.Status != domain.StatusCreated {
		t.Fatalf("Unexpected new session: %+v", sess)
	}

	courses, err := c.RegisterCourses(ctx, sess.ID, []CourseInput{
		{ID: "calc", Name: "Calculus", MidtermDate: civil.Date{Year: 2026, Month: 2, Day: 21}},
		{ID: "phys", Name: "Physics", MidtermDate: civil.Date{Year: 2026, Month: 2, Day: 24}},
	})
	if err != nil {
		t.Fatalf("RegisterCourses failed: %v", err)
	}
	if len(courses) != 2 {
		t.Fatalf("Expected 2 courses, got %d", len(courses))
	}

	loaded, err := repo.Load(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Status != domain.StatusCollectingInputs {
		t.Errorf("Expected collecting_inputs, got %s", loaded.Status)
	}
	if loaded.Inputs.CollectedOn != today {
		t.Errorf("Expected collection date %s, got %s", today, loaded.Inputs.CollectedOn)
	}
	last := loaded.Events[len(loaded.Events)-1]
	if last.Summary != "Registered 2 courses." || last.AgentName != domain.AgentCoordinator {
		t.Errorf("Unexpected last event: %+v", last)
	}

	if _, err := c.RegisterCourses(ctx, sess.ID, []CourseInput{{ID: "calc", Name: "Calculus II"}}); err != nil {
		t.Errorf("Expected re-registration during input collection to succeed, got %v", err)
	}
}

func TestRegisterCoursesFrozenAfterCollection(t *testing.T) {
	c, repo := newCoordinator(t)
	ctx := context.Background()
	if err := repo.Create(ctx, &domain.Session{ID: "s1", Status: domain.StatusIngesting}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	_, err := c.RegisterCourses(ctx, "s1", []CourseInput{{Name: "Calculus"}})
	var pe *domain.PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected precondition error, got %v", err)
	}
}

func TestRegisterCoursesUnknownSession(t *testing.T) {
	c, _ := newCoordinator(t)
	if _, err := c.RegisterCourses(context.Background(), "missing", []CourseInput{{Name: "A"}}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
