// Package coordinator creates sessions and collects the student's course
// inputs.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"github.com/ashureev/midterm-planner/internal/domain"
	"github.com/ashureev/midterm-planner/internal/lifecycle"
	"github.com/ashureev/midterm-planner/internal/store"
	"github.com/ashureev/midterm-planner/internal/trace"
)

var slugPattern = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// CourseInput is one course as submitted by the student.
type CourseInput struct {
	ID          string     `json:"course_id"`
	Name        string     `json:"course_name"`
	MidtermDate civil.Date `json:"midterm_date,omitzero"`
}

// Coordinator owns the session inputs.
type Coordinator struct {
	repo    store.Repository
	machine *lifecycle.Machine
	trace   *trace.Trace
	newID   func() string
}

// New creates a coordinator.
func New(repo store.Repository, machine *lifecycle.Machine, tr *trace.Trace) *Coordinator {
	return &Coordinator{
		repo:    repo,
		machine: machine,
		trace:   tr,
		newID:   func() string { return uuid.New().String() },
	}
}

// CreateSession starts a new session in status created.
func (c *Coordinator) CreateSession(ctx context.Context) (*domain.Session, error) {
	s := &domain.Session{ID: c.newID(), Status: domain.StatusCreated}
	if err := c.repo.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	slog.Info("Session created", "session_id", s.ID)
	c.record(ctx, s.ID, domain.EventInvoke, "Session created.")
	return c.repo.Load(ctx, s.ID)
}

// Slug lowercases s and collapses every run of non-alphanumerics into one
// underscore.
func Slug(s string) string {
	return strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(s), "_"), "_")
}

// NormalizeCourses validates inputs and assigns ids. Courses without an id
// get course_NNN by position. Midterm dates may be missing but never before
// today.
func NormalizeCourses(inputs []CourseInput, today civil.Date) ([]domain.Course, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: at least one course is required", domain.ErrInvalidInput)
	}
	seen := make(map[string]bool, len(inputs))
	out := make([]domain.Course, 0, len(inputs))
	for i, in := range inputs {
		name := strings.TrimSpace(in.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: course name is required", domain.ErrInvalidInput)
		}
		id := Slug(strings.TrimSpace(in.ID))
		if id == "" {
			id = fmt.Sprintf("course_%03d", i+1)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate course_id %s", domain.ErrInvalidInput, id)
		}
		seen[id] = true
		if !in.MidtermDate.IsZero() && in.MidtermDate.Before(today) {
			return nil, fmt.Errorf("%w: midterm date must be today or later, got %s for %s (today %s)",
				domain.ErrInvalidInput, in.MidtermDate, id, today)
		}
		out = append(out, domain.Course{ID: id, Name: name, MidtermDate: in.MidtermDate})
	}
	return out, nil
}

// RegisterCourses replaces the session's courses and moves a new session
// into input collection. Courses are frozen once ingestion starts.
func (c *Coordinator) RegisterCourses(ctx context.Context, sessionID string, inputs []CourseInput) ([]domain.Course, error) {
	status, err := c.repo.Status(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if status != domain.StatusCreated && status != domain.StatusCollectingInputs {
		return nil, domain.Precondition(lifecycle.GuardEdge, "courses cannot change in status %s", status)
	}

	today := c.machine.Today()
	courses, err := NormalizeCourses(inputs, today)
	if err != nil {
		return nil, err
	}
	_, err = store.Update(ctx, c.repo, sessionID, store.OwnerCoordinator, store.SectionInputs, "", func(in *domain.Inputs) error {
		in.CollectedOn = today
		in.Courses = courses
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("commit courses: %w", err)
	}

	if status == domain.StatusCreated {
		if _, err := c.machine.Transition(ctx, sessionID, domain.StatusCollectingInputs); err != nil && !errors.Is(err, domain.ErrStatusConflict) {
			return nil, err
		}
	}
	slog.Info("Courses registered", "session_id", sessionID, "count", len(courses))
	c.record(ctx, sessionID, domain.EventHandoff, fmt.Sprintf("Registered %d courses.", len(courses)))
	return courses, nil
}

func (c *Coordinator) record(ctx context.Context, sessionID string, typ domain.EventType, summary string, refs ...string) {
	if c.trace == nil {
		return
	}
	if _, err := c.trace.Record(ctx, sessionID, domain.AgentCoordinator, typ, summary, refs...); err != nil {
		slog.Warn("Failed to record coordinator event", "session_id", sessionID, "error", err)
	}
}
