// Package store provides the session state store: authoritative snapshots,
// section-scoped commits and the append-only trace and checkpoint logs.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/midterm-planner/internal/domain"
)

// Section names one sub-record family of a session.
type Section string

const (
	SectionInputs     Section = "inputs"
	SectionFiles      Section = "files"
	SectionProgress   Section = "progress"
	SectionEvidence   Section = "evidence"
	SectionEstimation Section = "estimation"
	SectionPlanning   Section = "planning"
	SectionArtifacts  Section = "artifacts"
)

// Owner is the component allowed to write a section.
type Owner string

const (
	OwnerCoordinator Owner = "coordinator"
	OwnerIngestion   Owner = "ingestion"
	OwnerEstimation  Owner = "estimation"
	OwnerPlanner     Owner = "planner"
	OwnerExporter    Owner = "exporter"
	OwnerLifecycle   Owner = "lifecycle"
)

var sectionOwners = map[Section]Owner{
	SectionInputs:     OwnerCoordinator,
	SectionFiles:      OwnerIngestion,
	SectionProgress:   OwnerIngestion,
	SectionEvidence:   OwnerIngestion,
	SectionEstimation: OwnerEstimation,
	SectionPlanning:   OwnerPlanner,
	SectionArtifacts:  OwnerExporter,
}

// OwnerOf returns the component that owns section.
func OwnerOf(section Section) (Owner, bool) {
	o, ok := sectionOwners[section]
	return o, ok
}

// ErrNoChange may be returned by Mutation.Apply to leave the sub-record and
// the session version untouched.
var ErrNoChange = errors.New("store: no change")

// Mutation is a read-modify-write of exactly one sub-record. Key selects an
// entry of keyed sections (files, progress) and is empty otherwise.
type Mutation struct {
	Owner   Owner
	Section Section
	Key     string
	// Apply receives the current payload (nil when absent) and returns the
	// replacement.
	Apply func(current []byte) ([]byte, error)
}

// Checkpoint is one recorded commit.
type Checkpoint struct {
	Seq       int64           `json:"seq"`
	SessionID string          `json:"session_id"`
	Owner     Owner           `json:"owner"`
	Section   string          `json:"section"`
	Key       string          `json:"key,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Repository defines the persistence contract for sessions.
type Repository interface {
	// Create inserts a new session.
	Create(ctx context.Context, session *domain.Session) error

	// Load returns a deep snapshot of the session or domain.ErrNotFound.
	Load(ctx context.Context, sessionID string) (*domain.Session, error)

	// Commit atomically applies m and returns the new session version.
	// Commits to the same sub-record serialize; others proceed independently.
	Commit(ctx context.Context, sessionID string, m Mutation) (int64, error)

	// Status returns the coarse status without decoding sub-records.
	Status(ctx context.Context, sessionID string) (domain.Status, error)

	// UpdateStatus sets the coarse status if it still equals expected.
	// It returns domain.ErrStatusConflict otherwise.
	UpdateStatus(ctx context.Context, sessionID string, expected, next domain.Status) error

	// PutFileContent stores the extracted text of an uploaded file.
	PutFileContent(ctx context.Context, sessionID, fileID, content string) error

	// FileContent returns stored text, or domain.ErrNotFound.
	FileContent(ctx context.Context, sessionID, fileID string) (string, error)

	// AppendEvent appends a trace event and returns it with its sequence number.
	AppendEvent(ctx context.Context, ev domain.Event) (domain.Event, error)

	// Events returns all trace events of a session in append order.
	Events(ctx context.Context, sessionID string) ([]domain.Event, error)

	// Checkpoints returns the most recent commits, newest first.
	Checkpoints(ctx context.Context, sessionID string, limit int) ([]Checkpoint, error)

	// ExpiredSessions returns ids of sessions not updated within ttl.
	ExpiredSessions(ctx context.Context, ttl time.Duration) ([]string, error)

	// Delete removes a session and everything recorded for it.
	Delete(ctx context.Context, sessionID string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// Update decodes the sub-record into T, lets fn modify it and commits the
// result. fn may return ErrNoChange.
func Update[T any](ctx context.Context, repo Repository, sessionID string, owner Owner, section Section, key string, fn func(*T) error) (int64, error) {
	return repo.Commit(ctx, sessionID, Mutation{
		Owner:   owner,
		Section: section,
		Key:     key,
		Apply: func(current []byte) ([]byte, error) {
			var v T
			if len(current) > 0 {
				if err := json.Unmarshal(current, &v); err != nil {
					return nil, domain.Corrupt("decode %s/%s: %v", section, key, err)
				}
			}
			if err := fn(&v); err != nil {
				return nil, err
			}
			out, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode %s/%s: %w", section, key, err)
			}
			return out, nil
		},
	})
}
