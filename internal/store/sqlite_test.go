package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"

	"github.com/ashureev/midterm-planner/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "planner.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createSession(t *testing.T, s *SQLiteStore, id string) {
	t.Helper()
	if err := s.Create(context.Background(), &domain.Session{ID: id}); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestLoadMissingSession(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load(context.Background(), "nope")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestCommitAndLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s1")

	midterm := civil.Date{Year: 2026, Month: 3, Day: 2}
	v, err := Update(ctx, s, "s1", OwnerCoordinator, SectionInputs, "", func(in *domain.Inputs) error {
		in.Courses = append(in.Courses, domain.Course{ID: "math", Name: "Math", MidtermDate: midterm})
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if v != 2 {
		t.Errorf("Expected version 2, got %d", v)
	}

	_, err = Update(ctx, s, "s1", OwnerIngestion, SectionFiles, "file_a", func(f *domain.UploadedFile) error {
		f.ID = "file_a"
		f.Filename = "notes.pdf"
		return nil
	})
	if err != nil {
		t.Fatalf("Update file: %v", err)
	}

	got, err := s.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Status != domain.StatusCreated {
		t.Errorf("Expected status created, got %s", got.Status)
	}
	if got.Version != 3 {
		t.Errorf("Expected version 3, got %d", got.Version)
	}
	if len(got.Inputs.Courses) != 1 || got.Inputs.Courses[0].MidtermDate != midterm {
		t.Errorf("Unexpected courses: %+v", got.Inputs.Courses)
	}
	if got.Files["file_a"].Filename != "notes.pdf" {
		t.Errorf("Expected file_a registered, got %+v", got.Files)
	}
}

func TestLoadReturnsIndependentSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s1")
	_, err := Update(ctx, s, "s1", OwnerCoordinator, SectionInputs, "", func(in *domain.Inputs) error {
		in.Courses = []domain.Course{{ID: "a", Name: "A"}}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	first, _ := s.Load(ctx, "s1")
	first.Inputs.Courses[0].Name = "mutated"

	second, _ := s.Load(ctx, "s1")
	if second.Inputs.Courses[0].Name != "A" {
		t.Errorf("Expected stored name A, got %s", second.Inputs.Courses[0].Name)
	}
}

func TestCommitRejectsForeignOwner(t *testing.T) {
	s := newTestStore(t)
	createSession(t, s, "s1")
	_, err := Update(context.Background(), s, "s1", OwnerPlanner, SectionEstimation, "", func(*domain.EstimationState) error {
		return nil
	})
	if !errors.Is(err, domain.ErrOwnership) {
		t.Fatalf("Expected ErrOwnership, got %v", err)
	}
}

func TestCommitNoChangeKeepsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s1")
	v, err := Update(ctx, s, "s1", OwnerEstimation, SectionEstimation, "", func(*domain.EstimationState) error {
		return ErrNoChange
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if v != 1 {
		t.Errorf("Expected version 1, got %d", v)
	}
	cps, _ := s.Checkpoints(ctx, "s1", 0)
	if len(cps) != 0 {
		t.Errorf("Expected no checkpoints, got %d", len(cps))
	}
}

func TestCommitCorruptPayload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s1")
	_, err := s.Commit(ctx, "s1", Mutation{
		Owner:   OwnerPlanner,
		Section: SectionPlanning,
		Apply:   func([]byte) ([]byte, error) { return []byte("{not json"), nil },
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	_, err = s.Load(ctx, "s1")
	if !errors.Is(err, domain.ErrStateCorruption) {
		t.Fatalf("Expected ErrStateCorruption, got %v", err)
	}
}

func TestConcurrentCommitsSameKeyLoseNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s1")

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, err := Update(ctx, s, "s1", OwnerIngestion, SectionProgress, "file_a", func(p *domain.ChunkProgress) error {
				p.FileID = "file_a"
				p.TotalChunks = writers
				p.Processed = append(p.Processed, idx)
				return nil
			})
			if err != nil {
				t.Errorf("Update %d: %v", idx, err)
			}
		}(i)
	}
	wg.Wait()

	got, err := s.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n := len(got.Ingestion.Progress["file_a"].Processed); n != writers {
		t.Errorf("Expected %d processed chunks, got %d", writers, n)
	}
	if got.Version != writers+1 {
		t.Errorf("Expected version %d, got %d", writers+1, got.Version)
	}
	if n := s.heldLocks(); n != 0 {
		t.Errorf("Expected sub-record locks to be released, got %d", n)
	}
}

func TestConcurrentCommitsDifferentKeysLoseNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s1")

	const (
		files   = 8
		writers = 40
	)
	var wg sync.WaitGroup
	for f := range files {
		fileID := fmt.Sprintf("file_%d", f)
		for i := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := Update(ctx, s, "s1", OwnerIngestion, SectionProgress, fileID, func(p *domain.ChunkProgress) error {
					p.FileID = fileID
					p.TotalChunks = writers
					p.Processed = append(p.Processed, i)
					return nil
				})
				if err != nil {
					t.Errorf("Update %s/%d: %v", fileID, i, err)
				}
			}()
		}
	}
	wg.Wait()

	got, err := s.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Ingestion.Progress) != files {
		t.Fatalf("Expected %d progress records, got %d", files, len(got.Ingestion.Progress))
	}
	for id, p := range got.Ingestion.Progress {
		processed := slices.Sorted(slices.Values(p.Processed))
		if len(slices.Compact(processed)) != writers {
			t.Errorf("%s: expected %d distinct chunks, got %v", id, writers, p.Processed)
		}
	}
	if want := int64(files*writers + 1); got.Version != want {
		t.Errorf("Expected version %d, got %d", want, got.Version)
	}
	if n := s.heldLocks(); n != 0 {
		t.Errorf("Expected sub-record locks to be released, got %d", n)
	}
}

func TestUpdateStatusCompareAndSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s1")

	if err := s.UpdateStatus(ctx, "s1", domain.StatusCreated, domain.StatusCollectingInputs); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	err := s.UpdateStatus(ctx, "s1", domain.StatusCreated, domain.StatusIngesting)
	if !errors.Is(err, domain.ErrStatusConflict) {
		t.Fatalf("Expected ErrStatusConflict, got %v", err)
	}
	err = s.UpdateStatus(ctx, "missing", domain.StatusCreated, domain.StatusIngesting)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	got, _ := s.Load(ctx, "s1")
	if got.Status != domain.StatusCollectingInputs {
		t.Errorf("Expected collecting_inputs, got %s", got.Status)
	}
}

func TestEventsAppendInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s1")

	for _, summary := range []string{"first", "second"} {
		_, err := s.AppendEvent(ctx, domain.Event{
			SessionID: "s1",
			AgentName: domain.AgentCoordinator,
			EventType: domain.EventInvoke,
			Summary:   summary,
		})
		if err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	events, err := s.Events(ctx, "s1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 || events[0].Summary != "first" || events[1].Summary != "second" {
		t.Fatalf("Unexpected events: %+v", events)
	}
	if events[0].Seq >= events[1].Seq {
		t.Errorf("Expected increasing seq, got %d then %d", events[0].Seq, events[1].Seq)
	}
}

func TestFileContentAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "s1")

	if err := s.PutFileContent(ctx, "s1", "file_a", "Chapter One"); err != nil {
		t.Fatalf("PutFileContent: %v", err)
	}
	text, err := s.FileContent(ctx, "s1", "file_a")
	if err != nil || text != "Chapter One" {
		t.Fatalf("Expected stored content, got %q, %v", text, err)
	}

	if err := s.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.FileContent(ctx, "s1", "file_a"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected content removed, got %v", err)
	}
	if _, err := s.Load(ctx, "s1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected session removed, got %v", err)
	}
}

func TestExpiredSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createSession(t, s, "old")

	ids, err := s.ExpiredSessions(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ExpiredSessions: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("Expected no expired sessions, got %v", ids)
	}

	ids, err = s.ExpiredSessions(ctx, -time.Minute)
	if err != nil {
		t.Fatalf("ExpiredSessions: %v", err)
	}
	if len(ids) != 1 || ids[0] != "old" {
		t.Errorf("Expected [old], got %v", ids)
	}
}
