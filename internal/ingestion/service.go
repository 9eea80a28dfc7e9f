// Package ingestion registers uploaded files, splits them into chunks, runs
// topic extraction per chunk and merges the results into topic evidence.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/midterm-planner/internal/domain"
	"github.com/ashureev/midterm-planner/internal/extraction"
	"github.com/ashureev/midterm-planner/internal/idempotency"
	"github.com/ashureev/midterm-planner/internal/lifecycle"
	"github.com/ashureev/midterm-planner/internal/store"
	"github.com/ashureev/midterm-planner/internal/telemetry"
	"github.com/ashureev/midterm-planner/internal/trace"
)

var tracer = otel.Tracer("github.com/ashureev/midterm-planner/internal/ingestion")

// DefaultFileConcurrency bounds how many files are processed at once.
const DefaultFileConcurrency = 4

// Extractor returns topic candidates for one chunk of text.
type Extractor interface {
	ExtractTopics(ctx context.Context, text string) (extraction.Extraction, error)
}

// Config tunes the stage.
type Config struct {
	MaxChunkChars   int
	FileConcurrency int
}

// FileInput is one uploaded document. Content is its extracted text.
type FileInput struct {
	Filename    string   `json:"filename"`
	ContentType string   `json:"content_type"`
	Content     string   `json:"content"`
	CourseIDs   []string `json:"course_ids"`
	IsShared    bool     `json:"is_shared"`
	// Required defaults to true.
	Required *bool `json:"required,omitempty"`
}

// Link maps a registered file to courses. FileID wins over Filename.
type Link struct {
	FileID    string   `json:"file_id"`
	Filename  string   `json:"filename"`
	CourseIDs []string `json:"course_ids"`
	IsShared  bool     `json:"is_shared"`
}

// RegisterResult lists new and reused file records.
type RegisterResult struct {
	SessionID  string                `json:"session_id"`
	Registered []domain.UploadedFile `json:"registered_files"`
	Reused     []domain.UploadedFile `json:"reused_files"`
	TotalFiles int                   `json:"total_files_in_session"`
}

// Result is the status payload of one ingestion run.
type Result struct {
	domain.StageResult
	FilesProcessed int      `json:"files_processed"`
	FilesReused    []string `json:"files_reused,omitempty"`
	EvidenceRows   int      `json:"topic_evidence_rows"`
}

// Service runs the ingestion stage.
type Service struct {
	repo      store.Repository
	tracker   *idempotency.Tracker
	machine   *lifecycle.Machine
	trace     *trace.Trace
	extractor Extractor
	cfg       Config
}

// NewService creates the ingestion stage.
func NewService(repo store.Repository, tracker *idempotency.Tracker, machine *lifecycle.Machine, tr *trace.Trace, extractor Extractor, cfg Config) *Service {
	if cfg.MaxChunkChars <= 0 {
		cfg.MaxChunkChars = DefaultMaxChunkChars
	}
	if cfg.FileConcurrency <= 0 {
		cfg.FileConcurrency = DefaultFileConcurrency
	}
	return &Service{repo: repo, tracker: tracker, machine: machine, trace: tr, extractor: extractor, cfg: cfg}
}

func checkCourseRefs(s *domain.Session, ids []string) error {
	for _, id := range ids {
		if _, ok := s.CourseByID(id); !ok {
			return fmt.Errorf("%w: unknown course_id %s", domain.ErrInvalidInput, id)
		}
	}
	return nil
}

func cleanIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return sortedUnique(out)
}

// RegisterFiles records uploads once per fingerprint and stores their text.
func (s *Service) RegisterFiles(ctx context.Context, sessionID string, files []FileInput) (RegisterResult, error) {
	if len(files) == 0 {
		return RegisterResult{}, fmt.Errorf("%w: at least one file is required", domain.ErrInvalidInput)
	}
	sess, err := s.repo.Load(ctx, sessionID)
	if err != nil {
		return RegisterResult{}, err
	}
	if sess.Status != domain.StatusCollectingInputs && sess.Status != domain.StatusIngesting {
		return RegisterResult{}, domain.Precondition(lifecycle.GuardEdge, "files cannot be registered in status %s", sess.Status)
	}

	res := RegisterResult{SessionID: sessionID, Registered: []domain.UploadedFile{}, Reused: []domain.UploadedFile{}}
	for _, f := range files {
		courseIDs := cleanIDs(f.CourseIDs)
		if err := checkCourseRefs(sess, courseIDs); err != nil {
			return res, err
		}
		required := f.Required == nil || *f.Required
		content := []byte(f.Content)
		upload := idempotency.Upload{
			Filename:    strings.TrimSpace(f.Filename),
			ContentType: f.ContentType,
			SHA256:      idempotency.Fingerprint(content),
			SizeBytes:   int64(len(content)),
			CourseIDs:   courseIDs,
			IsShared:    f.IsShared,
			Required:    required,
		}
		fileID := idempotency.FileID(upload.SHA256, upload.SizeBytes)
		if _, known := sess.Files[fileID]; !known {
			if err := s.repo.PutFileContent(ctx, sessionID, fileID, f.Content); err != nil {
				return res, fmt.Errorf("store content of %s: %w", upload.Filename, err)
			}
		}
		rec, reused, err := s.tracker.RegisterUpload(ctx, sessionID, upload)
		if err != nil {
			return res, err
		}
		sess.Files[rec.ID] = rec
		if reused {
			res.Reused = append(res.Reused, rec)
			continue
		}
		res.Registered = append(res.Registered, rec)
	}
	res.TotalFiles = len(sess.Files)

	refs := make([]string, 0, len(res.Registered))
	for _, f := range res.Registered {
		refs = append(refs, f.ID)
	}
	slog.Info("Files registered", "session_id", sessionID, "registered", len(res.Registered), "reused", len(res.Reused))
	s.record(ctx, sessionID, domain.EventHandoff,
		fmt.Sprintf("Registered %d files, reused %d files.", len(res.Registered), len(res.Reused)), refs...)
	return res, nil
}

// LinkFiles replaces the course links of registered files. Each file must
// end up linked to a course or marked shared.
func (s *Service) LinkFiles(ctx context.Context, sessionID string, links []Link) ([]string, error) {
	if len(links) == 0 {
		return nil, fmt.Errorf("%w: at least one mapping is required", domain.ErrInvalidInput)
	}
	sess, err := s.repo.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(sess.Files) == 0 {
		return nil, fmt.Errorf("%w: no registered files", domain.ErrInvalidInput)
	}
	byName := make(map[string]string, len(sess.Files))
	for id, f := range sess.Files {
		byName[f.Filename] = id
	}

	var updated []string
	for _, l := range links {
		fileID := strings.TrimSpace(l.FileID)
		if fileID == "" {
			fileID = byName[strings.TrimSpace(l.Filename)]
		}
		if _, ok := sess.Files[fileID]; !ok {
			return nil, fmt.Errorf("%w: unknown file reference %q/%q", domain.ErrInvalidInput, l.FileID, l.Filename)
		}
		courseIDs := cleanIDs(l.CourseIDs)
		if len(courseIDs) == 0 && !l.IsShared {
			return nil, fmt.Errorf("%w: file %s must map to at least one course or be marked shared", domain.ErrInvalidInput, fileID)
		}
		if err := checkCourseRefs(sess, courseIDs); err != nil {
			return nil, err
		}
		_, err := store.Update(ctx, s.repo, sessionID, store.OwnerIngestion, store.SectionFiles, fileID, func(f *domain.UploadedFile) error {
			if f.ID == "" {
				return domain.Corrupt("file %s vanished during linking", fileID)
			}
			f.CourseIDs = courseIDs
			f.IsShared = l.IsShared
			return nil
		})
		if err != nil {
			return nil, err
		}
		updated = append(updated, fileID)
	}
	updated = sortedUnique(updated)
	s.record(ctx, sessionID, domain.EventHandoff, fmt.Sprintf("Linked %d files to courses.", len(updated)), updated...)
	return updated, nil
}

type fileOutcome struct {
	warnings []string
	reused   bool
	// fatal is set when every chunk of a required file failed after the
	// retry budget ran out.
	fatal error
}

// Run ingests every registered file and advances the session to
// estimating when all required files are settled. A forced run may start
// from estimating, planning or reviewing and rewinds the session first.
func (s *Service) Run(ctx context.Context, sessionID string, force bool) Result {
	ctx, span := telemetry.StartStage(ctx, tracer, domain.StageIngestion, sessionID)
	defer span.End()

	fail := func(err error) Result {
		err = s.machine.HandleStageError(ctx, sessionID, err)
		telemetry.Fail(span, err)
		return Result{StageResult: domain.StageError(sessionID, domain.StageIngestion, err)}
	}

	release, err := s.machine.Begin(sessionID, domain.StageIngestion)
	if err != nil {
		return fail(err)
	}
	defer release()

	enter := s.machine.Transition
	if force {
		enter = s.machine.Rewind
	}
	sess, err := enter(ctx, sessionID, domain.StatusIngesting)
	if err != nil {
		return fail(err)
	}

	ids := slices.Sorted(maps.Keys(sess.Files))
	s.record(ctx, sessionID, domain.EventInvoke, fmt.Sprintf("Ingestion started for %d files.", len(ids)))

	outcomes := make([]fileOutcome, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.FileConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			out, err := s.processFile(gctx, sessionID, sess.Files[id], force)
			outcomes[i] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fail(err)
	}

	var warnings, reused []string
	var fatal error
	for i, o := range outcomes {
		warnings = append(warnings, o.warnings...)
		if o.reused {
			reused = append(reused, ids[i])
		}
		if o.fatal != nil && fatal == nil {
			fatal = o.fatal
		}
	}

	sess, err = s.repo.Load(ctx, sessionID)
	if err != nil {
		return fail(err)
	}
	evidence := MergeEvidence(sess.Files, sess.Ingestion.Progress, sess.Inputs.Courses)
	_, err = store.Update(ctx, s.repo, sessionID, store.OwnerIngestion, store.SectionEvidence, "", func(set *domain.EvidenceSet) error {
		set.Evidence = evidence
		set.Warnings = slices.Clone(warnings)
		set.Revision++
		return nil
	})
	if err != nil {
		return fail(err)
	}

	s.record(ctx, sessionID, domain.EventComplete,
		fmt.Sprintf("Processed %d files into %d topic evidence rows.", len(ids), len(evidence)),
		fmt.Sprintf("topic_rows:%d", len(evidence)))
	if len(warnings) > 0 {
		s.record(ctx, sessionID, domain.EventError,
			fmt.Sprintf("Ingestion completed with %d warnings.", len(warnings)), "warnings")
	}

	result := Result{
		StageResult:    domain.StageOK(sessionID, domain.StageIngestion, warnings),
		FilesProcessed: len(ids) - len(reused),
		FilesReused:    reused,
		EvidenceRows:   len(evidence),
	}
	result.Reused = len(ids) > 0 && len(reused) == len(ids)
	if fatal != nil {
		failed := fail(fatal)
		failed.Warnings = warnings
		failed.EvidenceRows = len(evidence)
		return failed
	}

	if _, err := s.machine.Transition(ctx, sessionID, domain.StatusEstimating); err != nil {
		failed := fail(err)
		failed.Warnings = warnings
		failed.FilesProcessed = result.FilesProcessed
		failed.FilesReused = reused
		failed.EvidenceRows = len(evidence)
		return failed
	}
	return result
}

// processFile runs the pending chunks of one file in order. Chunk failures
// become warnings; only store errors are returned.
func (s *Service) processFile(ctx context.Context, sessionID string, f domain.UploadedFile, force bool) (fileOutcome, error) {
	var out fileOutcome
	text, err := s.repo.FileContent(ctx, sessionID, f.ID)
	if errors.Is(err, domain.ErrNotFound) {
		out.warnings = append(out.warnings, fmt.Sprintf("Missing stored content for %s.", f.ID))
		return out, nil
	}
	if err != nil {
		return out, err
	}

	chunks := Chunk(text, s.cfg.MaxChunkChars)
	progress, err := s.tracker.BeginFile(ctx, sessionID, f.ID, len(chunks), force)
	if err != nil {
		return out, err
	}
	if progress.Status == domain.ProgressComplete && !force {
		out.reused = true
		return out, nil
	}

	logger := slog.With("session_id", sessionID, "file_id", f.ID)
	var lastErr error
	for _, idx := range idempotency.Pending(progress, force) {
		ex, extractErr := s.extractor.ExtractTopics(ctx, chunks[idx])
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		progress, err = s.tracker.RecordChunk(ctx, sessionID, f.ID, idempotency.ChunkOutcome{
			Index:    idx,
			Topics:   ex.Topics,
			Attempts: ex.Attempts,
			Err:      extractErr,
		})
		if err != nil {
			return out, err
		}
		if extractErr != nil {
			lastErr = extractErr
			logger.Warn("Chunk extraction failed", "chunk_index", idx, "error", extractErr)
			out.warnings = append(out.warnings, fmt.Sprintf("%s chunk %d failed: %v", f.ID, idx, extractErr))
		}
	}

	switch progress.Status {
	case domain.ProgressPartial:
		warning := fmt.Sprintf("Accepted partial ingestion of %s: %d of %d chunks failed.",
			f.ID, len(progress.Failed), progress.TotalChunks)
		if err := s.tracker.AcceptPartial(ctx, sessionID, f.ID, warning); err != nil {
			return out, err
		}
		out.warnings = append(out.warnings, warning)
	case domain.ProgressFailed:
		if f.Required && domain.Exhausted(lastErr) {
			out.fatal = fmt.Errorf("ingest %s: %w", f.ID, lastErr)
		}
	}
	logger.Info("File ingested", "status", progress.Status, "chunks", progress.TotalChunks, "failed", len(progress.Failed))
	return out, nil
}

func (s *Service) record(ctx context.Context, sessionID string, typ domain.EventType, summary string, refs ...string) {
	if s.trace == nil {
		return
	}
	if _, err := s.trace.Record(ctx, sessionID, domain.AgentIngestion, typ, summary, refs...); err != nil {
		slog.Warn("Failed to record ingestion event", "session_id", sessionID, "error", err)
	}
}
