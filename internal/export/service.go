package export

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/ashureev/midterm-planner/internal/domain"
	"github.com/ashureev/midterm-planner/internal/lifecycle"
	"github.com/ashureev/midterm-planner/internal/store"
	"github.com/ashureev/midterm-planner/internal/telemetry"
	"github.com/ashureev/midterm-planner/internal/trace"
)

var tracer = otel.Tracer("github.com/ashureev/midterm-planner/internal/export")

// Artifact names.
const (
	CSVName      = "study_plan.csv"
	MarkdownName = "study_plan.md"
)

// GuardArtifactsAbsent is reported when overwriting is disabled and
// artifacts already exist.
const GuardArtifactsAbsent = "artifacts_absent"

// Result is the status payload of one export.
type Result struct {
	domain.StageResult
	CSVPath      string `json:"csv_path,omitempty"`
	MarkdownPath string `json:"markdown_path,omitempty"`
	RowCount     int    `json:"row_count"`
}

// Status reports the recorded artifacts and whether they still exist.
type Status struct {
	SessionID      string `json:"session_id"`
	CSVPath        string `json:"csv_path"`
	MarkdownPath   string `json:"markdown_path"`
	CSVExists      bool   `json:"csv_exists"`
	MarkdownExists bool   `json:"markdown_exists"`
}

// Service exports completed plans.
type Service struct {
	repo    store.Repository
	machine *lifecycle.Machine
	trace   *trace.Trace
	sink    Sink
	now     func() time.Time
}

// NewService creates the exporter.
func NewService(repo store.Repository, machine *lifecycle.Machine, tr *trace.Trace, sink Sink) *Service {
	return &Service{repo: repo, machine: machine, trace: tr, sink: sink, now: time.Now}
}

// Keys returns the sink keys of a session's artifacts.
func Keys(sessionID string) (csvKey, mdKey string) {
	dir := path.Join("sessions", sessionID, "outputs")
	return path.Join(dir, CSVName), path.Join(dir, MarkdownName)
}

// Export renders the committed plan of a completed session and records the
// artifact locations.
func (s *Service) Export(ctx context.Context, sessionID string, overwrite bool) Result {
	ctx, span := telemetry.StartStage(ctx, tracer, domain.StageExport, sessionID)
	defer span.End()

	fail := func(err error) Result {
		err = s.machine.HandleStageError(ctx, sessionID, err)
		telemetry.Fail(span, err)
		return Result{StageResult: domain.StageError(sessionID, domain.StageExport, err)}
	}

	release, err := s.machine.Begin(sessionID, domain.StageExport)
	if err != nil {
		return fail(err)
	}
	defer release()

	sess, err := s.repo.Load(ctx, sessionID)
	if err != nil {
		return fail(err)
	}
	if sess.Status != domain.StatusCompleted {
		return fail(domain.Precondition(lifecycle.GuardReviewAccepted, "export requires a completed session, status is %s", sess.Status))
	}
	if len(sess.Planning.Rows) == 0 {
		return fail(domain.Precondition(lifecycle.GuardPlanDateRange, "no plan rows committed"))
	}

	csvKey, mdKey := Keys(sessionID)
	if !overwrite {
		for _, key := range []string{csvKey, mdKey} {
			exists, err := s.sink.Exists(ctx, key)
			if err != nil {
				return fail(fmt.Errorf("check %s: %w", key, err))
			}
			if exists {
				return fail(domain.Precondition(GuardArtifactsAbsent, "%s already exists and overwrite is disabled", key))
			}
		}
	}

	rows := NormalizeRows(sess.Planning.Rows)
	csvData, err := RenderCSV(rows)
	if err != nil {
		return fail(err)
	}
	mdData := RenderMarkdown(Document{
		Courses:   sess.Inputs.Courses,
		Estimates: sess.Estimation.Estimates,
		Rows:      rows,
		Warnings:  sess.Planning.Warnings,
		Review:    sess.Planning.Review,
	})

	csvPath, err := s.sink.Put(ctx, csvKey, "text/csv", csvData)
	if err != nil {
		return fail(err)
	}
	mdPath, err := s.sink.Put(ctx, mdKey, "text/markdown", mdData)
	if err != nil {
		return fail(err)
	}

	_, err = store.Update(ctx, s.repo, sessionID, store.OwnerExporter, store.SectionArtifacts, "", func(a *domain.Artifacts) error {
		a.CSVPath = csvPath
		a.MarkdownPath = mdPath
		a.ExportedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		return fail(err)
	}
	slog.Info("Plan exported", "session_id", sessionID, "rows", len(rows), "csv", csvPath, "markdown", mdPath)
	s.record(ctx, sessionID, "Exported final study plan artifacts (CSV and Markdown).", csvPath, mdPath)

	return Result{
		StageResult:  domain.StageOK(sessionID, domain.StageExport, nil),
		CSVPath:      csvPath,
		MarkdownPath: mdPath,
		RowCount:     len(rows),
	}
}

// Artifacts returns the recorded artifact locations.
func (s *Service) Artifacts(ctx context.Context, sessionID string) (Status, error) {
	sess, err := s.repo.Load(ctx, sessionID)
	if err != nil {
		return Status{}, err
	}
	st := Status{SessionID: sessionID, CSVPath: sess.Artifacts.CSVPath, MarkdownPath: sess.Artifacts.MarkdownPath}
	if st.CSVPath == "" && st.MarkdownPath == "" {
		return st, nil
	}
	csvKey, mdKey := Keys(sessionID)
	if st.CSVExists, err = s.sink.Exists(ctx, csvKey); err != nil {
		return Status{}, err
	}
	if st.MarkdownExists, err = s.sink.Exists(ctx, mdKey); err != nil {
		return Status{}, err
	}
	return st, nil
}

func (s *Service) record(ctx context.Context, sessionID, summary string, refs ...string) {
	if s.trace == nil {
		return
	}
	if _, err := s.trace.Record(ctx, sessionID, domain.AgentCoordinator, domain.EventComplete, summary, refs...); err != nil {
		slog.Warn("Failed to record export event", "session_id", sessionID, "error", err)
	}
}
