// Package pipeline runs every stage of a session in one call: course
// registration, file registration with automatic course links, ingestion,
// estimation, planning with one revision round, and export.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"cloud.google.com/go/civil"
	"go.opentelemetry.io/otel"

	"github.com/ashureev/midterm-planner/internal/coordinator"
	"github.com/ashureev/midterm-planner/internal/domain"
	"github.com/ashureev/midterm-planner/internal/estimation"
	"github.com/ashureev/midterm-planner/internal/export"
	"github.com/ashureev/midterm-planner/internal/ingestion"
	"github.com/ashureev/midterm-planner/internal/planner"
	"github.com/ashureev/midterm-planner/internal/telemetry"
)

var tracer = otel.Tracer("github.com/ashureev/midterm-planner/internal/pipeline")

// StagePipeline names the one-shot run in spans.
const StagePipeline = "pipeline"

// DefaultDailyCap is used when a request leaves the cap unset.
const DefaultDailyCap = 240

// minTokenLen is the shortest course name token matched against filenames.
const minTokenLen = 4

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// Request is one simplified planning run. CourseNames and MidtermDates are
// parallel lists.
type Request struct {
	CourseNames  []string              `json:"course_names"`
	MidtermDates []civil.Date          `json:"midterm_dates"`
	DailyCap     int                   `json:"daily_study_cap_minutes,omitempty"`
	Files        []ingestion.FileInput `json:"files"`
}

// Result collects every stage payload. Stages after the first failure are
// nil.
type Result struct {
	SessionID  string                   `json:"session_id"`
	Courses    []domain.Course          `json:"courses"`
	Files      ingestion.RegisterResult `json:"files"`
	Mappings   []ingestion.Link         `json:"mappings"`
	Ingestion  *ingestion.Result        `json:"ingestion,omitempty"`
	Estimation *estimation.Result       `json:"estimation,omitempty"`
	Planning   *planner.Result          `json:"planning,omitempty"`
	Export     *export.Result           `json:"export,omitempty"`
	Artifacts  *export.Status           `json:"outputs,omitempty"`
}

// Last returns the payload of the last stage that ran.
func (r Result) Last() domain.StageResult {
	switch {
	case r.Export != nil:
		return r.Export.StageResult
	case r.Planning != nil:
		return r.Planning.StageResult
	case r.Estimation != nil:
		return r.Estimation.StageResult
	case r.Ingestion != nil:
		return r.Ingestion.StageResult
	}
	return domain.StageOK(r.SessionID, domain.StageFiles, nil)
}

// Runner drives the stage services in order.
type Runner struct {
	coordinator *coordinator.Coordinator
	ingestion   *ingestion.Service
	estimation  *estimation.Service
	planner     *planner.Service
	export      *export.Service
}

// New creates a runner over the stage services.
func New(c *coordinator.Coordinator, in *ingestion.Service, est *estimation.Service, pl *planner.Service, ex *export.Service) *Runner {
	return &Runner{coordinator: c, ingestion: in, estimation: est, planner: pl, export: ex}
}

// CourseIDs slugs names into ids, suffixing repeats with _2, _3 and so on.
// A name that slugs to nothing becomes "course".
func CourseIDs(names []string) []string {
	used := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		base := coordinator.Slug(name)
		if base == "" {
			base = "course"
		}
		id := base
		for n := 2; used[id]; n++ {
			id = fmt.Sprintf("%s_%d", base, n)
		}
		used[id] = true
		out = append(out, id)
	}
	return out
}

// courseTokens returns the lowercase alphanumeric runs of name that are at
// least minTokenLen long.
func courseTokens(name string) []string {
	var out []string
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(name), -1) {
		if len(tok) >= minTokenLen && !slices.Contains(out, tok) {
			out = append(out, tok)
		}
	}
	return out
}

// AutoLinks links each file to every course whose name token appears in
// its filename. Files that match no course are marked shared.
func AutoLinks(files []domain.UploadedFile, courses []domain.Course) []ingestion.Link {
	tokens := make(map[string][]string, len(courses))
	for _, c := range courses {
		tokens[c.ID] = courseTokens(c.Name)
	}
	var links []ingestion.Link
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		if f.ID == "" || seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		filename := strings.ToLower(f.Filename)
		var matched []string
		for _, c := range courses {
			if slices.ContainsFunc(tokens[c.ID], func(tok string) bool { return strings.Contains(filename, tok) }) {
				matched = append(matched, c.ID)
			}
		}
		slices.Sort(matched)
		links = append(links, ingestion.Link{
			FileID:    f.ID,
			CourseIDs: slices.Compact(matched),
			IsShared:  len(matched) == 0,
		})
	}
	return links
}

func (req Request) courses() ([]coordinator.CourseInput, error) {
	if len(req.CourseNames) == 0 {
		return nil, fmt.Errorf("%w: course_names must contain at least one course", domain.ErrInvalidInput)
	}
	if len(req.CourseNames) != len(req.MidtermDates) {
		return nil, fmt.Errorf("%w: course_names and midterm_dates must have the same length", domain.ErrInvalidInput)
	}
	for i, name := range req.CourseNames {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("%w: course_names[%d] is empty", domain.ErrInvalidInput, i)
		}
	}
	if len(req.Files) == 0 {
		return nil, fmt.Errorf("%w: at least one file is required", domain.ErrInvalidInput)
	}
	ids := CourseIDs(req.CourseNames)
	out := make([]coordinator.CourseInput, len(ids))
	for i, id := range ids {
		out[i] = coordinator.CourseInput{ID: id, Name: strings.TrimSpace(req.CourseNames[i]), MidtermDate: req.MidtermDates[i]}
	}
	return out, nil
}

// Run executes every stage against sessionID, which must still accept
// course inputs. Input errors are returned; a failed stage ends the run and
// is reported through the result.
func (r *Runner) Run(ctx context.Context, sessionID string, req Request) (Result, error) {
	ctx, span := telemetry.StartStage(ctx, tracer, StagePipeline, sessionID)
	defer span.End()

	res := Result{SessionID: sessionID}
	inputs, err := req.courses()
	if err != nil {
		telemetry.Fail(span, err)
		return res, err
	}
	if res.Courses, err = r.coordinator.RegisterCourses(ctx, sessionID, inputs); err != nil {
		telemetry.Fail(span, err)
		return res, err
	}

	files := make([]ingestion.FileInput, len(req.Files))
	for i, f := range req.Files {
		f.CourseIDs = nil
		f.IsShared = false
		files[i] = f
	}
	if res.Files, err = r.ingestion.RegisterFiles(ctx, sessionID, files); err != nil {
		telemetry.Fail(span, err)
		return res, err
	}
	res.Mappings = AutoLinks(slices.Concat(res.Files.Registered, res.Files.Reused), res.Courses)
	if _, err := r.ingestion.LinkFiles(ctx, sessionID, res.Mappings); err != nil {
		telemetry.Fail(span, err)
		return res, err
	}

	logger := slog.With("session_id", sessionID)
	ing := r.ingestion.Run(ctx, sessionID, false)
	res.Ingestion = &ing
	if ing.Status == domain.StageFailed {
		logger.Warn("Pipeline stopped", "stage", domain.StageIngestion, "error", ing.Error)
		return res, nil
	}
	est := r.estimation.Run(ctx, sessionID, false)
	res.Estimation = &est
	if est.Status == domain.StageFailed {
		logger.Warn("Pipeline stopped", "stage", domain.StageEstimation, "error", est.Error)
		return res, nil
	}

	dailyCap := req.DailyCap
	if dailyCap <= 0 {
		dailyCap = DefaultDailyCap
	}
	widen, rounds := true, 1
	plan := r.planner.Run(ctx, sessionID, planner.Options{DailyCap: dailyCap, AllowWidening: &widen, MaxRounds: &rounds})
	res.Planning = &plan
	if plan.Status == domain.StageFailed || plan.SessionStatus != domain.StatusCompleted {
		logger.Warn("Pipeline stopped", "stage", domain.StagePlanning, "session_status", plan.SessionStatus, "error", plan.Error)
		return res, nil
	}

	ex := r.export.Export(ctx, sessionID, true)
	res.Export = &ex
	if ex.Status == domain.StageFailed {
		logger.Warn("Pipeline stopped", "stage", domain.StageExport, "error", ex.Error)
		return res, nil
	}
	st, err := r.export.Artifacts(ctx, sessionID)
	if err != nil {
		telemetry.Fail(span, err)
		return res, err
	}
	res.Artifacts = &st
	logger.Info("Pipeline completed", "courses", len(res.Courses), "files", res.Files.TotalFiles, "rows", plan.RowCount)
	return res, nil
}
