package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ashureev/midterm-planner/internal/coordinator"
	"github.com/ashureev/midterm-planner/internal/domain"
	"github.com/ashureev/midterm-planner/internal/ingestion"
	"github.com/ashureev/midterm-planner/internal/pipeline"
	"github.com/ashureev/midterm-planner/internal/planner"
	"github.com/ashureev/midterm-planner/internal/trace"
)

const defaultCheckpointLimit = 50

type coursesRequest struct {
	Courses []coordinator.CourseInput `json:"courses"`
}

type filesRequest struct {
	Files []ingestion.FileInput `json:"files"`
}

type linksRequest struct {
	Mappings []ingestion.Link `json:"mappings"`
}

type forceRequest struct {
	Force bool `json:"force_reprocess"`
}

type exportRequest struct {
	Overwrite *bool `json:"overwrite"`
}

// CreateSession starts a new planning session.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Coordinator.CreateSession(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, s)
}

// GetSession returns the full session snapshot.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := h.session(w, r)
	if !ok {
		return
	}
	s, err := h.repo.Load(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	JSON(w, http.StatusOK, s)
}

// RegisterCourses replaces the session's courses.
func (h *Handler) RegisterCourses(w http.ResponseWriter, r *http.Request) {
	id, ok := h.session(w, r)
	if !ok {
		return
	}
	var req coursesRequest
	if err := decode(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	courses, err := h.svc.Coordinator.RegisterCourses(r.Context(), id, req.Courses)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"courses":    courses,
	})
}

// RegisterFiles records uploaded documents.
func (h *Handler) RegisterFiles(w http.ResponseWriter, r *http.Request) {
	id, ok := h.session(w, r)
	if !ok {
		return
	}
	var req filesRequest
	if err := decode(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	res, err := h.svc.Ingestion.RegisterFiles(r.Context(), id, req.Files)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// LinkFiles maps registered files to courses.
func (h *Handler) LinkFiles(w http.ResponseWriter, r *http.Request) {
	id, ok := h.session(w, r)
	if !ok {
		return
	}
	var req linksRequest
	if err := decode(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	updated, err := h.svc.Ingestion.LinkFiles(r.Context(), id, req.Mappings)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"session_id":    id,
		"updated_files": updated,
	})
}

// Ingest runs the ingestion stage.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.session(w, r)
	if !ok {
		return
	}
	var req forceRequest
	if err := decode(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	res := h.svc.Ingestion.Run(r.Context(), id, req.Force)
	writeStage(w, res.StageResult, res)
}

// Estimate runs the estimation stage.
func (h *Handler) Estimate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.session(w, r)
	if !ok {
		return
	}
	var req forceRequest
	if err := decode(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	res := h.svc.Estimation.Run(r.Context(), id, req.Force)
	writeStage(w, res.StageResult, res)
}

// Plan runs scheduling and review.
func (h *Handler) Plan(w http.ResponseWriter, r *http.Request) {
	id, ok := h.session(w, r)
	if !ok {
		return
	}
	var opts planner.Options
	if err := decode(w, r, &opts); err != nil {
		writeErr(w, r, err)
		return
	}
	if opts.DailyCap < 0 || opts.DailyCap > 24*60 {
		writeErr(w, r, fmt.Errorf("%w: daily_study_cap_minutes must be in 0..1440", domain.ErrInvalidInput))
		return
	}
	if opts.MaxRounds != nil && *opts.MaxRounds < 0 {
		writeErr(w, r, fmt.Errorf("%w: max_revision_rounds must be >= 0", domain.ErrInvalidInput))
		return
	}
	res := h.svc.Planner.Run(r.Context(), id, opts)
	writeStage(w, res.StageResult, res)
}

// Export writes the CSV and Markdown artifacts.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	id, ok := h.session(w, r)
	if !ok {
		return
	}
	var req exportRequest
	if err := decode(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	overwrite := req.Overwrite == nil || *req.Overwrite
	res := h.svc.Export.Export(r.Context(), id, overwrite)
	writeStage(w, res.StageResult, res)
}

// Run registers courses and files, links files by name and runs every
// stage through export in one call.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	id, ok := h.session(w, r)
	if !ok {
		return
	}
	var req pipeline.Request
	if err := decode(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.DailyCap < 0 || req.DailyCap > 24*60 {
		writeErr(w, r, fmt.Errorf("%w: daily_study_cap_minutes must be in 0..1440", domain.ErrInvalidInput))
		return
	}
	res, err := h.svc.Pipeline.Run(r.Context(), id, req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeStage(w, res.Last(), res)
}

// Artifacts reports the exported artifact locations.
func (h *Handler) Artifacts(w http.ResponseWriter, r *http.Request) {
	id, ok := h.session(w, r)
	if !ok {
		return
	}
	st, err := h.svc.Export.Artifacts(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	JSON(w, http.StatusOK, st)
}

// Trace returns the last events of the collaboration trace.
// Query: limit (default trace.DefaultReadLimit), types (comma separated,
// repeatable).
func (h *Handler) Trace(w http.ResponseWriter, r *http.Request) {
	id, ok := h.session(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", trace.DefaultReadLimit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var types []string
	for _, v := range r.URL.Query()["types"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}
	page, err := h.svc.Trace.Read(r.Context(), id, limit, types)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	JSON(w, http.StatusOK, page)
}

// Checkpoints lists the most recent state commits, newest first.
func (h *Handler) Checkpoints(w http.ResponseWriter, r *http.Request) {
	id, ok := h.session(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", defaultCheckpointLimit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	cps, err := h.repo.Checkpoints(r.Context(), id, limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"session_id":  id,
		"checkpoints": cps,
	})
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", domain.ErrInvalidInput, key)
	}
	return n, nil
}
