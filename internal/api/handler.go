// Package api provides HTTP handlers for the planner API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/midterm-planner/internal/coordinator"
	"github.com/ashureev/midterm-planner/internal/domain"
	"github.com/ashureev/midterm-planner/internal/estimation"
	"github.com/ashureev/midterm-planner/internal/export"
	"github.com/ashureev/midterm-planner/internal/ingestion"
	"github.com/ashureev/midterm-planner/internal/pipeline"
	"github.com/ashureev/midterm-planner/internal/planner"
	"github.com/ashureev/midterm-planner/internal/store"
	"github.com/ashureev/midterm-planner/internal/trace"
)

const maxBodyBytes = 32 << 20

// Services groups the stage services the handlers drive.
type Services struct {
	Coordinator *coordinator.Coordinator
	Ingestion   *ingestion.Service
	Estimation  *estimation.Service
	Planner     *planner.Service
	Export      *export.Service
	Trace       *trace.Trace
	// Pipeline defaults to a runner over the stage services above.
	Pipeline *pipeline.Runner
}

// Handler provides common handler utilities.
type Handler struct {
	repo store.Repository
	svc  Services
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, svc Services) *Handler {
	if svc.Pipeline == nil {
		svc.Pipeline = pipeline.New(svc.Coordinator, svc.Ingestion, svc.Estimation, svc.Planner, svc.Export)
	}
	return &Handler{repo: repo, svc: svc}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StatusFor maps a domain error onto an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrPreconditionNotMet),
		errors.Is(err, domain.ErrStageInFlight),
		errors.Is(err, domain.ErrStatusConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "path", r.URL.Path, "error", err)
		Error(w, status, "internal error")
		return
	}
	var pe *domain.PreconditionError
	if errors.As(err, &pe) {
		JSON(w, status, map[string]string{"error": err.Error(), "guard": pe.Guard})
		return
	}
	Error(w, status, err.Error())
}

// writeStage writes a stage payload. Failed stages answer 503 when a retry
// may succeed and 409 otherwise; the body is always the payload.
func writeStage(w http.ResponseWriter, res domain.StageResult, payload any) {
	status := http.StatusOK
	if res.Status == domain.StageFailed {
		status = http.StatusConflict
		if res.Retryable {
			status = http.StatusServiceUnavailable
		}
	}
	JSON(w, status, payload)
}

// decode reads an optional JSON body into v. An empty body leaves v as is.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: malformed request body: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

// session resolves the {sessionID} path parameter to an existing session.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "sessionID")
	if _, err := h.repo.Status(r.Context(), id); err != nil {
		writeErr(w, r, err)
		return "", false
	}
	return id, true
}

// RegisterRoutes registers the session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Post("/courses", h.RegisterCourses)
			r.Post("/files", h.RegisterFiles)
			r.Post("/links", h.LinkFiles)
			r.Post("/ingest", h.Ingest)
			r.Post("/estimate", h.Estimate)
			r.Post("/plan", h.Plan)
			r.Post("/export", h.Export)
			r.Post("/run", h.Run)
			r.Get("/artifacts", h.Artifacts)
			r.Get("/trace", h.Trace)
			r.Get("/checkpoints", h.Checkpoints)
		})
	})
}
