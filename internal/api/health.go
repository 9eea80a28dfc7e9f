package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/midterm-planner/internal/store"
)

const defaultHealthTimeout = 5 * time.Second

// Pinger is an optional dependency pinged by the health check.
type Pinger interface {
	Health(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo       store.Repository
	extraction Pinger
	timeout    time.Duration
}

// NewHealthHandler creates a new health handler. extraction may be nil.
func NewHealthHandler(repo store.Repository, extraction Pinger) *HealthHandler {
	return &HealthHandler{repo: repo, extraction: extraction, timeout: defaultHealthTimeout}
}

// Health returns the health status of the API and its dependencies. The
// extraction service degrades the status but never fails it; the heuristic
// covers for it.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]any{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "unhealthy"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.extraction == nil {
		checks["extraction"] = "heuristic"
	} else if err := h.extraction.Health(ctx); err != nil {
		slog.Warn("Extraction service unhealthy", "error", err)
		checks["extraction"] = "unreachable"
		if statusCode == http.StatusOK {
			status["status"] = "degraded"
		}
	} else {
		checks["extraction"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
