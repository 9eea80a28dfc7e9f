// Package expiry deletes sessions that have been idle longer than a TTL.
package expiry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/midterm-planner/internal/domain"
	"github.com/ashureev/midterm-planner/internal/store"
)

// DefaultInterval is the sweep period used when none is configured.
const DefaultInterval = 5 * time.Minute

// Callback is called after a session has been deleted.
type Callback func(sessionID string)

// Store is the subset of the repository the worker needs.
type Store interface {
	ExpiredSessions(ctx context.Context, ttl time.Duration) ([]string, error)
	Delete(ctx context.Context, sessionID string) error
}

var _ Store = store.Repository(nil)

// Start runs a background goroutine that sweeps every interval until ctx
// is cancelled.
func Start(ctx context.Context, repo Store, interval, ttl time.Duration, onExpire Callback) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Expiry worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				Sweep(ctx, repo, ttl, onExpire)
			case <-ctx.Done():
				slog.Info("Expiry worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep deletes every session idle for longer than ttl and returns how
// many were removed.
func Sweep(ctx context.Context, repo Store, ttl time.Duration, onExpire Callback) int {
	ids, err := repo.ExpiredSessions(ctx, ttl)
	if err != nil {
		slog.Error("Expiry worker failed to list expired sessions", "error", err)
		return 0
	}
	if len(ids) == 0 {
		return 0
	}
	slog.Info("Expiry worker found expired sessions", "count", len(ids))

	deleted := 0
	for _, id := range ids {
		err := repo.Delete(ctx, id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			continue
		case err != nil:
			if ctx.Err() != nil {
				slog.Debug("Expiry worker cancelled, cleanup incomplete", "session_id", id, "error", err)
				return deleted
			}
			slog.Warn("Expiry worker failed to delete session", "session_id", id, "error", err)
			continue
		}
		deleted++
		if onExpire != nil {
			onExpire(id)
		}
	}

	slog.Info("Expiry worker cleanup completed", "deleted", deleted)
	return deleted
}
