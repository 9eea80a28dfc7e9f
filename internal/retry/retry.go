// Package retry wraps calls to the extraction collaborator in a bounded
// exponential backoff with jitter.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ashureev/midterm-planner/internal/domain"
)

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts counts the first call.
	MaxAttempts int
	Base        time.Duration
	MaxSleep    time.Duration
	// Jitter is the upper bound of the random delay added to each sleep.
	Jitter time.Duration

	// Classify overrides IsTransient when set.
	Classify func(error) bool
	// Sleep overrides the context-aware timer when set.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns five attempts starting at 1.2s, capped at 20s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Base:        1200 * time.Millisecond,
		MaxSleep:    20 * time.Second,
		Jitter:      200 * time.Millisecond,
	}
}

// Backoff returns the sleep before the attempt following failed attempt n
// (1-based), without jitter.
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.Base
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxSleep > 0 && d >= p.MaxSleep {
			return p.MaxSleep
		}
	}
	if p.MaxSleep > 0 && d > p.MaxSleep {
		return p.MaxSleep
	}
	return d
}

func (p Policy) jitter() time.Duration {
	if p.Jitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(p.Jitter)))
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var transientMarkers = []string{
	"429",
	"rate limit",
	"temporarily unavailable",
	"timeout",
	"timed out",
	"connection reset",
	"service unavailable",
	"internal error",
	"resource exhausted",
}

// IsTransient classifies err as worth retrying: gRPC codes for overload and
// unavailability, deadline expiry, or a known transient message.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
			return true
		case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied, codes.Unauthenticated,
			codes.FailedPrecondition, codes.Unimplemented:
			return false
		}
	}
	text := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// Do calls fn until it succeeds, fails with a non-transient error, or the
// attempt budget is spent. Failures come back as *domain.UpstreamError.
func Do[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	classify := p.Classify
	if classify == nil {
		classify = IsTransient
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !classify(err) {
			return zero, &domain.UpstreamError{Op: op, Retryable: false, Attempts: attempt, Err: err}
		}
		if attempt >= attempts {
			return zero, &domain.UpstreamError{Op: op, Retryable: true, Exhausted: true, Attempts: attempt, Err: err}
		}
		delay := p.Backoff(attempt) + p.jitter()
		slog.Debug("Upstream call failed, retrying", "op", op, "attempt", attempt, "delay", delay, "error", err)
		if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
			return zero, &domain.UpstreamError{Op: op, Retryable: true, Attempts: attempt, Err: err}
		}
	}
}
