package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrPreconditionNotMet is the sentinel behind every guard violation.
	ErrPreconditionNotMet = errors.New("precondition not met")
	// ErrInfeasibleConstraints marks schedules no capacity adjustment can fix.
	ErrInfeasibleConstraints = errors.New("infeasible constraints")
	// ErrStateCorruption indicates a state store invariant was violated.
	ErrStateCorruption = errors.New("state corruption")
	// ErrStageInFlight is returned when a stage is already running for a session.
	ErrStageInFlight = errors.New("stage already in flight")
	// ErrStatusConflict is returned when the stored status changed underneath a transition.
	ErrStatusConflict = errors.New("status changed concurrently")
	// ErrOwnership is returned when a component commits to a sub-record it does not own.
	ErrOwnership = errors.New("sub-record not owned by component")
	// ErrInvalidInput flags malformed caller input.
	ErrInvalidInput = errors.New("invalid input")
)

// PreconditionError identifies the guard that blocked a transition.
type PreconditionError struct {
	Guard  string
	Detail string
}

func (e *PreconditionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("precondition not met: %s", e.Guard)
	}
	return fmt.Sprintf("precondition not met: %s: %s", e.Guard, e.Detail)
}

// Unwrap lets errors.Is match ErrPreconditionNotMet.
func (e *PreconditionError) Unwrap() error { return ErrPreconditionNotMet }

// Precondition builds a guard violation.
func Precondition(guard, format string, args ...any) error {
	return &PreconditionError{Guard: guard, Detail: fmt.Sprintf(format, args...)}
}

// UpstreamError wraps a failure of the extraction/estimation collaborator.
// Retryable reports whether the underlying error class is transient.
// Exhausted is set once the retry budget ran out; an exhausted or
// non-retryable error is a PermanentUpstreamFailure.
type UpstreamError struct {
	Op        string
	Retryable bool
	Exhausted bool
	Attempts  int
	Err       error
}

func (e *UpstreamError) Error() string {
	kind := "retryable"
	if e.Permanent() {
		kind = "permanent"
	}
	if e.Attempts > 0 {
		return fmt.Sprintf("%s upstream failure in %s after %d attempts: %v", kind, e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s upstream failure in %s: %v", kind, e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Permanent reports whether no further local retry will be attempted.
func (e *UpstreamError) Permanent() bool {
	return !e.Retryable || e.Exhausted
}

// ValidationFailure carries the reasons a schedule failed its checks. It
// drives the revision loop and is never surfaced as a hard error.
type ValidationFailure struct {
	Reasons []string
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("schedule failed validation: %d reasons", len(e.Reasons))
}

// Corrupt wraps a detail message as ErrStateCorruption.
func Corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStateCorruption, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether retrying the failed operation may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var up *UpstreamError
	if errors.As(err, &up) {
		return up.Retryable
	}
	if errors.Is(err, ErrStageInFlight) || errors.Is(err, ErrStatusConflict) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Exhausted reports whether err is an upstream failure that ran out of
// retry attempts.
func Exhausted(err error) bool {
	var up *UpstreamError
	return errors.As(err, &up) && up.Exhausted
}

// IsFatal reports whether an error escaping a stage must mark the session
// failed: state corruption, or an upstream failure with no retries left.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStateCorruption) || Exhausted(err)
}
