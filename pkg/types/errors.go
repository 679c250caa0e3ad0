package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Callers discriminate with errors.Is; the typed errors
// below wrap these so both styles work.
var (
	// ErrNotFound is returned when a lookup by id matches nothing.
	ErrNotFound = errors.New("record not found")

	// ErrEmbeddingUnavailable signals that the embedding provider could not
	// be reached (or its circuit breaker is open). Resolution degrades to
	// exact-match-only; it never aborts ingestion.
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

	// ErrPolicyNotApplicable signals that a contradiction policy cannot run
	// in the current configuration, e.g. manual review with no review sink.
	ErrPolicyNotApplicable = errors.New("contradiction policy not applicable")

	// ErrMalformedInterval is the target for MalformedIntervalError.
	ErrMalformedInterval = errors.New("malformed validity interval")

	// ErrEmptyName is returned when an entity candidate has a blank name.
	ErrEmptyName = errors.New("entity name must not be empty")
)

// MalformedIntervalError reports a validity interval whose end precedes its
// start. An interval with invalid_at equal to valid_at is NOT malformed: that
// empty interval is how rejected-on-arrival records are written.
type MalformedIntervalError struct {
	ID        string
	ValidAt   time.Time
	InvalidAt time.Time
}

func (e *MalformedIntervalError) Error() string {
	return fmt.Sprintf("malformed validity interval for %q: invalid_at %s precedes valid_at %s",
		e.ID, e.InvalidAt.Format(time.RFC3339), e.ValidAt.Format(time.RFC3339))
}

func (e *MalformedIntervalError) Unwrap() error { return ErrMalformedInterval }

// NotFoundError carries the collection and id of a failed lookup.
type NotFoundError struct {
	Collection string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Collection, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// PolicyNotApplicableError explains why a contradiction policy could not run.
type PolicyNotApplicableError struct {
	Policy string
	Reason string
}

func (e *PolicyNotApplicableError) Error() string {
	return fmt.Sprintf("policy %q not applicable: %s", e.Policy, e.Reason)
}

func (e *PolicyNotApplicableError) Unwrap() error { return ErrPolicyNotApplicable }

// BackendError wraps a storage failure. Retryable distinguishes transient
// faults (timeouts, conflicts) from terminal ones; the ingestion coordinator
// consults it before re-driving a write through the retry policy.
type BackendError struct {
	Op         string
	Collection string
	Err        error
	Retryable  bool
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s on %s: %v", e.Op, e.Collection, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a BackendError marked transient.
func IsRetryable(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Retryable
}
