package block

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across stores and the scheduler.
var (
	// ErrNotFound is returned when a block or job does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when a create collides with an existing
	// non-deleted block's dedupe hash.
	ErrDuplicateKey = errors.New("duplicate dedupe hash")

	// ErrInvalidTransition is returned for illegal job-state changes. Callers
	// must re-check job state; the transition is rejected, never a no-op.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrQueueClosed is returned once the job queue has shut down.
	ErrQueueClosed = errors.New("queue closed")
)

// ValidationError reports a bad job or search configuration. Jobs failing
// validation are never enqueued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransientError wraps failures worth retrying (network, timeout, source API
// flakes). The scheduler's backoff machinery only re-enqueues jobs whose
// failure unwraps to a TransientError.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err unwraps to a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// MigrationValidationError reports a post-migration count mismatch. It is
// surfaced to the operator; rollback is a manual decision.
type MigrationValidationError struct {
	Expected int
	Actual   int
}

func (e *MigrationValidationError) Error() string {
	return fmt.Sprintf("migration validation mismatch: expected %d objects, found %d", e.Expected, e.Actual)
}
