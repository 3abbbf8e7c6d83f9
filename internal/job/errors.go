package job

import (
	"errors"
	"fmt"
)

// Common job errors used across queue backends and callers.
var (
	// ErrInvalidJob is returned when a job type, payload or option is rejected
	// at enqueue time. Invalid jobs never enter the queue.
	ErrInvalidJob = errors.New("invalid job")

	// ErrNotFound is returned when a job id is unknown to the backend, either
	// because it never existed or because it was evicted from history.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when an operation would move a job
	// through a transition the state machine does not allow, for example
	// acking a job that is no longer running.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// ErrStaleClaim is returned when a worker resolves a job it no longer
// holds: the job was reclaimed and claimed again since. It matches
// ErrInvalidTransition.
var ErrStaleClaim = fmt.Errorf("%w: claim superseded", ErrInvalidTransition)

// FieldError is an ErrInvalidJob naming the rejected field. Message is
// safe to return to API clients; Err may carry decoder or validator detail
// and is only meant for logs.
type FieldError struct {
	Field  string
	Reason string
	Err    error
}

func (e *FieldError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", ErrInvalidJob, e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", ErrInvalidJob, e.Field, e.Reason)
}

// Message describes the rejection without internal detail
func (e *FieldError) Message() string {
	return fmt.Sprintf("Invalid %s: %s", e.Field, e.Reason)
}

func (e *FieldError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidJob}
	}
	return []error{ErrInvalidJob, e.Err}
}
