package worker

import (
	"errors"
	"fmt"

	"github.com/phrazzld/feedpulse/internal/job"
)

// ErrNoHandler is returned for jobs whose type has no registered handler
var ErrNoHandler = errors.New("no handler registered for job type")

// HandlerError wraps a failure raised while handling a job, including a
// recovered panic.
type HandlerError struct {
	JobID string
	Type  job.Type
	Err   error

	// Panic holds the recovered value when the handler panicked.
	Panic any
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s handler failed: %v", e.Type, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The job fails immediately
// regardless of its remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked with
// Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
