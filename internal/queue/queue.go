package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/phrazzld/feedpulse/internal/job"
)

// Common queue errors
var (
	// ErrQueueUnavailable is returned when the backend cannot be reached
	// within the bounded timeout and single retry every call is allowed.
	ErrQueueUnavailable = errors.New("queue unavailable")

	// ErrReclaimTimeout is the internal signal used by ReclaimStale. It is
	// only ever visible as the error message of a reclaimed job.
	ErrReclaimTimeout = errors.New("worker timeout")
)

// DefaultHistorySize is the number of terminal jobs kept for ListRecent
const DefaultHistorySize = 1000

// Stats summarises the queue for the status endpoint
type Stats struct {
	Pending        int64 `json:"pending"`
	Processing     int64 `json:"processing"`
	CompletedToday int64 `json:"completed_today"`
}

// Queue is the uniform API used by producers and workers. All mutations of
// a job happen through these operations. Every call except Claim completes
// in bounded time or fails with ErrQueueUnavailable.
type Queue interface {
	// Enqueue validates spec, stores a pending job and returns its id.
	// Invalid specs fail with job.ErrInvalidJob and are never stored.
	Enqueue(ctx context.Context, spec job.Spec) (string, error)

	// Claim atomically takes the highest-priority, oldest pending job and
	// marks it running for workerID. It waits up to blockTimeout for work
	// and returns a nil job when none arrived. No two callers ever receive
	// the same claim. Jobs whose type is listed in skip stay queued in
	// their place for other callers.
	Claim(ctx context.Context, workerID string, blockTimeout time.Duration, skip ...job.Type) (*job.Job, error)

	// Ack marks a running job completed with the given result. attempt is
	// the Attempts value of the claimed job; if the job has been claimed
	// again since, Ack fails with job.ErrStaleClaim and changes nothing.
	Ack(ctx context.Context, id string, attempt int, result json.RawMessage) error

	// Fail records a failed run of the claim identified by attempt, fenced
	// like Ack. With retry set and attempts remaining the job returns to
	// pending at its original priority, otherwise it fails.
	Fail(ctx context.Context, id string, attempt int, errMsg string, retry bool) error

	// Cancel cancels a pending job. It returns false when the job has
	// already been claimed or is terminal.
	Cancel(ctx context.Context, id string) (bool, error)

	// Get returns a snapshot of the job or job.ErrNotFound.
	Get(ctx context.Context, id string) (*job.Job, error)

	// ListRecent returns up to limit terminal jobs, most recent first.
	ListRecent(ctx context.Context, limit int) ([]*job.Job, error)

	// List returns up to limit jobs in the given status. Pending jobs come
	// in claim order, running jobs by claim time, terminal jobs from the
	// history. An empty status behaves like ListRecent.
	List(ctx context.Context, status job.Status, limit int) ([]*job.Job, error)

	// Stats returns queue depth and today's completions (UTC day).
	Stats(ctx context.Context) (Stats, error)

	// ReclaimStale fails every job claimed more than timeout ago with
	// ErrReclaimTimeout and retry enabled. It returns the number of jobs
	// resolved this way.
	ReclaimStale(ctx context.Context, timeout time.Duration) (int, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Name identifies the backend ("memory", "redis", "postgres").
	Name() string

	// Close releases backend resources.
	Close() error
}

// ClampLimit bounds a list limit to [1, max].
func ClampLimit(limit, max int) int {
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}

// Skips reports whether t is in skip.
func Skips(skip []job.Type, t job.Type) bool {
	for _, s := range skip {
		if s == t {
			return true
		}
	}
	return false
}
