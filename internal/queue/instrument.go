package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/phrazzld/feedpulse/internal/job"
	"github.com/phrazzld/feedpulse/internal/platform/metrics"
)

// Instrumented decorates a Queue with Prometheus counters.
type Instrumented struct {
	Queue
	metrics *metrics.Metrics
}

// Instrument wraps q so every operation is counted in m.
func Instrument(q Queue, m *metrics.Metrics) *Instrumented {
	return &Instrumented{Queue: q, metrics: m}
}

// Unwrap returns the decorated queue
func (q *Instrumented) Unwrap() Queue { return q.Queue }

func (q *Instrumented) observe(op string, err error) {
	if errors.Is(err, ErrQueueUnavailable) {
		q.metrics.Unavailable.WithLabelValues(op).Inc()
	}
}

// Enqueue counts accepted jobs by type
func (q *Instrumented) Enqueue(ctx context.Context, spec job.Spec) (string, error) {
	id, err := q.Queue.Enqueue(ctx, spec)
	q.observe("enqueue", err)
	if err == nil {
		q.metrics.Enqueued.WithLabelValues(string(spec.Type)).Inc()
	}
	return id, err
}

// Claim counts claimed jobs by type
func (q *Instrumented) Claim(ctx context.Context, workerID string, blockTimeout time.Duration, skip ...job.Type) (*job.Job, error) {
	j, err := q.Queue.Claim(ctx, workerID, blockTimeout, skip...)
	q.observe("claim", err)
	if j != nil {
		q.metrics.Claimed.WithLabelValues(string(j.Type)).Inc()
	}
	return j, err
}

// Ack passes through, counting unavailability. Completions are counted by
// the worker, which knows the job type.
func (q *Instrumented) Ack(ctx context.Context, id string, attempt int, result json.RawMessage) error {
	err := q.Queue.Ack(ctx, id, attempt, result)
	q.observe("ack", err)
	return err
}

// Fail passes through, counting unavailability
func (q *Instrumented) Fail(ctx context.Context, id string, attempt int, errMsg string, retry bool) error {
	err := q.Queue.Fail(ctx, id, attempt, errMsg, retry)
	q.observe("fail", err)
	return err
}

// Cancel counts successful cancellations
func (q *Instrumented) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := q.Queue.Cancel(ctx, id)
	q.observe("cancel", err)
	if ok {
		q.metrics.Cancelled.Inc()
	}
	return ok, err
}

// ReclaimStale counts reclaimed jobs
func (q *Instrumented) ReclaimStale(ctx context.Context, timeout time.Duration) (int, error) {
	n, err := q.Queue.ReclaimStale(ctx, timeout)
	q.observe("reclaim", err)
	q.metrics.Reclaimed.Add(float64(n))
	return n, err
}

// Get passes through, counting unavailability
func (q *Instrumented) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := q.Queue.Get(ctx, id)
	q.observe("get", err)
	return j, err
}

// Stats passes through, counting unavailability
func (q *Instrumented) Stats(ctx context.Context) (Stats, error) {
	s, err := q.Queue.Stats(ctx)
	q.observe("stats", err)
	return s, err
}
