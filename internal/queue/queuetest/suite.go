// Package queuetest holds the behavioural contract every queue backend must
// satisfy. Backend packages run it against their own constructor.
package queuetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/feedpulse/internal/job"
	"github.com/phrazzld/feedpulse/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty queue. It should register its own cleanup.
type Factory func(t *testing.T) queue.Queue

// Options tunes the suite for slower backends
type Options struct {
	// Claimers and Jobs size the concurrent claim test.
	Claimers int
	Jobs     int
}

func (o *Options) defaults() {
	if o.Claimers <= 0 {
		o.Claimers = 50
	}
	if o.Jobs <= 0 {
		o.Jobs = 500
	}
}

// Run executes the contract against queues produced by newQueue.
func Run(t *testing.T, newQueue Factory, opts Options) {
	opts.defaults()

	t.Run("enqueue then get is pending", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		id := enqueue(t, q, "reddit", 0)
		j, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.StatusPending, j.Status)
		assert.Equal(t, 0, j.Attempts)
		assert.Equal(t, job.DefaultMaxAttempts, j.MaxAttempts)
		assert.Equal(t, job.TypeScrapeSource, j.Type)
		assert.JSONEq(t, `{"source":"reddit","query":"OVH","limit":50}`, string(j.Payload))

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Pending)
		assert.Equal(t, int64(0), stats.Processing)
	})

	t.Run("invalid spec is rejected", func(t *testing.T) {
		q := newQueue(t)

		_, err := q.Enqueue(context.Background(), job.Spec{Type: "launch_rockets"})
		assert.ErrorIs(t, err, job.ErrInvalidJob)
	})

	t.Run("get unknown id", func(t *testing.T) {
		q := newQueue(t)

		_, err := q.Get(context.Background(), "does-not-exist")
		assert.ErrorIs(t, err, job.ErrNotFound)
	})

	t.Run("higher priority is claimed first", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		low := enqueue(t, q, "low", 0)
		high := enqueue(t, q, "high", 2)
		mid := enqueue(t, q, "mid", 1)

		for _, want := range []string{high, mid, low} {
			j, err := q.Claim(ctx, "w1", time.Second)
			require.NoError(t, err)
			require.NotNil(t, j)
			assert.Equal(t, want, j.ID)
		}
	})

	t.Run("same priority is first in first out", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		ids := make([]string, 5)
		for i := range ids {
			ids[i] = enqueue(t, q, fmt.Sprintf("s%d", i), 1)
		}
		for _, want := range ids {
			j, err := q.Claim(ctx, "w1", time.Second)
			require.NoError(t, err)
			require.NotNil(t, j)
			assert.Equal(t, want, j.ID)
		}
	})

	t.Run("claim marks the job running", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		id := enqueue(t, q, "reddit", 0)
		j, err := q.Claim(ctx, "worker-7", time.Second)
		require.NoError(t, err)
		require.NotNil(t, j)
		assert.Equal(t, id, j.ID)
		assert.Equal(t, job.StatusRunning, j.Status)
		assert.Equal(t, 1, j.Attempts)
		assert.Equal(t, "worker-7", j.WorkerID)
		assert.NotNil(t, j.StartedAt)

		stored, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.StatusRunning, stored.Status)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.Pending)
		assert.Equal(t, int64(1), stats.Processing)
	})

	t.Run("claim on empty queue times out with nil", func(t *testing.T) {
		q := newQueue(t)

		start := time.Now()
		j, err := q.Claim(context.Background(), "w1", 100*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, j)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("blocked claim wakes on enqueue", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		got := make(chan *job.Job, 1)
		go func() {
			j, _ := q.Claim(ctx, "w1", 5*time.Second)
			got <- j
		}()

		time.Sleep(50 * time.Millisecond)
		id := enqueue(t, q, "reddit", 0)

		select {
		case j := <-got:
			require.NotNil(t, j)
			assert.Equal(t, id, j.ID)
		case <-time.After(5 * time.Second):
			t.Fatal("claim did not return after enqueue")
		}
	})

	t.Run("ack completes the job", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		id := enqueue(t, q, "reddit", 0)
		claimed := claim(t, q, id)

		require.NoError(t, q.Ack(ctx, id, claimed.Attempts, json.RawMessage(`{"added":3}`)))

		j, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.StatusCompleted, j.Status)
		assert.JSONEq(t, `{"added":3}`, string(j.Result))
		assert.NotNil(t, j.CompletedAt)

		recent, err := q.ListRecent(ctx, 10)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, id, recent[0].ID)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.Processing)
		assert.Equal(t, int64(1), stats.CompletedToday)
	})

	t.Run("ack rejects jobs that are not running", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		id := enqueue(t, q, "reddit", 0)
		err := q.Ack(ctx, id, 0, nil)
		assert.ErrorIs(t, err, job.ErrInvalidTransition)

		err = q.Ack(ctx, "does-not-exist", 1, nil)
		assert.ErrorIs(t, err, job.ErrNotFound)
	})

	t.Run("retries are bounded by max attempts", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		spec := scrapeSpec(t, "reddit", 0)
		spec.MaxAttempts = 2
		id, err := q.Enqueue(ctx, spec)
		require.NoError(t, err)

		claim(t, q, id)
		require.NoError(t, q.Fail(ctx, id, 1, "boom 1", true))

		j, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.StatusPending, j.Status)
		assert.Equal(t, 1, j.Attempts)
		require.NotNil(t, j.ErrorMessage)
		assert.Equal(t, "boom 1", *j.ErrorMessage)

		claim(t, q, id)
		require.NoError(t, q.Fail(ctx, id, 2, "boom 2", true))

		j, err = q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, j.Status)
		assert.Equal(t, 2, j.Attempts)
		assert.Equal(t, "boom 2", *j.ErrorMessage)

		next, err := q.Claim(ctx, "w1", 50*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, next)
	})

	t.Run("permanent failure skips retries", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		id := enqueue(t, q, "reddit", 0)
		claim(t, q, id)
		require.NoError(t, q.Fail(ctx, id, 1, "unknown source", false))

		j, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, j.Status)
		assert.Equal(t, 1, j.Attempts)

		failed, err := q.List(ctx, job.StatusFailed, 10)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, id, failed[0].ID)
	})

	t.Run("retry goes behind waiting jobs of the same priority", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		first := enqueue(t, q, "first", 1)
		second := enqueue(t, q, "second", 1)

		claim(t, q, first)
		require.NoError(t, q.Fail(ctx, first, 1, "flaky", true))

		j := claim(t, q, second)
		assert.Equal(t, second, j.ID)
		j = claim(t, q, first)
		assert.Equal(t, 2, j.Attempts)
	})

	t.Run("cancel", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		pending := enqueue(t, q, "pending", 0)
		running := enqueue(t, q, "running", 5)
		claim(t, q, running)

		ok, err := q.Cancel(ctx, pending)
		require.NoError(t, err)
		assert.True(t, ok)

		j, err := q.Get(ctx, pending)
		require.NoError(t, err)
		assert.Equal(t, job.StatusCancelled, j.Status)

		ok, err = q.Cancel(ctx, pending)
		require.NoError(t, err)
		assert.False(t, ok, "cancelling twice is a no-op")

		ok, err = q.Cancel(ctx, running)
		require.NoError(t, err)
		assert.False(t, ok, "running jobs cannot be cancelled")

		_, err = q.Cancel(ctx, "does-not-exist")
		assert.ErrorIs(t, err, job.ErrNotFound)

		next, err := q.Claim(ctx, "w1", 50*time.Millisecond)
		require.NoError(t, err)
		assert.Nil(t, next, "cancelled jobs are never claimed")

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.Pending)
	})

	t.Run("reclaim stale", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		id := enqueue(t, q, "reddit", 0)
		claim(t, q, id)

		n, err := q.ReclaimStale(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 0, n, "fresh claims are left alone")

		time.Sleep(20 * time.Millisecond)
		n, err = q.ReclaimStale(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		j, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.StatusPending, j.Status)
		assert.Equal(t, 1, j.Attempts)
		require.NotNil(t, j.ErrorMessage)
		assert.Equal(t, queue.ErrReclaimTimeout.Error(), *j.ErrorMessage)

		again := claim(t, q, id)
		assert.Equal(t, 2, again.Attempts)
	})

	t.Run("reclaim on last attempt fails the job", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		spec := scrapeSpec(t, "reddit", 0)
		spec.MaxAttempts = 1
		id, err := q.Enqueue(ctx, spec)
		require.NoError(t, err)
		claim(t, q, id)

		time.Sleep(20 * time.Millisecond)
		n, err := q.ReclaimStale(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		j, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, j.Status)
	})

	t.Run("superseded claim cannot resolve the job", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		id := enqueue(t, q, "reddit", 0)
		first := claim(t, q, id)

		time.Sleep(20 * time.Millisecond)
		n, err := q.ReclaimStale(ctx, 10*time.Millisecond)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		second, err := q.Claim(ctx, "w2", time.Second)
		require.NoError(t, err)
		require.NotNil(t, second)
		require.Equal(t, id, second.ID)

		err = q.Fail(ctx, id, first.Attempts, "late failure from w1", false)
		assert.ErrorIs(t, err, job.ErrStaleClaim)
		assert.ErrorIs(t, err, job.ErrInvalidTransition)
		err = q.Ack(ctx, id, first.Attempts, json.RawMessage(`{}`))
		assert.ErrorIs(t, err, job.ErrStaleClaim)

		j, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.StatusRunning, j.Status)
		assert.Equal(t, "w2", j.WorkerID)

		require.NoError(t, q.Ack(ctx, id, second.Attempts, json.RawMessage(`{"added":1}`)))
		j, err = q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.StatusCompleted, j.Status)
	})

	t.Run("claim skips listed types without reordering them", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		scrape := enqueue(t, q, "reddit", 5)
		spec, err := job.SpecFor(&job.BackupPayload{Kind: job.BackupHourly}, 0)
		require.NoError(t, err)
		backup, err := q.Enqueue(ctx, spec)
		require.NoError(t, err)

		j, err := q.Claim(ctx, "w1", time.Second, job.TypeScrapeSource)
		require.NoError(t, err)
		require.NotNil(t, j)
		assert.Equal(t, backup, j.ID)

		none, err := q.Claim(ctx, "w1", 50*time.Millisecond, job.TypeScrapeSource)
		require.NoError(t, err)
		assert.Nil(t, none)

		pending, err := q.List(ctx, job.StatusPending, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, scrape, pending[0].ID)

		claim(t, q, scrape)
	})

	t.Run("list by status", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		a := enqueue(t, q, "a", 0)
		b := enqueue(t, q, "b", 3)
		c := enqueue(t, q, "c", 0)
		claim(t, q, b)

		pending, err := q.List(ctx, job.StatusPending, 10)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, a, pending[0].ID)
		assert.Equal(t, c, pending[1].ID)

		running, err := q.List(ctx, job.StatusRunning, 10)
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, b, running[0].ID)

		limited, err := q.List(ctx, job.StatusPending, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("concurrent claimers never share a job", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		for i := 0; i < opts.Jobs; i++ {
			enqueue(t, q, "reddit", i%3)
		}

		var (
			mu   sync.Mutex
			seen = make(map[string]int)
			wg   sync.WaitGroup
		)
		for w := 0; w < opts.Claimers; w++ {
			wg.Add(1)
			go func(worker string) {
				defer wg.Done()
				for {
					j, err := q.Claim(ctx, worker, 50*time.Millisecond)
					if err != nil || j == nil {
						return
					}
					mu.Lock()
					seen[j.ID]++
					mu.Unlock()
					if err := q.Ack(ctx, j.ID, j.Attempts, json.RawMessage(`{}`)); err != nil {
						t.Errorf("ack %s: %v", j.ID, err)
					}
				}
			}(fmt.Sprintf("w%d", w))
		}
		wg.Wait()

		assert.Len(t, seen, opts.Jobs)
		for id, n := range seen {
			assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
		}

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.Pending)
		assert.Equal(t, int64(0), stats.Processing)
		assert.Equal(t, int64(opts.Jobs), stats.CompletedToday)
	})
}

func scrapeSpec(t *testing.T, source string, priority int) job.Spec {
	t.Helper()

	spec, err := job.SpecFor(&job.ScrapeSourcePayload{Source: source, Query: "OVH"}, priority)
	require.NoError(t, err)
	return spec
}

func enqueue(t *testing.T, q queue.Queue, source string, priority int) string {
	t.Helper()

	id, err := q.Enqueue(context.Background(), scrapeSpec(t, source, priority))
	require.NoError(t, err)
	return id
}

// claim claims the next job and asserts it is the expected one
func claim(t *testing.T, q queue.Queue, id string) *job.Job {
	t.Helper()

	j, err := q.Claim(context.Background(), "w1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, j)
	require.Equal(t, id, j.ID)
	return j
}
