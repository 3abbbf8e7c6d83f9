package queue_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/feedpulse/internal/job"
	"github.com/phrazzld/feedpulse/internal/queue"
	"github.com/phrazzld/feedpulse/internal/queue/queuetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryContract(t *testing.T) {
	t.Parallel()

	queuetest.Run(t, func(t *testing.T) queue.Queue {
		q := queue.NewMemory(queue.MemoryConfig{})
		t.Cleanup(func() { _ = q.Close() })
		return q
	}, queuetest.Options{})
}

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func scrapeSpec(t *testing.T) job.Spec {
	t.Helper()

	spec, err := job.SpecFor(&job.ScrapeSourcePayload{Source: "reddit", Query: "OVH"}, 0)
	require.NoError(t, err)
	return spec
}

func TestMemoryReclaimStale(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	q := queue.NewMemory(queue.MemoryConfig{Now: clock.Now})

	id, err := q.Enqueue(ctx, scrapeSpec(t))
	require.NoError(t, err)
	j, err := q.Claim(ctx, "w1", 0)
	require.NoError(t, err)
	require.NotNil(t, j)

	clock.Advance(29*time.Minute + 59*time.Second)
	n, err := q.ReclaimStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "not reclaimed before the timeout")

	clock.Advance(time.Second)
	n, err = q.ReclaimStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "reclaimed once the timeout has elapsed")

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)

	// The original worker finishing late loses the race.
	err = q.Ack(ctx, id, j.Attempts, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, job.ErrInvalidTransition)
}

func TestMemoryHistoryIsBounded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := queue.NewMemory(queue.MemoryConfig{})

	const extra = 25
	total := queue.DefaultHistorySize + extra
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		id, err := q.Enqueue(ctx, scrapeSpec(t))
		require.NoError(t, err)
		ids = append(ids, id)

		j, err := q.Claim(ctx, "w1", 0)
		require.NoError(t, err)
		require.NotNil(t, j)
		require.NoError(t, q.Ack(ctx, j.ID, j.Attempts, json.RawMessage(`{}`)))
	}

	recent, err := q.ListRecent(ctx, total)
	require.NoError(t, err)
	assert.Len(t, recent, queue.DefaultHistorySize)
	assert.Equal(t, ids[total-1], recent[0].ID, "most recent first")

	for _, id := range ids[:extra] {
		_, err := q.Get(ctx, id)
		assert.ErrorIs(t, err, job.ErrNotFound, "evicted jobs are forgotten")
	}
	_, err = q.Get(ctx, ids[extra])
	assert.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(total), stats.CompletedToday)
}

func TestMemoryCompletedTodayRollsOver(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)}
	q := queue.NewMemory(queue.MemoryConfig{Now: clock.Now})

	_, err := q.Enqueue(ctx, scrapeSpec(t))
	require.NoError(t, err)
	j, err := q.Claim(ctx, "w1", 0)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, j.ID, j.Attempts, nil))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.CompletedToday)

	clock.Advance(2 * time.Minute)
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.CompletedToday)
}

func TestMemoryClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := queue.NewMemory(queue.MemoryConfig{})

	done := make(chan error, 1)
	go func() {
		_, err := q.Claim(ctx, "w1", 10*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, queue.ErrQueueUnavailable)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked claim survived Close")
	}

	_, err := q.Enqueue(ctx, scrapeSpec(t))
	assert.ErrorIs(t, err, queue.ErrQueueUnavailable)
	assert.ErrorIs(t, q.Ping(ctx), queue.ErrQueueUnavailable)
}

func TestClampLimit(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1000, queue.ClampLimit(0, 1000))
	assert.Equal(t, 10, queue.ClampLimit(10, 1000))
	assert.Equal(t, 1000, queue.ClampLimit(5000, 1000))
}
