package worker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/feedpulse/internal/job"
	"github.com/phrazzld/feedpulse/internal/queue"
	"github.com/phrazzld/feedpulse/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestSweeperReclaimsAfterVisibilityTimeout(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	q := queue.NewMemory(queue.MemoryConfig{Now: clock.Now})
	s := worker.NewSweeper(q, time.Minute, 30*time.Minute, discardLogger())
	ctx := context.Background()

	id := enqueue(t, q, scrape, 3)
	claimed, err := q.Claim(ctx, "crashed", 0)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	clock.Advance(29 * time.Minute)
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.Advance(2 * time.Minute)
	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	j, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, j.Status)
	require.NotNil(t, j.ErrorMessage)
	assert.Equal(t, queue.ErrReclaimTimeout.Error(), *j.ErrorMessage)
}

func TestSweeperRunStopsWithContext(t *testing.T) {
	t.Parallel()

	q := queue.NewMemory(queue.MemoryConfig{})
	s := worker.NewSweeper(q, 5*time.Millisecond, time.Millisecond, discardLogger())

	id := enqueue(t, q, scrape, 3)
	_, err := q.Claim(context.Background(), "crashed", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitForStatus(t, q, id, job.StatusPending)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
