package guard_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phrazzld/feedpulse/internal/platform/guard"
	"github.com/phrazzld/feedpulse/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = guard.Policy{
	Timeout: 50 * time.Millisecond,
	Retries: 1,
	Backoff: time.Millisecond,
}

func TestCall(t *testing.T) {
	t.Parallel()

	t.Run("success on first attempt", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		err := guard.Call(context.Background(), fast, func(ctx context.Context) error {
			calls.Add(1)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("transient failure is retried once", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		err := guard.Call(context.Background(), fast, func(ctx context.Context) error {
			if calls.Add(1) == 1 {
				return context.DeadlineExceeded
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("hung backend becomes unavailable", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		start := time.Now()
		err := guard.Call(context.Background(), fast, func(ctx context.Context) error {
			calls.Add(1)
			<-ctx.Done()
			return ctx.Err()
		})
		assert.ErrorIs(t, err, queue.ErrQueueUnavailable)
		assert.Equal(t, int32(2), calls.Load())
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("logical errors are not retried", func(t *testing.T) {
		t.Parallel()

		boom := errors.New("constraint violated")
		var calls atomic.Int32
		err := guard.Call(context.Background(), fast, func(ctx context.Context) error {
			calls.Add(1)
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, queue.ErrQueueUnavailable)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("cancelled caller is not reported as unavailable", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := guard.Call(ctx, fast, func(ctx context.Context) error {
			return ctx.Err()
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, queue.ErrQueueUnavailable)
	})
}

func TestValue(t *testing.T) {
	t.Parallel()

	n, err := guard.Value(context.Background(), fast, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	assert.False(t, guard.IsTransient(nil))
	assert.False(t, guard.IsTransient(errors.New("bad input")))
	assert.True(t, guard.IsTransient(context.DeadlineExceeded))
	assert.True(t, guard.IsTransient(queue.ErrQueueUnavailable))
}
