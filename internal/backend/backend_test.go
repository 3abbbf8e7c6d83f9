package backend_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/phrazzld/feedpulse/internal/backend"
	"github.com/phrazzld/feedpulse/internal/config"
	"github.com/phrazzld/feedpulse/internal/job"
	"github.com/phrazzld/feedpulse/internal/platform/logger"
	"github.com/phrazzld/feedpulse/internal/platform/metrics"
	"github.com/phrazzld/feedpulse/internal/queue"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queueConfig(url string) config.QueueConfig {
	return config.QueueConfig{
		URL:          url,
		Fallback:     true,
		KeyPrefix:    "feedpulse:",
		HistorySize:  1000,
		OpTimeout:    100 * time.Millisecond,
		RetryBackoff: 10 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}
}

func cleanupSpec(t *testing.T) job.Spec {
	t.Helper()

	spec, err := job.SpecFor(&job.CleanupPayload{}, 0)
	require.NoError(t, err)
	return spec
}

func TestOpenWithoutURLUsesMemory(t *testing.T) {
	t.Parallel()

	log, buf := logger.NewBufferLogger()
	q, err := backend.Open(context.Background(), queueConfig(""), log, nil)
	require.NoError(t, err)
	defer q.Close()

	assert.Equal(t, "memory", q.Name())
	assert.Equal(t, 0, buf.Count(slog.LevelWarn))
}

func TestOpenRedis(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	log, buf := logger.NewBufferLogger()
	m := metrics.New()

	q, err := backend.Open(context.Background(), queueConfig("redis://"+mr.Addr()+"/0"), log, m)
	require.NoError(t, err)
	defer q.Close()

	assert.Equal(t, "redis", q.Name())
	assert.Equal(t, 0, buf.Count(slog.LevelWarn))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.FallbackActive))

	_, err = q.Enqueue(context.Background(), cleanupSpec(t))
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Enqueued.WithLabelValues(string(job.TypeCleanup))))
}

func TestOpenFallsBackWithExactlyOneWarning(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	log, buf := logger.NewBufferLogger()
	m := metrics.New()

	q, err := backend.Open(ctx, queueConfig("redis://:hunter2@127.0.0.1:1/0"), log, m)
	require.NoError(t, err)
	defer q.Close()

	assert.Equal(t, "memory", q.Name())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FallbackActive))

	// The bound queue keeps working and is never re-probed.
	for i := 0; i < 10; i++ {
		id, err := q.Enqueue(ctx, cleanupSpec(t))
		require.NoError(t, err)
		_, err = q.Get(ctx, id)
		require.NoError(t, err)
	}
	_, err = q.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, buf.Count(slog.LevelWarn))
	assert.NotContains(t, buf.String(), "hunter2")
}

func TestOpenWithoutFallbackFails(t *testing.T) {
	t.Parallel()

	cfg := queueConfig("redis://127.0.0.1:1/0")
	cfg.Fallback = false

	log, buf := logger.NewBufferLogger()
	_, err := backend.Open(context.Background(), cfg, log, nil)
	assert.ErrorIs(t, err, queue.ErrQueueUnavailable)
	assert.Equal(t, 0, buf.Count(slog.LevelWarn))
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	t.Parallel()

	log, _ := logger.NewBufferLogger()
	_, err := backend.Open(context.Background(), queueConfig("amqp://localhost"), log, nil)
	assert.ErrorIs(t, err, backend.ErrUnsupportedBackend)
}
