package scheduler_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/phrazzld/feedpulse/internal/config"
	"github.com/phrazzld/feedpulse/internal/job"
	"github.com/phrazzld/feedpulse/internal/queue"
	"github.com/phrazzld/feedpulse/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultSchedule() config.SchedulerConfig {
	return config.SchedulerConfig{
		AutoScrapeInterval:   3 * time.Hour,
		BackupHourlyInterval: time.Hour,
		BackupDailyInterval:  24 * time.Hour,
		CleanupInterval:      24 * time.Hour,
	}
}

func TestTable(t *testing.T) {
	t.Parallel()

	entries := scheduler.Table(defaultSchedule())
	require.Len(t, entries, 4)

	byName := make(map[string]scheduler.Entry)
	for _, e := range entries {
		byName[e.Name] = e
	}
	assert.Equal(t, 1, byName["auto_scrape"].Priority)
	assert.Equal(t, 3*time.Hour, byName["auto_scrape"].Interval)
	assert.Equal(t, &job.BackupPayload{Kind: job.BackupHourly}, byName["backup_hourly"].Payload)
	assert.Equal(t, &job.BackupPayload{Kind: job.BackupDaily}, byName["backup_daily"].Payload)
	assert.Equal(t, 2, byName["backup_daily"].Priority)
	assert.Equal(t, 0, byName["cleanup"].Priority)

	cfg := defaultSchedule()
	cfg.BackupHourlyInterval = 0
	cfg.CleanupInterval = 0
	names := make([]string, 0)
	for _, e := range scheduler.Table(cfg) {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"auto_scrape", "backup_daily"}, names)
}

func TestRunOnceOnlyEnqueues(t *testing.T) {
	t.Parallel()

	q := queue.NewMemory(queue.MemoryConfig{})
	s, err := scheduler.New(q, scheduler.Table(defaultSchedule()), discardLogger())
	require.NoError(t, err)
	ctx := context.Background()

	id, err := s.RunOnce(ctx, "backup_hourly")
	require.NoError(t, err)

	j, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.TypeBackup, j.Type)
	assert.Equal(t, job.StatusPending, j.Status)
	assert.Equal(t, 2, j.Priority)
	assert.JSONEq(t, `{"kind":"hourly"}`, string(j.Payload))

	_, err = s.RunOnce(ctx, "reindex")
	assert.ErrorIs(t, err, scheduler.ErrUnknownEntry)
}

func TestRunAll(t *testing.T) {
	t.Parallel()

	q := queue.NewMemory(queue.MemoryConfig{})
	s, err := scheduler.New(q, scheduler.Table(defaultSchedule()), discardLogger())
	require.NoError(t, err)

	ids, err := s.RunAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, ids, 4)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Pending)

	// Highest priority first: the two backups, then auto_scrape, then cleanup.
	pending, err := q.List(context.Background(), job.StatusPending, 10)
	require.NoError(t, err)
	types := make([]job.Type, 0, len(pending))
	for _, j := range pending {
		types = append(types, j.Type)
	}
	assert.Equal(t, []job.Type{job.TypeBackup, job.TypeBackup, job.TypeAutoScrape, job.TypeCleanup}, types)
}

func TestEnqueueErrorIsReported(t *testing.T) {
	t.Parallel()

	q := queue.NewMemory(queue.MemoryConfig{})
	require.NoError(t, q.Close())

	s, err := scheduler.New(q, scheduler.Table(defaultSchedule()), discardLogger())
	require.NoError(t, err)

	_, err = s.RunOnce(context.Background(), "cleanup")
	assert.ErrorIs(t, err, queue.ErrQueueUnavailable)
}

func TestNewRejectsBadEntries(t *testing.T) {
	t.Parallel()

	q := queue.NewMemory(queue.MemoryConfig{})

	_, err := scheduler.New(q, []scheduler.Entry{{Name: "cleanup", Payload: &job.CleanupPayload{}}}, discardLogger())
	assert.Error(t, err)

	dup := scheduler.Entry{Name: "cleanup", Interval: time.Hour, Payload: &job.CleanupPayload{}}
	_, err = scheduler.New(q, []scheduler.Entry{dup, dup}, discardLogger())
	assert.Error(t, err)
}

func TestStartFiresEntries(t *testing.T) {
	t.Parallel()

	q := queue.NewMemory(queue.MemoryConfig{})
	s, err := scheduler.New(q, []scheduler.Entry{
		{Name: "cleanup", Interval: time.Second, Payload: &job.CleanupPayload{}},
	}, discardLogger())
	require.NoError(t, err)

	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx)

	infos := s.Entries()
	require.Len(t, infos, 1)
	assert.Equal(t, "cleanup", infos[0].Name)
	assert.False(t, infos[0].Next.IsZero())

	require.Eventually(t, func() bool {
		stats, err := q.Stats(ctx)
		return err == nil && stats.Pending >= 1
	}, 5*time.Second, 20*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	s.Stop(stopCtx)
	s.Stop(stopCtx)
}
