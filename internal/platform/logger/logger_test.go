package logger_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/phrazzld/feedpulse/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		want  slog.Level
		known bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{"Warn", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"verbose", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
	}
	for _, tt := range tests {
		level, ok := logger.ParseLevel(tt.name)
		assert.Equal(t, tt.want, level, tt.name)
		assert.Equal(t, tt.known, ok, tt.name)
	}
}

func TestBufferLogger(t *testing.T) {
	t.Parallel()

	log, buf := logger.NewBufferLogger()
	log.Info("queue selected", "backend", "redis")
	log.Warn("falling back", "backend", "memory")
	log.Warn("again")

	entries, err := buf.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "queue selected", entries[0]["msg"])
	assert.Equal(t, "redis", entries[0]["backend"])

	assert.Equal(t, 1, buf.Count(slog.LevelInfo))
	assert.Equal(t, 2, buf.Count(slog.LevelWarn))
	assert.Equal(t, 0, buf.Count(slog.LevelError))
}

func TestNewRespectsLevel(t *testing.T) {
	t.Parallel()

	buf := &logger.Buffer{}
	log := logger.New(buf, slog.LevelWarn)
	log.Info("hidden")
	log.Error("shown")

	assert.Equal(t, 0, buf.Count(slog.LevelInfo))
	assert.Equal(t, 1, buf.Count(slog.LevelError))
}

func TestContextLogger(t *testing.T) {
	t.Parallel()

	def := slog.New(slog.NewTextHandler(io.Discard, nil))
	custom := slog.New(slog.NewTextHandler(io.Discard, nil))

	assert.Same(t, def, logger.FromContextOrDefault(nil, def))
	assert.Same(t, def, logger.FromContextOrDefault(context.Background(), def))

	ctx := logger.WithLogger(context.Background(), custom)
	assert.Same(t, custom, logger.FromContextOrDefault(ctx, def))
	assert.Same(t, custom, logger.FromContext(ctx))

	assert.Panics(t, func() {
		logger.WithLogger(context.Background(), nil)
	})
}
