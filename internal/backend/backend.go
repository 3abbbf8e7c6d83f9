// Package backend selects the queue implementation for a process. The
// choice is made once at startup: a durable backend that fails its single
// health check is replaced by the in-memory queue for the life of the
// process, and is never probed again.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/phrazzld/feedpulse/internal/config"
	"github.com/phrazzld/feedpulse/internal/platform/guard"
	"github.com/phrazzld/feedpulse/internal/platform/metrics"
	"github.com/phrazzld/feedpulse/internal/platform/postgres"
	"github.com/phrazzld/feedpulse/internal/platform/redis"
	"github.com/phrazzld/feedpulse/internal/queue"
	"github.com/phrazzld/feedpulse/internal/redact"
)

// ErrUnsupportedBackend is returned for queue URLs with an unknown scheme
var ErrUnsupportedBackend = errors.New("unsupported queue backend")

// preparer is implemented by backends that need setup after the health
// check, such as schema migrations.
type preparer interface {
	Prepare(ctx context.Context) error
}

// Open returns the queue this process will use for its whole lifetime.
// When m is not nil the queue is instrumented with it.
func Open(ctx context.Context, cfg config.QueueConfig, log *slog.Logger, m *metrics.Metrics) (queue.Queue, error) {
	log = log.With("component", "queue")

	q, err := open(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return q, nil
	}
	if q.Name() == "memory" && cfg.URL != "" {
		m.FallbackActive.Set(1)
	}
	return queue.Instrument(q, m), nil
}

func open(ctx context.Context, cfg config.QueueConfig, log *slog.Logger) (queue.Queue, error) {
	if cfg.URL == "" {
		log.Info("no queue url configured, using in-memory queue")
		return newMemory(cfg), nil
	}

	durable, err := newDurable(cfg, log)
	if err != nil {
		return nil, err
	}

	err = durable.Ping(ctx)
	if p, ok := durable.(preparer); ok && err == nil {
		err = p.Prepare(ctx)
	}
	if err == nil {
		log.Info("queue backend selected",
			"backend", durable.Name(),
			"url", redact.URL(cfg.URL))
		return durable, nil
	}

	_ = durable.Close()
	if !cfg.Fallback {
		if !errors.Is(err, queue.ErrQueueUnavailable) {
			err = fmt.Errorf("%w: %v", queue.ErrQueueUnavailable, err)
		}
		return nil, fmt.Errorf("%s queue health check failed: %w", durable.Name(), err)
	}

	log.Warn("durable queue unavailable, falling back to in-memory queue for this process",
		"backend", durable.Name(),
		"url", redact.URL(cfg.URL),
		"error", redact.Error(err))
	return newMemory(cfg), nil
}

func newMemory(cfg config.QueueConfig) *queue.Memory {
	return queue.NewMemory(queue.MemoryConfig{HistorySize: cfg.HistorySize})
}

func newDurable(cfg config.QueueConfig, log *slog.Logger) (queue.Queue, error) {
	policy := guard.Policy{
		Timeout: cfg.OpTimeout,
		Retries: 1,
		Backoff: cfg.RetryBackoff,
	}

	scheme, _, _ := strings.Cut(cfg.URL, "://")
	switch scheme {
	case "redis", "rediss":
		client, err := redis.NewClient(cfg.URL, cfg.OpTimeout)
		if err != nil {
			return nil, err
		}
		return redis.New(client, redis.Config{
			KeyPrefix:    cfg.KeyPrefix,
			HistorySize:  cfg.HistorySize,
			PollInterval: cfg.PollInterval,
			Policy:       policy,
		}), nil
	case "postgres", "postgresql":
		policy.Transient = postgres.IsTransient
		return postgres.Open(cfg.URL, postgres.Config{
			HistorySize:  cfg.HistorySize,
			PollInterval: cfg.PollInterval,
			Policy:       policy,
			Logger:       log,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, scheme)
	}
}
