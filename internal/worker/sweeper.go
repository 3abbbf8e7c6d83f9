package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/phrazzld/feedpulse/internal/queue"
	"github.com/phrazzld/feedpulse/internal/redact"
)

// Sweeper periodically returns jobs whose claim outlived the visibility
// timeout to the queue.
type Sweeper struct {
	queue    queue.Queue
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
}

// NewSweeper creates a sweeper that runs every interval and reclaims jobs
// claimed more than visibilityTimeout ago.
func NewSweeper(q queue.Queue, interval, visibilityTimeout time.Duration, log *slog.Logger) *Sweeper {
	return &Sweeper{
		queue:    q,
		interval: interval,
		timeout:  visibilityTimeout,
		log:      log.With("component", "sweeper"),
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info("starting reclaim sweeper",
		"interval", s.interval.String(),
		"visibility_timeout", s.timeout.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("reclaim sweeper stopped")
			return nil
		case <-ticker.C:
			_, _ = s.Sweep(ctx)
		}
	}
}

// Sweep runs one reclaim pass.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	n, err := s.queue.ReclaimStale(ctx, s.timeout)
	if err != nil {
		s.log.Warn("reclaim sweep failed", "reclaimed", n, "error", redact.Error(err))
		return n, err
	}
	if n > 0 {
		s.log.Warn("reclaimed stale jobs", "reclaimed", n)
	}
	return n, nil
}
