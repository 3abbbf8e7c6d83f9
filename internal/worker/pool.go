package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/phrazzld/feedpulse/internal/job"
	"github.com/phrazzld/feedpulse/internal/platform/logger"
	"github.com/phrazzld/feedpulse/internal/platform/metrics"
	"github.com/phrazzld/feedpulse/internal/queue"
	"github.com/phrazzld/feedpulse/internal/redact"
	"golang.org/x/sync/errgroup"
)

// Config holds configuration for the worker pool
type Config struct {
	// ID prefixes the worker id recorded on every claimed job. Defaults to
	// hostname-pid.
	ID string

	// Concurrency is the number of slots claiming jobs in parallel.
	Concurrency int

	// BlockTimeout bounds each Claim call.
	BlockTimeout time.Duration

	// JobTimeout bounds each handler run. It must stay below the queue's
	// visibility timeout or running jobs get reclaimed.
	JobTimeout time.Duration

	// ResolveTimeout bounds the Ack or Fail that follows a handler run,
	// which still happens during shutdown.
	ResolveTimeout time.Duration

	// UnavailableBackoff is the pause after a failed Claim.
	UnavailableBackoff time.Duration
}

// DefaultConfig returns a Config with the service defaults
func DefaultConfig() Config {
	return Config{
		Concurrency:        2,
		BlockTimeout:       5 * time.Second,
		JobTimeout:         20 * time.Minute,
		ResolveTimeout:     5 * time.Second,
		UnavailableBackoff: time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		c.ID = host + "-" + strconv.Itoa(os.Getpid())
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = d.BlockTimeout
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = d.JobTimeout
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = d.ResolveTimeout
	}
	if c.UnavailableBackoff <= 0 {
		c.UnavailableBackoff = d.UnavailableBackoff
	}
	return c
}

// Pool claims jobs and runs them through the registry
type Pool struct {
	queue    queue.Queue
	registry *Registry
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewPool creates a pool. m may be nil.
func NewPool(q queue.Queue, r *Registry, cfg Config, log *slog.Logger, m *metrics.Metrics) *Pool {
	return &Pool{
		queue:    q,
		registry: r,
		cfg:      cfg.withDefaults(),
		log:      log.With("component", "worker"),
		metrics:  m,
	}
}

// Run processes jobs until ctx is cancelled. A job in flight at
// cancellation sees its context cancelled and is still resolved before
// Run returns.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("starting worker pool",
		"worker_id", p.cfg.ID,
		"concurrency", p.cfg.Concurrency,
		"backend", p.queue.Name(),
		"job_types", p.registry.Types())

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", p.cfg.ID, i)
		g.Go(func() error {
			p.slot(ctx, workerID)
			return nil
		})
	}
	err := g.Wait()

	p.log.Info("worker pool stopped", "worker_id", p.cfg.ID)
	return err
}

func (p *Pool) slot(ctx context.Context, workerID string) {
	log := p.log.With("worker_id", workerID)
	log.Debug("starting worker slot")

	for ctx.Err() == nil {
		// Slots for capped types are taken before claiming so the visibility
		// clock of a claimed job only runs while its handler can run.
		res := p.registry.reserve()
		j, err := p.queue.Claim(ctx, workerID, p.cfg.BlockTimeout, res.full...)
		if err != nil {
			res.release()
			if ctx.Err() != nil {
				break
			}
			log.Warn("failed to claim job", "error", redact.Error(err))
			sleep(ctx, p.cfg.UnavailableBackoff)
			continue
		}
		if j == nil {
			res.release()
			continue
		}

		done := res.keep(j.Type)
		p.Process(ctx, workerID, j)
		done()
	}

	log.Debug("stopping worker slot")
}

// Process runs a claimed job and resolves it with Ack or Fail, fenced on
// the attempt it was claimed under. Per-type caps are enforced when
// claiming, not here.
func (p *Pool) Process(ctx context.Context, workerID string, j *job.Job) {
	log := p.log.With(
		"worker_id", workerID,
		"job_id", j.ID,
		"job_type", j.Type,
		"attempt", j.Attempts,
		"max_attempts", j.MaxAttempts)

	start := time.Now()
	result, err := p.execute(ctx, log, j)
	elapsed := time.Since(start)

	var raw json.RawMessage
	if err == nil && result != nil {
		if raw, err = json.Marshal(result); err != nil {
			err = Permanent(fmt.Errorf("failed to encode result: %w", err))
		}
	}

	// Resolve even when ctx is already cancelled for shutdown.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ResolveTimeout)
	defer cancel()

	if err == nil {
		p.observe(j.Type, "completed", elapsed)
		if ackErr := p.queue.Ack(rctx, j.ID, j.Attempts, raw); ackErr != nil {
			p.resolveFailed(log, "ack", ackErr)
			return
		}
		if p.metrics != nil {
			p.metrics.Completed.WithLabelValues(string(j.Type)).Inc()
		}
		log.Info("job completed", "duration_ms", elapsed.Milliseconds())
		return
	}

	retry := j.Attempts < j.MaxAttempts && !IsPermanent(err)
	msg := redact.Error(err)
	p.observe(j.Type, "failed", elapsed)
	if failErr := p.queue.Fail(rctx, j.ID, j.Attempts, msg, retry); failErr != nil {
		p.resolveFailed(log, "fail", failErr)
		return
	}
	if p.metrics != nil {
		p.metrics.Failed.WithLabelValues(string(j.Type), strconv.FormatBool(retry)).Inc()
	}

	if retry {
		log.Warn("job failed, will retry", "error", msg, "duration_ms", elapsed.Milliseconds())
	} else {
		log.Error("job failed permanently", "error", msg, "duration_ms", elapsed.Milliseconds())
	}
}

// execute runs the handler under the job timeout, converting panics into
// a HandlerError.
func (p *Pool) execute(ctx context.Context, log *slog.Logger, j *job.Job) (result any, err error) {
	h, ok := p.registry.lookup(j.Type)
	if !ok {
		return nil, Permanent(fmt.Errorf("%w: %s", ErrNoHandler, j.Type))
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()
	ctx = logger.WithLogger(ctx, log)

	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", "panic", r, "stack", string(debug.Stack()))
			result = nil
			err = &HandlerError{JobID: j.ID, Type: j.Type, Err: fmt.Errorf("panic: %v", r), Panic: r}
		}
	}()

	log.Debug("running job")
	result, err = h.Handle(ctx, j)
	if err != nil {
		return nil, &HandlerError{JobID: j.ID, Type: j.Type, Err: err}
	}
	return result, nil
}

func (p *Pool) resolveFailed(log *slog.Logger, op string, err error) {
	if errors.Is(err, job.ErrInvalidTransition) || errors.Is(err, job.ErrNotFound) {
		// The job was reclaimed, and possibly claimed again elsewhere.
		log.Warn("job resolved elsewhere, discarding outcome", "op", op, "error", err)
		return
	}
	log.Error("failed to resolve job", "op", op, "error", redact.Error(err))
}

func (p *Pool) observe(t job.Type, outcome string, elapsed time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.HandlerDuration.WithLabelValues(string(t), outcome).Observe(elapsed.Seconds())
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
