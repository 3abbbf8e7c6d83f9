// Package app wires configuration, logging and the worker runtime shared
// by the feedpulse processes.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/phrazzld/feedpulse/internal/collab"
	"github.com/phrazzld/feedpulse/internal/config"
	"github.com/phrazzld/feedpulse/internal/handlers"
	"github.com/phrazzld/feedpulse/internal/platform/logger"
	"github.com/phrazzld/feedpulse/internal/platform/metrics"
	"github.com/phrazzld/feedpulse/internal/queue"
	"github.com/phrazzld/feedpulse/internal/worker"
	"golang.org/x/sync/errgroup"
)

// Bootstrap loads .env when present, then the configuration (from
// configPath when set), and installs the process logger.
func Bootstrap(configPath string) (*config.Config, *slog.Logger, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(cfg.Server)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logger: %w", err)
	}
	return cfg, log, nil
}

// PoolConfig derives the worker pool settings from cfg.
func PoolConfig(cfg *config.Config) worker.Config {
	pc := worker.DefaultConfig()
	pc.ID = cfg.Worker.ID
	pc.Concurrency = cfg.Worker.Concurrency
	pc.JobTimeout = cfg.Worker.JobTimeout
	pc.BlockTimeout = cfg.Queue.BlockTimeout
	return pc
}

// Worker is a worker pool plus the reclaim sweeper that keeps crashed
// claims moving.
type Worker struct {
	Pool    *worker.Pool
	Sweeper *worker.Sweeper
}

// NewWorker builds the worker runtime for q with every job handler bound
// to the collaborator API from cfg.
func NewWorker(cfg *config.Config, q queue.Queue, log *slog.Logger, m *metrics.Metrics) (*Worker, error) {
	client, err := collab.New(cfg.Collab)
	if err != nil {
		return nil, fmt.Errorf("failed to create collaborator client: %w", err)
	}

	registry := worker.NewRegistry()
	handlers.New(handlers.Deps{
		Connectors:   client,
		Pipeline:     client,
		Posts:        client,
		Backups:      client,
		Cleanup:      client,
		Queue:        q,
		DefaultQuery: cfg.Scheduler.AutoScrapeQuery,
		DefaultLimit: cfg.Scheduler.AutoScrapeLimit,
	}).Register(registry, cfg.Worker.SlotCaps)

	return &Worker{
		Pool:    worker.NewPool(q, registry, PoolConfig(cfg), log, m),
		Sweeper: worker.NewSweeper(q, cfg.Queue.ReclaimInterval, cfg.Queue.VisibilityTimeout, log),
	}, nil
}

// Run runs the pool and the sweeper until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Pool.Run(ctx) })
	g.Go(func() error { return w.Sweeper.Run(ctx) })
	return g.Wait()
}
