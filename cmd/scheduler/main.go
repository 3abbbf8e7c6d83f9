// Package main runs the feedpulse scheduler, which enqueues the periodic
// auto-scrape, backup and cleanup jobs. It never executes jobs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/phrazzld/feedpulse/internal/app"
	"github.com/phrazzld/feedpulse/internal/backend"
	"github.com/phrazzld/feedpulse/internal/scheduler"
)

func main() {
	configPath := flag.String("config", "", "path to a config file")
	runNow := flag.Bool("run-now", false, "enqueue every scheduled job once at startup")
	once := flag.Bool("once", false, "with -run-now, exit after enqueueing instead of staying scheduled")
	flag.Parse()

	if err := run(*configPath, *runNow, *once); err != nil {
		slog.Error("scheduler failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, runNow, once bool) error {
	cfg, log, err := app.Bootstrap(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q, err := backend.Open(ctx, cfg.Queue, log, nil)
	if err != nil {
		return fmt.Errorf("failed to open queue: %w", err)
	}
	defer func() {
		if err := q.Close(); err != nil {
			log.Error("failed to close queue", "error", err)
		}
	}()

	if q.Name() == "memory" {
		log.Warn("scheduler bound to the in-memory queue, no worker process will see its jobs")
	}

	s, err := scheduler.New(q, scheduler.Table(cfg.Scheduler), log)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	if runNow {
		ids, err := s.RunAll(ctx)
		if err != nil {
			return fmt.Errorf("failed to enqueue scheduled jobs: %w", err)
		}
		log.Info("enqueued scheduled jobs", "count", len(ids))
		if once {
			return nil
		}
	}

	s.Start(ctx)
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	s.Stop(stopCtx)
	return nil
}
