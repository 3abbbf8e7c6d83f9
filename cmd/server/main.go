// Package main runs the feedpulse API server: the producer HTTP API over
// the job queue, with an optional embedded worker pool.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/phrazzld/feedpulse/internal/app"
	"github.com/phrazzld/feedpulse/internal/backend"
	"github.com/phrazzld/feedpulse/internal/platform/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (default: ./feedpulse.yaml or /etc/feedpulse/feedpulse.yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, log, err := app.Bootstrap(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	q, err := backend.Open(ctx, cfg.Queue, log, m)
	if err != nil {
		return fmt.Errorf("failed to open queue: %w", err)
	}
	defer func() {
		if err := q.Close(); err != nil {
			log.Error("failed to close queue", "error", err)
		}
	}()

	application, err := newApplication(cfg, log, q, m)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.Port, err)
	}
	return application.serve(ctx, ln)
}
