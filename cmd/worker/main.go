// Package main runs a feedpulse worker process: a pool of slots claiming
// jobs from the shared queue, plus the reclaim sweeper.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phrazzld/feedpulse/internal/app"
	"github.com/phrazzld/feedpulse/internal/backend"
	"github.com/phrazzld/feedpulse/internal/platform/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to a config file")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9091")
	flag.Parse()

	if err := run(*configPath, *metricsAddr); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, metricsAddr string) error {
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

	if q.Name() == "memory" {
		log.Warn("worker bound to the in-memory queue, it will only see jobs it produces itself")
	}

	w, err := app.NewWorker(cfg, q, log, m)
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	return w.Run(ctx)
}
