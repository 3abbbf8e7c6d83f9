package main

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/phrazzld/feedpulse/internal/api"
	"github.com/phrazzld/feedpulse/internal/app"
	"github.com/phrazzld/feedpulse/internal/config"
	"github.com/phrazzld/feedpulse/internal/platform/metrics"
	"github.com/phrazzld/feedpulse/internal/queue"
)

// application holds the dependencies of the server process.
type application struct {
	config  *config.Config
	logger  *slog.Logger
	queue   queue.Queue
	metrics *metrics.Metrics

	// worker is nil unless worker.embedded is set.
	worker *app.Worker
}

func newApplication(cfg *config.Config, log *slog.Logger, q queue.Queue, m *metrics.Metrics) (*application, error) {
	a := &application{
		config:  cfg,
		logger:  log,
		queue:   q,
		metrics: m,
	}

	if cfg.Worker.Embedded {
		w, err := app.NewWorker(cfg, q, log, m)
		if err != nil {
			return nil, fmt.Errorf("failed to set up embedded worker: %w", err)
		}
		a.worker = w
		log.Info("embedded worker enabled", "concurrency", cfg.Worker.Concurrency)
	} else if q.Name() == "memory" {
		log.Warn("in-memory queue without an embedded worker, jobs only run if worker.embedded is set",
			"backend", q.Name())
	}

	return a, nil
}

func (a *application) router() http.Handler {
	return api.NewRouter(api.RouterConfig{
		Queue:       a.queue,
		HistorySize: a.config.Queue.HistorySize,
		Logger:      a.logger,
		Metrics:     a.metrics,
		JWTSecret:   a.config.Auth.JWTSecret,
	})
}
