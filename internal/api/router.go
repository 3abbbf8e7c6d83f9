package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	apiMiddleware "github.com/phrazzld/feedpulse/internal/api/middleware"
	"github.com/phrazzld/feedpulse/internal/platform/metrics"
	"github.com/phrazzld/feedpulse/internal/queue"
)

// RouterConfig holds the dependencies of the HTTP API
type RouterConfig struct {
	Queue       queue.Queue
	HistorySize int
	Logger      *slog.Logger

	// Metrics enables GET /metrics when set.
	Metrics *metrics.Metrics

	// JWTSecret enables bearer authentication on /jobs when set.
	JWTSecret string
}

// NewRouter builds the chi router serving the producer API.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(apiMiddleware.NewTraceMiddleware(cfg.Logger))
	r.Use(apiMiddleware.RequestLogger)
	r.Use(chimw.Recoverer)

	jobs := NewJobHandler(cfg.Queue, cfg.HistorySize)

	r.Route("/jobs", func(r chi.Router) {
		if cfg.JWTSecret != "" {
			r.Use(apiMiddleware.NewAuthMiddleware(cfg.JWTSecret).Authenticate)
		}
		r.Post("/", jobs.CreateJob)
		r.Get("/", jobs.ListJobs)
		r.Get("/status", jobs.QueueStatus)
		r.Get("/{id}", jobs.GetJob)
		r.Delete("/{id}", jobs.CancelJob)
	})

	r.Get("/health", HealthHandler(cfg.Queue))
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	return r
}
