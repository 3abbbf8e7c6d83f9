package api

import (
	"context"
	"net/http"
	"time"

	"github.com/phrazzld/feedpulse/internal/api/shared"
	"github.com/phrazzld/feedpulse/internal/platform/logger"
	"github.com/phrazzld/feedpulse/internal/queue"
	"github.com/phrazzld/feedpulse/internal/redact"
)

const healthTimeout = 2 * time.Second

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
}

// HealthHandler returns a handler reporting whether the bound queue
// backend answers a ping. It never switches backends.
func HealthHandler(q queue.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		if err := q.Ping(ctx); err != nil {
			logger.FromContext(r.Context()).Warn("health check failed",
				"backend", q.Name(),
				"error", redact.Error(err))
			shared.RespondWithJSON(w, r, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Backend: q.Name()})
			return
		}
		shared.RespondWithJSON(w, r, http.StatusOK, HealthResponse{Status: "ok", Backend: q.Name()})
	}
}
