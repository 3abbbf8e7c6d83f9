package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/feedpulse/internal/platform/logger"
)

// RequestLogger logs one line per request with its status and duration.
// It must run after the trace middleware.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		log := logger.FromContext(r.Context())
		msg := "request completed"
		if status >= http.StatusInternalServerError {
			log.Warn(msg, "method", r.Method, "path", r.URL.Path, "status", status,
				"bytes", ww.BytesWritten(), "duration_ms", time.Since(start).Milliseconds())
			return
		}
		log.Info(msg, "method", r.Method, "path", r.URL.Path, "status", status,
			"bytes", ww.BytesWritten(), "duration_ms", time.Since(start).Milliseconds())
	})
}
