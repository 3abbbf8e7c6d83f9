package middleware

import (
	"log/slog"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/feedpulse/internal/api/shared"
	"github.com/phrazzld/feedpulse/internal/platform/logger"
)

// TraceHeader carries the trace ID back to the client
const TraceHeader = "X-Trace-ID"

// NewTraceMiddleware tags every request with a trace ID and stores a
// request-scoped logger carrying it in the context.
func NewTraceMiddleware(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := shared.NewTraceID()
			ctx := shared.WithTraceID(r.Context(), traceID)

			reqLog := log.With("trace_id", traceID)
			if reqID := chimw.GetReqID(ctx); reqID != "" {
				reqLog = reqLog.With("request_id", reqID)
			}
			ctx = logger.WithLogger(ctx, reqLog)

			w.Header().Set(TraceHeader, traceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
