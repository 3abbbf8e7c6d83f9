package shared

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/phrazzld/feedpulse/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondWithJSON(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	w := httptest.NewRecorder()
	RespondWithJSON(w, req, http.StatusCreated, map[string]string{"job_id": "abc"})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"job_id":"abc"}`, w.Body.String())
}

func TestRespondWithErrorIncludesTraceID(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req = req.WithContext(WithTraceID(req.Context(), "trace-1"))
	w := httptest.NewRecorder()
	RespondWithError(w, req, http.StatusNotFound, "Job not found")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"Job not found","trace_id":"trace-1"}`, w.Body.String())
}

func TestRespondWithErrorAndLog(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		code  int
		level slog.Level
	}{
		{"client error logs at debug", http.StatusBadRequest, slog.LevelDebug},
		{"unavailable logs at warn", http.StatusServiceUnavailable, slog.LevelWarn},
		{"server error logs at error", http.StatusInternalServerError, slog.LevelError},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			log, buf := logger.NewBufferLogger()
			req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
			req = req.WithContext(logger.WithLogger(req.Context(), log))
			w := httptest.NewRecorder()

			err := errors.New("dial postgres://feedpulse:hunter2@db:5432/jobs: refused")
			RespondWithErrorAndLog(w, req, tc.code, "Safe message", err)

			assert.Equal(t, tc.code, w.Code)
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, "Safe message", body.Error)
			assert.NotContains(t, w.Body.String(), "hunter2")

			assert.Equal(t, 1, buf.Count(tc.level))
			assert.NotContains(t, buf.String(), "hunter2")
		})
	}
}
