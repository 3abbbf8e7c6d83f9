package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/feedpulse/internal/job"
	"github.com/phrazzld/feedpulse/internal/queue"
	"github.com/stretchr/testify/assert"
)

func TestMapErrorToStatusCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		expected int
		message  string
	}{
		{"bad request", fmt.Errorf("%w: limit", ErrBadRequest), http.StatusBadRequest, "Invalid request"},
		{"invalid job", fmt.Errorf("%w: unknown job type", job.ErrInvalidJob), http.StatusBadRequest, "Invalid job"},
		{"not found", fmt.Errorf("%w: abc", job.ErrNotFound), http.StatusNotFound, "Job not found"},
		{"invalid transition", job.ErrInvalidTransition, http.StatusConflict, "Job is not in a state that allows this operation"},
		{"queue unavailable", fmt.Errorf("enqueue: %w", queue.ErrQueueUnavailable), http.StatusServiceUnavailable, "Job queue unavailable"},
		{"unknown", errors.New("pq: relation \"jobs\" does not exist"), http.StatusInternalServerError, "An unexpected error occurred"},
		{"nil", nil, http.StatusInternalServerError, "An unexpected error occurred"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, MapErrorToStatusCode(tc.err))
			assert.Equal(t, tc.message, GetSafeErrorMessage(tc.err))
		})
	}
}

func TestSanitizeValidationError(t *testing.T) {
	t.Parallel()

	v := validator.New()
	tooHigh := 101

	err := v.Struct(CreateJobRequest{JobType: "cleanup", Priority: &tooHigh})
	assert.Equal(t, "Invalid priority: too large", SanitizeValidationError(err))

	err = v.Struct(CreateJobRequest{})
	assert.Equal(t, "Invalid job_type: required field", SanitizeValidationError(err))

	assert.Equal(t, "Validation error", SanitizeValidationError(errors.New("boom")))
}
