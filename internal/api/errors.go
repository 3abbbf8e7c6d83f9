package api

import (
	"errors"
	"net/http"

	"github.com/phrazzld/feedpulse/internal/api/shared"
	"github.com/phrazzld/feedpulse/internal/job"
	"github.com/phrazzld/feedpulse/internal/queue"
)

// ErrBadRequest covers malformed request bodies and query parameters
var ErrBadRequest = errors.New("bad request")

// MapErrorToStatusCode maps internal errors to HTTP status codes so that
// internal error types never reach clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, job.ErrInvalidJob):
		return http.StatusBadRequest

	case errors.Is(err, job.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, job.ErrInvalidTransition):
		return http.StatusConflict

	case errors.Is(err, queue.ErrQueueUnavailable):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a client-facing message for err.
func GetSafeErrorMessage(err error) string {
	switch {
	case err == nil:
		return "An unexpected error occurred"
	case errors.Is(err, ErrBadRequest):
		return "Invalid request"
	case errors.Is(err, job.ErrInvalidJob):
		return "Invalid job"
	case errors.Is(err, job.ErrNotFound):
		return "Job not found"
	case errors.Is(err, job.ErrInvalidTransition):
		return "Job is not in a state that allows this operation"
	case errors.Is(err, queue.ErrQueueUnavailable):
		return "Job queue unavailable"
	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError writes the mapped status and message for err. A non-empty
// message overrides the safe default for 4xx responses.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, message string) {
	status := MapErrorToStatusCode(err)
	if message == "" || status >= http.StatusInternalServerError {
		message = GetSafeErrorMessage(err)
	}
	shared.RespondWithErrorAndLog(w, r, status, message, err)
}
