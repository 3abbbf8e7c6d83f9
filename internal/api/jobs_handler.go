package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/feedpulse/internal/api/shared"
	"github.com/phrazzld/feedpulse/internal/job"
	"github.com/phrazzld/feedpulse/internal/platform/logger"
	"github.com/phrazzld/feedpulse/internal/queue"
)

// DefaultListLimit is the page size of GET /jobs without a limit
const DefaultListLimit = 50

// CreateJobRequest is the body of POST /jobs
type CreateJobRequest struct {
	JobType     string          `json:"job_type" validate:"required"`
	Payload     json.RawMessage `json:"payload"`
	Priority    *int            `json:"priority,omitempty" validate:"omitempty,gte=0,lte=100"`
	MaxAttempts *int            `json:"max_attempts,omitempty" validate:"omitempty,gte=1,lte=25"`
}

// CreateJobResponse is returned by POST /jobs
type CreateJobResponse struct {
	JobID string `json:"job_id"`
}

// ListJobsResponse is returned by GET /jobs
type ListJobsResponse struct {
	Jobs []*job.Job `json:"jobs"`
}

// CancelJobResponse is returned by DELETE /jobs/{id}
type CancelJobResponse struct {
	Cancelled bool `json:"cancelled"`
}

// StatusResponse is returned by GET /jobs/status
type StatusResponse struct {
	Pending        int64 `json:"pending"`
	Processing     int64 `json:"processing"`
	CompletedToday int64 `json:"completed_today"`
}

// JobHandler serves the producer API over a queue
type JobHandler struct {
	queue       queue.Queue
	historySize int
	validator   *validator.Validate
}

// NewJobHandler creates a JobHandler. historySize caps list limits.
func NewJobHandler(q queue.Queue, historySize int) *JobHandler {
	if historySize <= 0 {
		historySize = queue.DefaultHistorySize
	}
	return &JobHandler{
		queue:       q,
		historySize: historySize,
		validator:   validator.New(),
	}
}

// CreateJob handles POST /jobs
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		HandleAPIError(w, r, fmt.Errorf("%w: %v", ErrBadRequest, err), "Invalid request format")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		HandleAPIError(w, r, fmt.Errorf("%w: %v", ErrBadRequest, err), SanitizeValidationError(err))
		return
	}

	spec := job.Spec{Type: job.Type(req.JobType), Payload: req.Payload}
	if req.Priority != nil {
		spec.Priority = *req.Priority
	}
	if req.MaxAttempts != nil {
		spec.MaxAttempts = *req.MaxAttempts
	}

	id, err := h.queue.Enqueue(r.Context(), spec)
	if err != nil {
		msg := ""
		if errors.Is(err, job.ErrInvalidJob) {
			msg = invalidJobMessage(err)
		}
		HandleAPIError(w, r, err, msg)
		return
	}

	logger.FromContext(r.Context()).Info("job enqueued",
		"job_id", id,
		"job_type", spec.Type,
		"priority", spec.Priority)
	shared.RespondWithJSON(w, r, http.StatusCreated, CreateJobResponse{JobID: id})
}

// GetJob handles GET /jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, j)
}

// ListJobs handles GET /jobs?status=&limit=
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var status job.Status
	if raw := query.Get("status"); raw != "" {
		st, ok := job.ParseStatus(raw)
		if !ok {
			HandleAPIError(w, r, fmt.Errorf("%w: status %q", ErrBadRequest, raw), "Invalid status")
			return
		}
		status = st
	}

	limit := DefaultListLimit
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			HandleAPIError(w, r, fmt.Errorf("%w: limit %q", ErrBadRequest, raw), "Invalid limit")
			return
		}
		limit = n
	}
	limit = queue.ClampLimit(limit, h.historySize)

	jobs, err := h.queue.List(r.Context(), status, limit)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, ListJobsResponse{Jobs: jobs})
}

// CancelJob handles DELETE /jobs/{id}. Only pending jobs are cancelled;
// for any other status the response reports cancelled=false.
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, err := h.queue.Cancel(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if cancelled {
		logger.FromContext(r.Context()).Info("job cancelled", "job_id", id)
	}
	shared.RespondWithJSON(w, r, http.StatusOK, CancelJobResponse{Cancelled: cancelled})
}

// QueueStatus handles GET /jobs/status
func (h *JobHandler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, StatusResponse{
		Pending:        stats.Pending,
		Processing:     stats.Processing,
		CompletedToday: stats.CompletedToday,
	})
}
