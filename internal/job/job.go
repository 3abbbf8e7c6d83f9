package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of work a job carries and selects its handler
type Type string

// Job type constants
const (
	TypeScrapeSource Type = "scrape_source"
	TypeScrapeAll    Type = "scrape_all"
	TypeBackup       Type = "backup"
	TypeCleanup      Type = "cleanup"
	TypeAutoScrape   Type = "auto_scrape"
)

// Priority and attempt bounds accepted at enqueue time
const (
	MinPriority        = 0
	MaxPriority        = 100
	DefaultMaxAttempts = 3
	MaxMaxAttempts     = 25
)

// Types returns every job type known to the system.
func Types() []Type {
	return []Type{TypeScrapeSource, TypeScrapeAll, TypeBackup, TypeCleanup, TypeAutoScrape}
}

// Valid reports whether t is a known job type.
func (t Type) Valid() bool {
	for _, known := range Types() {
		if t == known {
			return true
		}
	}
	return false
}

// Job is one unit of asynchronous work with a typed payload and a tracked
// lifecycle. Jobs are only mutated by queue backends.
type Job struct {
	ID           string          `json:"id"`
	Type         Type            `json:"job_type"`
	Payload      json.RawMessage `json:"payload"`
	Priority     int             `json:"priority"`
	Status       Status          `json:"status"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	WorkerID     string          `json:"worker_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage *string         `json:"error_message"`
	Result       json.RawMessage `json:"result"`
}

// Spec is a request to create a job
type Spec struct {
	Type     Type
	Payload  json.RawMessage
	Priority int
	// MaxAttempts defaults to DefaultMaxAttempts when zero
	MaxAttempts int
}

// SpecFor builds a Spec from a typed payload.
func SpecFor(p Payload, priority int) (Spec, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return Spec{}, fmt.Errorf("%w: failed to marshal payload: %v", ErrInvalidJob, err)
	}
	return Spec{Type: p.JobType(), Payload: raw, Priority: priority}, nil
}

// New validates spec and returns a pending job with zero attempts.
// The stored payload is the canonical encoding of the decoded typed payload,
// so defaults are visible to handlers and API readers alike.
func New(spec Spec, now time.Time) (*Job, error) {
	if !spec.Type.Valid() {
		return nil, &FieldError{Field: "job_type", Reason: "unknown job type"}
	}

	if spec.Priority < MinPriority || spec.Priority > MaxPriority {
		return nil, &FieldError{
			Field:  "priority",
			Reason: fmt.Sprintf("must be between %d and %d", MinPriority, MaxPriority),
		}
	}

	maxAttempts := spec.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if maxAttempts < 1 || maxAttempts > MaxMaxAttempts {
		return nil, &FieldError{
			Field:  "max_attempts",
			Reason: fmt.Sprintf("must be between 1 and %d", MaxMaxAttempts),
		}
	}

	payload, err := ParsePayload(spec.Type, spec.Payload)
	if err != nil {
		return nil, err
	}
	canonical, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode payload: %v", ErrInvalidJob, err)
	}

	return &Job{
		ID:          uuid.New().String(),
		Type:        spec.Type,
		Payload:     canonical,
		Priority:    spec.Priority,
		Status:      StatusPending,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		CreatedAt:   now.UTC(),
	}, nil
}

// Claim moves a pending job to running on behalf of workerID.
func (j *Job) Claim(workerID string, now time.Time) error {
	if err := j.transition(StatusRunning); err != nil {
		return err
	}
	started := now.UTC()
	j.Attempts++
	j.StartedAt = &started
	j.WorkerID = workerID
	return nil
}

// VerifyClaim rejects an Ack or Fail coming from an earlier claim of a
// job that is running again under a later attempt.
func (j *Job) VerifyClaim(attempt int) error {
	if j.Status == StatusRunning && j.Attempts != attempt {
		return fmt.Errorf("%w: attempt %d, job is on attempt %d", ErrStaleClaim, attempt, j.Attempts)
	}
	return nil
}

// Complete moves a running job to completed and records its result.
func (j *Job) Complete(result json.RawMessage, now time.Time) error {
	if err := j.transition(StatusCompleted); err != nil {
		return err
	}
	completed := now.UTC()
	j.CompletedAt = &completed
	j.Result = result
	return nil
}

// Fail resolves a failed run. The job goes back to pending when retry is
// requested and attempts remain, otherwise it becomes failed. It reports
// whether the job was requeued.
func (j *Job) Fail(message string, retry bool, now time.Time) (bool, error) {
	requeue := retry && j.Attempts < j.MaxAttempts
	next := StatusFailed
	if requeue {
		next = StatusPending
	}
	if err := j.transition(next); err != nil {
		return false, err
	}

	msg := message
	j.ErrorMessage = &msg
	if !requeue {
		completed := now.UTC()
		j.CompletedAt = &completed
	}
	return requeue, nil
}

// Cancel moves a pending job to cancelled.
func (j *Job) Cancel(now time.Time) error {
	if err := j.transition(StatusCancelled); err != nil {
		return err
	}
	completed := now.UTC()
	j.CompletedAt = &completed
	return nil
}

func (j *Job) transition(to Status) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	return nil
}

// Clone returns a deep copy of the job so callers can never alias
// backend-owned state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Payload = cloneRaw(j.Payload)
	c.Result = cloneRaw(j.Result)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.ErrorMessage != nil {
		m := *j.ErrorMessage
		c.ErrorMessage = &m
	}
	return &c
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
