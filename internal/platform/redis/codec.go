package redis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/phrazzld/feedpulse/internal/job"
)

const timeLayout = time.RFC3339Nano

// encodeJob flattens a new job into hash field/value pairs.
func encodeJob(j *job.Job) []interface{} {
	return []interface{}{
		"id", j.ID,
		"job_type", string(j.Type),
		"payload", string(j.Payload),
		"priority", strconv.Itoa(j.Priority),
		"status", string(j.Status),
		"attempts", strconv.Itoa(j.Attempts),
		"max_attempts", strconv.Itoa(j.MaxAttempts),
		"created_at", j.CreatedAt.Format(timeLayout),
	}
}

// pairs converts a flat HGETALL reply returned from a script.
func pairs(reply interface{}) (map[string]string, error) {
	values, ok := reply.([]interface{})
	if !ok || len(values)%2 != 0 {
		return nil, fmt.Errorf("unexpected script reply %T", reply)
	}
	fields := make(map[string]string, len(values)/2)
	for i := 0; i < len(values); i += 2 {
		k, _ := values[i].(string)
		v, _ := values[i+1].(string)
		fields[k] = v
	}
	return fields, nil
}

// decodeJob rebuilds a job from its hash.
func decodeJob(fields map[string]string) (*job.Job, error) {
	j := &job.Job{
		ID:       fields["id"],
		Type:     job.Type(fields["job_type"]),
		Payload:  json.RawMessage(fields["payload"]),
		Status:   job.Status(fields["status"]),
		WorkerID: fields["worker_id"],
	}

	var err error
	if j.Priority, err = strconv.Atoi(fields["priority"]); err != nil {
		return nil, fmt.Errorf("job %s: bad priority: %w", j.ID, err)
	}
	if j.Attempts, err = strconv.Atoi(fields["attempts"]); err != nil {
		return nil, fmt.Errorf("job %s: bad attempts: %w", j.ID, err)
	}
	if j.MaxAttempts, err = strconv.Atoi(fields["max_attempts"]); err != nil {
		return nil, fmt.Errorf("job %s: bad max_attempts: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(timeLayout, fields["created_at"]); err != nil {
		return nil, fmt.Errorf("job %s: bad created_at: %w", j.ID, err)
	}
	if j.StartedAt, err = optionalTime(fields, "started_at"); err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	if j.CompletedAt, err = optionalTime(fields, "completed_at"); err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}

	if msg, ok := fields["error_message"]; ok {
		j.ErrorMessage = &msg
	}
	if result := fields["result"]; result != "" {
		j.Result = json.RawMessage(result)
	}
	return j, nil
}

func optionalTime(fields map[string]string, name string) (*time.Time, error) {
	v, ok := fields[name]
	if !ok || v == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return nil, fmt.Errorf("bad %s: %w", name, err)
	}
	return &t, nil
}
