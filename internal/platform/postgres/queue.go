package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/phrazzld/feedpulse/internal/job"
	"github.com/phrazzld/feedpulse/internal/platform/guard"
	"github.com/phrazzld/feedpulse/internal/queue"
)

// DefaultPollInterval is how often a blocked Claim retries when no NOTIFY
// arrives
const DefaultPollInterval = 200 * time.Millisecond

// DefaultMigrateTimeout bounds schema migration in Prepare
const DefaultMigrateTimeout = time.Minute

const jobColumns = `id, job_type, payload, priority, status, attempts, max_attempts,
	worker_id, created_at, started_at, completed_at, error_message, result`

// errNotPending aborts a cancel transaction without touching the row
var errNotPending = errors.New("job is not pending")

// Config holds configuration for the PostgreSQL queue
type Config struct {
	// URL is used by the NOTIFY listener, which needs its own connection.
	URL          string
	HistorySize  int
	PollInterval time.Duration
	Policy       guard.Policy

	// MigrateTimeout caps how long Prepare waits on migrations.
	MigrateTimeout time.Duration

	// Now is used for job timestamps and claim times. Defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// Queue is a queue.Queue backed by PostgreSQL
type Queue struct {
	db    *sql.DB
	cfg   Config
	log   *slog.Logger
	waker *waker
}

var _ queue.Queue = (*Queue)(nil)

// Open creates a queue for the database at url. No connection is made until
// the first operation.
func Open(url string, cfg Config) (*Queue, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	cfg.URL = url
	return New(db, cfg), nil
}

// New creates a queue over db. The queue owns db and closes it on Close.
func New(db *sql.DB, cfg Config) *Queue {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = queue.DefaultHistorySize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MigrateTimeout <= 0 {
		cfg.MigrateTimeout = DefaultMigrateTimeout
	}
	if cfg.Policy.Transient == nil {
		cfg.Policy.Transient = IsTransient
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		db:    db,
		cfg:   cfg,
		log:   cfg.Logger.With("component", "postgres_queue"),
		waker: newWaker(),
	}
}

// Prepare applies migrations and subscribes to job notifications. A failed
// subscription is logged and claimers poll instead.
func (q *Queue) Prepare(ctx context.Context) error {
	mctx, cancel := context.WithTimeout(ctx, q.cfg.MigrateTimeout)
	defer cancel()
	if err := Migrate(mctx, q.db, q.log); err != nil {
		return err
	}
	if q.cfg.URL == "" {
		return nil
	}
	if err := q.waker.listen(q.cfg.URL, q.log); err != nil {
		q.log.Warn("job notifications unavailable, claimers will poll",
			"error", err,
			"poll_interval", q.cfg.PollInterval)
	}
	return nil
}

// Name identifies the backend
func (q *Queue) Name() string { return "postgres" }

// Close stops the listener and closes the database
func (q *Queue) Close() error {
	q.waker.close()
	return q.db.Close()
}

// Ping checks the database is reachable
func (q *Queue) Ping(ctx context.Context) error {
	return guard.Call(ctx, q.cfg.Policy, func(ctx context.Context) error {
		return q.db.PingContext(ctx)
	})
}

// Enqueue stores a new pending job and announces it
func (q *Queue) Enqueue(ctx context.Context, spec job.Spec) (string, error) {
	j, err := job.New(spec, q.cfg.Now())
	if err != nil {
		return "", err
	}

	query := `
		WITH inserted AS (
			INSERT INTO jobs (id, job_type, payload, priority, status, attempts, max_attempts, created_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6, $7)
			RETURNING id
		)
		SELECT pg_notify('` + notifyChannel + `', id::text) FROM inserted
	`
	err = guard.Call(ctx, q.cfg.Policy, func(ctx context.Context) error {
		_, err := q.db.ExecContext(ctx, query,
			j.ID, string(j.Type), string(j.Payload), j.Priority, string(j.Status), j.MaxAttempts, j.CreatedAt)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", MapError(err))
	}
	return j.ID, nil
}

// Claim takes the next pending job, waiting for a notification or the next
// poll until blockTimeout elapses
func (q *Queue) Claim(ctx context.Context, workerID string, blockTimeout time.Duration, skip ...job.Type) (*job.Job, error) {
	deadline := time.Now().Add(blockTimeout)
	for {
		wake := q.waker.wait()

		j, err := q.claimOnce(ctx, workerID, skip)
		if err != nil || j != nil {
			return j, err
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		if wait > q.cfg.PollInterval {
			wait = q.cfg.PollInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *Queue) claimOnce(ctx context.Context, workerID string, skip []job.Type) (*job.Job, error) {
	now := q.cfg.Now().UTC()
	args := []interface{}{workerID, now}
	filter := ""
	if len(skip) > 0 {
		placeholders := make([]string, len(skip))
		for i, t := range skip {
			args = append(args, string(t))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		filter = "AND job_type NOT IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query := `
		UPDATE jobs
		SET status = 'running', attempts = attempts + 1, worker_id = $1, started_at = $2, claimed_at = $2
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' ` + filter + `
			ORDER BY priority DESC, enqueue_seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	j, err := guard.Value(ctx, q.cfg.Policy, func(ctx context.Context) (*job.Job, error) {
		return scanJob(q.db.QueryRowContext(ctx, query, args...))
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", MapError(err))
	}
	return j, nil
}

// Ack completes a running job held under attempt
func (q *Queue) Ack(ctx context.Context, id string, attempt int, result json.RawMessage) error {
	_, err := q.update(ctx, id, func(j *job.Job, now time.Time) (bool, error) {
		if err := j.VerifyClaim(attempt); err != nil {
			return false, err
		}
		return false, j.Complete(result, now)
	})
	return err
}

// Fail records a failed run of the claim identified by attempt
func (q *Queue) Fail(ctx context.Context, id string, attempt int, errMsg string, retry bool) error {
	_, err := q.update(ctx, id, func(j *job.Job, now time.Time) (bool, error) {
		if err := j.VerifyClaim(attempt); err != nil {
			return false, err
		}
		return j.Fail(errMsg, retry, now)
	})
	return err
}

// Cancel cancels a pending job
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	_, err := q.update(ctx, id, func(j *job.Job, now time.Time) (bool, error) {
		if j.Status != job.StatusPending {
			return false, errNotPending
		}
		return false, j.Cancel(now)
	})
	if errors.Is(err, errNotPending) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// update locks the job row, applies change through the job state machine
// and writes the result back. change reports whether the job went back to
// pending.
func (q *Queue) update(ctx context.Context, id string, change func(j *job.Job, now time.Time) (bool, error)) (*job.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}

	j, err := guard.Value(ctx, q.cfg.Policy, func(ctx context.Context) (*job.Job, error) {
		var updated *job.Job
		err := runInTx(ctx, q.db, q.log, func(tx *sql.Tx) error {
			j, err := scanJob(tx.QueryRowContext(ctx,
				`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
			if err != nil {
				return MapError(err)
			}

			now := q.cfg.Now()
			requeued, err := change(j, now)
			if err != nil {
				return err
			}
			if err := q.write(ctx, tx, j, requeued, now); err != nil {
				return err
			}
			updated = j
			return nil
		})
		return updated, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update job %s: %w", id, err)
	}
	return j, nil
}

func (q *Queue) write(ctx context.Context, tx *sql.Tx, j *job.Job, requeued bool, now time.Time) error {
	terminal := j.Status.Terminal()

	var result interface{}
	if j.Result != nil {
		result = string(j.Result)
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2::text,
			attempts = $3,
			worker_id = $4,
			started_at = $5,
			completed_at = $6,
			error_message = $7,
			result = $8,
			claimed_at = CASE WHEN $2::text = 'running' THEN claimed_at END,
			enqueue_seq = CASE WHEN $9::boolean THEN nextval('job_enqueue_seq') ELSE enqueue_seq END,
			history_seq = CASE WHEN $10::boolean THEN nextval('job_history_seq') ELSE history_seq END
		WHERE id = $1
	`, j.ID, string(j.Status), j.Attempts, nullString(j.WorkerID), j.StartedAt, j.CompletedAt,
		j.ErrorMessage, result, requeued, terminal)
	if err != nil {
		return MapError(err)
	}

	if j.Status == job.StatusCompleted {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO job_daily_stats (day, completed) VALUES ($1, 1)
			ON CONFLICT (day) DO UPDATE SET completed = job_daily_stats.completed + 1
		`, utcDay(now))
		if err != nil {
			return MapError(err)
		}
	}

	if terminal {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM jobs WHERE history_seq <= (
				SELECT history_seq FROM jobs
				WHERE history_seq IS NOT NULL
				ORDER BY history_seq DESC
				OFFSET $1 LIMIT 1
			)
		`, q.cfg.HistorySize)
		if err != nil {
			return MapError(err)
		}
	}

	if requeued {
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify('`+notifyChannel+`', $1)`, j.ID); err != nil {
			return MapError(err)
		}
	}
	return nil
}

// Get loads a job by id
func (q *Queue) Get(ctx context.Context, id string) (*job.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}

	j, err := guard.Value(ctx, q.cfg.Policy, func(ctx context.Context) (*job.Job, error) {
		return scanJob(q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, MapError(err))
	}
	return j, nil
}

// ListRecent returns terminal jobs, most recent first
func (q *Queue) ListRecent(ctx context.Context, limit int) ([]*job.Job, error) {
	return q.List(ctx, "", limit)
}

// List returns jobs in the given status
func (q *Queue) List(ctx context.Context, status job.Status, limit int) ([]*job.Job, error) {
	limit = queue.ClampLimit(limit, q.cfg.HistorySize)

	var (
		query string
		args  []interface{}
	)
	switch status {
	case job.StatusPending:
		query = `SELECT ` + jobColumns + ` FROM jobs WHERE status = 'pending'
			ORDER BY priority DESC, enqueue_seq ASC LIMIT $1`
		args = []interface{}{limit}
	case job.StatusRunning:
		query = `SELECT ` + jobColumns + ` FROM jobs WHERE status = 'running'
			ORDER BY claimed_at ASC LIMIT $1`
		args = []interface{}{limit}
	case "":
		query = `SELECT ` + jobColumns + ` FROM jobs WHERE history_seq IS NOT NULL
			ORDER BY history_seq DESC LIMIT $1`
		args = []interface{}{limit}
	default:
		query = `SELECT ` + jobColumns + ` FROM jobs WHERE history_seq IS NOT NULL AND status = $2
			ORDER BY history_seq DESC LIMIT $1`
		args = []interface{}{limit, string(status)}
	}

	jobs, err := guard.Value(ctx, q.cfg.Policy, func(ctx context.Context) ([]*job.Job, error) {
		rows, err := q.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		out := make([]*job.Job, 0)
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, j)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", MapError(err))
	}
	return jobs, nil
}

// Stats reports queue depth and today's completions
func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	day := utcDay(q.cfg.Now())
	stats, err := guard.Value(ctx, q.cfg.Policy, func(ctx context.Context) (queue.Stats, error) {
		var s queue.Stats
		err := q.db.QueryRowContext(ctx, `
			SELECT
				count(*) FILTER (WHERE status = 'pending'),
				count(*) FILTER (WHERE status = 'running'),
				COALESCE((SELECT completed FROM job_daily_stats WHERE day = $1), 0)
			FROM jobs
		`, day).Scan(&s.Pending, &s.Processing, &s.CompletedToday)
		return s, err
	})
	if err != nil {
		return queue.Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}
	return stats, nil
}

// ReclaimStale requeues jobs claimed at least timeout ago
func (q *Queue) ReclaimStale(ctx context.Context, timeout time.Duration) (int, error) {
	type stale struct {
		id      string
		attempt int
	}

	cutoff := q.cfg.Now().Add(-timeout).UTC()
	found, err := guard.Value(ctx, q.cfg.Policy, func(ctx context.Context) ([]stale, error) {
		rows, err := q.db.QueryContext(ctx, `
			SELECT id, attempts FROM jobs WHERE status = 'running' AND claimed_at <= $1 ORDER BY claimed_at
		`, cutoff)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var found []stale
		for rows.Next() {
			var s stale
			if err := rows.Scan(&s.id, &s.attempt); err != nil {
				return nil, err
			}
			found = append(found, s)
		}
		return found, rows.Err()
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan running jobs: %w", err)
	}

	reclaimed := 0
	for _, s := range found {
		// Fenced on the scanned attempt, so a job claimed again since the
		// scan is left alone.
		err := q.Fail(ctx, s.id, s.attempt, queue.ErrReclaimTimeout.Error(), true)
		switch {
		case err == nil:
			reclaimed++
		case errors.Is(err, queue.ErrQueueUnavailable):
			return reclaimed, err
		}
	}
	return reclaimed, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j           job.Job
		jobType     string
		status      string
		payload     []byte
		workerID    sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
		errMsg      sql.NullString
		result      []byte
	)
	err := row.Scan(&j.ID, &jobType, &payload, &j.Priority, &status, &j.Attempts, &j.MaxAttempts,
		&workerID, &j.CreatedAt, &startedAt, &completedAt, &errMsg, &result)
	if err != nil {
		return nil, err
	}

	j.Type = job.Type(jobType)
	j.Status = job.Status(status)
	j.Payload = json.RawMessage(payload)
	j.WorkerID = workerID.String
	j.CreatedAt = j.CreatedAt.UTC()
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		j.CompletedAt = &t
	}
	if errMsg.Valid {
		msg := errMsg.String
		j.ErrorMessage = &msg
	}
	if result != nil {
		j.Result = json.RawMessage(result)
	}
	return &j, nil
}

// utcDay truncates t to midnight UTC for the date column.
func utcDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
