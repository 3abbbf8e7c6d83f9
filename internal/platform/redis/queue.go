package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/phrazzld/feedpulse/internal/job"
	"github.com/phrazzld/feedpulse/internal/platform/guard"
	"github.com/phrazzld/feedpulse/internal/queue"
)

const (
	// DefaultKeyPrefix namespaces every key the queue touches
	DefaultKeyPrefix = "feedpulse:"

	// DefaultPollInterval is how often a blocked Claim retries the script
	DefaultPollInterval = 200 * time.Millisecond

	// completedTTL keeps yesterday's counter around across the UTC boundary
	completedTTL = 48 * time.Hour
)

// Config holds configuration for the Redis queue
type Config struct {
	KeyPrefix    string
	HistorySize  int
	PollInterval time.Duration
	Policy       guard.Policy

	// Now is used for job timestamps and claim scores. Defaults to time.Now.
	Now func() time.Time
}

// Queue is a queue.Queue backed by Redis
type Queue struct {
	client *redis.Client
	cfg    Config
	keys   keys
}

var _ queue.Queue = (*Queue)(nil)

type keys struct {
	prefix     string
	queue      string
	processing string
	seq        string
	results    string
}

func newKeys(prefix string) keys {
	return keys{
		prefix:     prefix,
		queue:      prefix + "queue",
		processing: prefix + "processing",
		seq:        prefix + "seq",
		results:    prefix + "results",
	}
}

func (k keys) job(id string) string { return k.prefix + "job:" + id }

func (k keys) completed(t time.Time) string {
	return k.prefix + "completed:" + t.UTC().Format("2006-01-02")
}

// New creates a queue over client. The queue owns the client and closes it
// on Close.
func New(client *redis.Client, cfg Config) *Queue {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = queue.DefaultHistorySize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Queue{client: client, cfg: cfg, keys: newKeys(cfg.KeyPrefix)}
}

// Name identifies the backend
func (q *Queue) Name() string { return "redis" }

// Close closes the underlying client
func (q *Queue) Close() error { return q.client.Close() }

// Ping checks the server is reachable
func (q *Queue) Ping(ctx context.Context) error {
	return guard.Call(ctx, q.cfg.Policy, func(ctx context.Context) error {
		return q.client.Ping(ctx).Err()
	})
}

// Enqueue stores a new pending job
func (q *Queue) Enqueue(ctx context.Context, spec job.Spec) (string, error) {
	j, err := job.New(spec, q.cfg.Now())
	if err != nil {
		return "", err
	}

	args := append([]interface{}{j.ID, j.Priority}, encodeJob(j)...)
	keys := []string{q.keys.seq, q.keys.queue, q.keys.job(j.ID)}
	err = guard.Call(ctx, q.cfg.Policy, func(ctx context.Context) error {
		return enqueueScript.Run(ctx, q.client, keys, args...).Err()
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return j.ID, nil
}

// Claim takes the next pending job, polling until blockTimeout elapses
func (q *Queue) Claim(ctx context.Context, workerID string, blockTimeout time.Duration, skip ...job.Type) (*job.Job, error) {
	deadline := time.Now().Add(blockTimeout)
	for {
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
		case <-timer.C:
		}
	}
}

func (q *Queue) claimOnce(ctx context.Context, workerID string, skip []job.Type) (*job.Job, error) {
	now := q.cfg.Now()
	keys := []string{q.keys.queue, q.keys.processing}
	args := []interface{}{q.keys.prefix, workerID, now.UTC().Format(timeLayout), now.UnixMilli(), claimBatch}
	for _, t := range skip {
		args = append(args, string(t))
	}
	reply, err := guard.Value(ctx, q.cfg.Policy, func(ctx context.Context) (interface{}, error) {
		return claimScript.Run(ctx, q.client, keys, args...).Result()
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	fields, err := pairs(reply)
	if err != nil {
		return nil, err
	}
	return decodeJob(fields)
}

// Ack completes a running job held under attempt
func (q *Queue) Ack(ctx context.Context, id string, attempt int, result json.RawMessage) error {
	now := q.cfg.Now()
	keys := []string{q.keys.processing, q.keys.results, q.keys.completed(now)}
	reply, err := q.runString(ctx, ackScript, keys,
		q.keys.prefix, id, now.UTC().Format(timeLayout), string(result),
		q.cfg.HistorySize, int(completedTTL.Seconds()), strconv.Itoa(attempt))
	if err != nil {
		return fmt.Errorf("failed to ack job %s: %w", id, err)
	}
	return replyError(reply, id, job.StatusCompleted)
}

// Fail records a failed run of the claim identified by attempt
func (q *Queue) Fail(ctx context.Context, id string, attempt int, errMsg string, retry bool) error {
	_, err := q.fail(ctx, id, strconv.Itoa(attempt), "", errMsg, retry)
	return err
}

// fail runs the fail script. An empty attempt or cutoff disables that check.
func (q *Queue) fail(ctx context.Context, id, attempt, cutoff, errMsg string, retry bool) (string, error) {
	flag := "0"
	if retry {
		flag = "1"
	}
	keys := []string{q.keys.processing, q.keys.queue, q.keys.seq, q.keys.results}
	reply, err := q.runString(ctx, failScript, keys,
		q.keys.prefix, id, q.cfg.Now().UTC().Format(timeLayout), errMsg, flag, q.cfg.HistorySize,
		attempt, cutoff)
	if err != nil {
		return "", fmt.Errorf("failed to fail job %s: %w", id, err)
	}
	return reply, replyError(reply, id, job.StatusFailed)
}

// Cancel cancels a pending job
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	keys := []string{q.keys.queue, q.keys.results}
	reply, err := q.runString(ctx, cancelScript, keys,
		q.keys.prefix, id, q.cfg.Now().UTC().Format(timeLayout), q.cfg.HistorySize)
	if err != nil {
		return false, fmt.Errorf("failed to cancel job %s: %w", id, err)
	}
	switch reply {
	case replyOK:
		return true, nil
	case replyMissing:
		return false, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	default:
		return false, nil
	}
}

// Get loads a job by id
func (q *Queue) Get(ctx context.Context, id string) (*job.Job, error) {
	fields, err := guard.Value(ctx, q.cfg.Policy, func(ctx context.Context) (map[string]string, error) {
		return q.client.HGetAll(ctx, q.keys.job(id)).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	return decodeJob(fields)
}

// ListRecent returns terminal jobs, most recent first
func (q *Queue) ListRecent(ctx context.Context, limit int) ([]*job.Job, error) {
	return q.List(ctx, "", limit)
}

// List returns jobs in the given status
func (q *Queue) List(ctx context.Context, status job.Status, limit int) ([]*job.Job, error) {
	limit = queue.ClampLimit(limit, q.cfg.HistorySize)

	var (
		ids []string
		err error
	)
	switch status {
	case job.StatusPending:
		ids, err = q.rangeIDs(ctx, func(ctx context.Context) ([]string, error) {
			return q.client.ZRange(ctx, q.keys.queue, 0, int64(limit-1)).Result()
		})
	case job.StatusRunning:
		ids, err = q.rangeIDs(ctx, func(ctx context.Context) ([]string, error) {
			return q.client.ZRange(ctx, q.keys.processing, 0, int64(limit-1)).Result()
		})
	default:
		end := int64(limit - 1)
		if status != "" {
			end = -1
		}
		ids, err = q.rangeIDs(ctx, func(ctx context.Context) ([]string, error) {
			return q.client.LRange(ctx, q.keys.results, 0, end).Result()
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs, err := q.load(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]*job.Job, 0, len(jobs))
	for _, j := range jobs {
		if len(out) == limit {
			break
		}
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (q *Queue) rangeIDs(ctx context.Context, op func(ctx context.Context) ([]string, error)) ([]string, error) {
	return guard.Value(ctx, q.cfg.Policy, op)
}

// load fetches several job hashes in one pipeline, skipping jobs that
// disappeared in between.
func (q *Queue) load(ctx context.Context, ids []string) ([]*job.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	cmds, err := guard.Value(ctx, q.cfg.Policy, func(ctx context.Context) ([]*redis.StringStringMapCmd, error) {
		pipe := q.client.Pipeline()
		cmds := make([]*redis.StringStringMapCmd, len(ids))
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, q.keys.job(id))
		}
		_, err := pipe.Exec(ctx)
		return cmds, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(cmds))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		j, err := decodeJob(fields)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Stats reports queue depth and today's completions
func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	now := q.cfg.Now()
	stats, err := guard.Value(ctx, q.cfg.Policy, func(ctx context.Context) (queue.Stats, error) {
		pipe := q.client.Pipeline()
		pending := pipe.ZCard(ctx, q.keys.queue)
		processing := pipe.ZCard(ctx, q.keys.processing)
		completed := pipe.Get(ctx, q.keys.completed(now))
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return queue.Stats{}, err
		}

		done, err := completed.Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return queue.Stats{}, err
		}
		return queue.Stats{
			Pending:        pending.Val(),
			Processing:     processing.Val(),
			CompletedToday: done,
		}, nil
	})
	if err != nil {
		return queue.Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}
	return stats, nil
}

// ReclaimStale requeues jobs claimed at least timeout ago
func (q *Queue) ReclaimStale(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := strconv.FormatInt(q.cfg.Now().Add(-timeout).UnixMilli(), 10)
	ids, err := q.rangeIDs(ctx, func(ctx context.Context) ([]string, error) {
		return q.client.ZRangeByScore(ctx, q.keys.processing, &redis.ZRangeBy{
			Min: "-inf",
			Max: cutoff,
		}).Result()
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan processing set: %w", err)
	}

	reclaimed := 0
	for _, id := range ids {
		// The cutoff is checked again inside the script so a job requeued
		// and claimed afresh since the scan is left alone.
		reply, err := q.fail(ctx, id, "", cutoff, queue.ErrReclaimTimeout.Error(), true)
		if errors.Is(err, queue.ErrQueueUnavailable) {
			return reclaimed, err
		}
		// Acked or failed by its worker since the scan.
		if err != nil {
			continue
		}
		if reply == replyOK || reply == replyRequeued {
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (q *Queue) runString(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (string, error) {
	return guard.Value(ctx, q.cfg.Policy, func(ctx context.Context) (string, error) {
		return script.Run(ctx, q.client, keys, args...).Text()
	})
}

// replyError turns a script reply into the matching job error.
func replyError(reply, id string, to job.Status) error {
	switch reply {
	case replyOK, replyRequeued:
		return nil
	case replyMissing:
		return fmt.Errorf("%w: %s", job.ErrNotFound, id)
	case replyStale:
		return fmt.Errorf("%w: %s", job.ErrStaleClaim, id)
	case replyFresh:
		return fmt.Errorf("%w: %s was claimed again after the cutoff", job.ErrInvalidTransition, id)
	default:
		return fmt.Errorf("%w: %s -> %s", job.ErrInvalidTransition, reply, to)
	}
}
