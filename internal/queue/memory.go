package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/phrazzld/feedpulse/internal/job"
)

// MemoryConfig holds configuration for the in-memory queue
type MemoryConfig struct {
	// HistorySize bounds the terminal job log. Defaults to DefaultHistorySize.
	HistorySize int

	// Now is the clock used for timestamps and reclaim decisions.
	// Defaults to time.Now.
	Now func() time.Time
}

// Memory is the in-process fallback queue. It honours the same contract as
// the durable backends but is neither durable across restarts nor shared
// between processes, so it is only useful when producers and workers run in
// the same process.
type Memory struct {
	mu          sync.Mutex
	jobs        map[string]*job.Job
	pending     entryHeap
	index       map[string]*entry
	processing  map[string]time.Time
	history     []string // oldest first
	historySize int
	completed   map[string]int64 // UTC day -> completions
	seq         uint64
	wake        chan struct{}
	now         func() time.Time
	closed      bool
}

var _ Queue = (*Memory)(nil)

// NewMemory creates an empty in-memory queue.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Memory{
		jobs:        make(map[string]*job.Job),
		index:       make(map[string]*entry),
		processing:  make(map[string]time.Time),
		historySize: cfg.HistorySize,
		completed:   make(map[string]int64),
		wake:        make(chan struct{}),
		now:         cfg.Now,
	}
}

// Name identifies the backend
func (m *Memory) Name() string { return "memory" }

// Ping always succeeds while the queue is open
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrQueueUnavailable
	}
	return nil
}

// Close stops accepting work and wakes blocked claimers
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.wake)
	}
	return nil
}

// Enqueue stores a new pending job
func (m *Memory) Enqueue(ctx context.Context, spec job.Spec) (string, error) {
	j, err := job.New(spec, m.now())
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrQueueUnavailable
	}

	m.jobs[j.ID] = j
	m.pushLocked(j)
	return j.ID, nil
}

// Claim pops the best pending job whose type is not skipped, waiting up to
// blockTimeout for one
func (m *Memory) Claim(ctx context.Context, workerID string, blockTimeout time.Duration, skip ...job.Type) (*job.Job, error) {
	var timeout <-chan time.Time
	if blockTimeout > 0 {
		timer := time.NewTimer(blockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrQueueUnavailable
		}
		if j := m.claimLocked(workerID, skip); j != nil {
			m.mu.Unlock()
			return j, nil
		}
		wake := m.wake
		m.mu.Unlock()

		if timeout == nil {
			return nil, nil
		}

		select {
		case <-wake:
		case <-timeout:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Memory) claimLocked(workerID string, skip []job.Type) *job.Job {
	var skipped []*entry
	defer func() {
		// Skipped entries keep their sequence number and so their place.
		for _, e := range skipped {
			heap.Push(&m.pending, e)
			m.index[e.id] = e
		}
	}()

	for m.pending.Len() > 0 {
		e := heap.Pop(&m.pending).(*entry)
		delete(m.index, e.id)

		j, ok := m.jobs[e.id]
		if !ok || j.Status != job.StatusPending {
			continue
		}
		if Skips(skip, j.Type) {
			skipped = append(skipped, e)
			continue
		}

		now := m.now()
		if err := j.Claim(workerID, now); err != nil {
			continue
		}
		m.processing[j.ID] = now
		return j.Clone()
	}
	return nil
}

// Ack completes a running job held under attempt
func (m *Memory) Ack(ctx context.Context, id string, attempt int, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	if err := j.VerifyClaim(attempt); err != nil {
		return err
	}

	now := m.now()
	if err := j.Complete(result, now); err != nil {
		return err
	}
	delete(m.processing, id)
	m.completed[dayKey(now)]++
	m.appendHistoryLocked(id)
	return nil
}

// Fail records a failed run and either requeues or terminates the job
func (m *Memory) Fail(ctx context.Context, id string, attempt int, errMsg string, retry bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failLocked(id, attempt, errMsg, retry)
}

func (m *Memory) failLocked(id string, attempt int, errMsg string, retry bool) error {
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	if err := j.VerifyClaim(attempt); err != nil {
		return err
	}

	requeued, err := j.Fail(errMsg, retry, m.now())
	if err != nil {
		return err
	}
	delete(m.processing, id)

	if requeued {
		m.pushLocked(j)
		return nil
	}
	m.appendHistoryLocked(id)
	return nil
}

// Cancel cancels a job that is still pending
func (m *Memory) Cancel(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	if j.Status != job.StatusPending {
		return false, nil
	}

	if e, queued := m.index[id]; queued {
		heap.Remove(&m.pending, e.index)
		delete(m.index, id)
	}
	if err := j.Cancel(m.now()); err != nil {
		return false, nil
	}
	m.appendHistoryLocked(id)
	return true, nil
}

// Get returns a copy of the job
func (m *Memory) Get(ctx context.Context, id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	return j.Clone(), nil
}

// ListRecent returns terminal jobs, most recent first
func (m *Memory) ListRecent(ctx context.Context, limit int) ([]*job.Job, error) {
	return m.List(ctx, "", limit)
}

// List returns jobs in the given status
func (m *Memory) List(ctx context.Context, status job.Status, limit int) ([]*job.Job, error) {
	limit = ClampLimit(limit, m.historySize)

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*job.Job, 0)
	switch status {
	case job.StatusPending:
		entries := make([]*entry, len(m.pending))
		copy(entries, m.pending)
		sort.Slice(entries, func(a, b int) bool { return entries[a].before(entries[b]) })
		for _, e := range entries {
			if len(out) == limit {
				break
			}
			out = append(out, m.jobs[e.id].Clone())
		}
	case job.StatusRunning:
		ids := make([]string, 0, len(m.processing))
		for id := range m.processing {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(a, b int) bool {
			return m.processing[ids[a]].Before(m.processing[ids[b]])
		})
		for _, id := range ids {
			if len(out) == limit {
				break
			}
			out = append(out, m.jobs[id].Clone())
		}
	default:
		for i := len(m.history) - 1; i >= 0 && len(out) < limit; i-- {
			j := m.jobs[m.history[i]]
			if status != "" && j.Status != status {
				continue
			}
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

// Stats reports queue depth and today's completions
func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		Pending:        int64(m.pending.Len()),
		Processing:     int64(len(m.processing)),
		CompletedToday: m.completed[dayKey(m.now())],
	}, nil
}

// ReclaimStale requeues jobs claimed at least timeout ago
func (m *Memory) ReclaimStale(ctx context.Context, timeout time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-timeout)
	reclaimed := 0
	for id, claimedAt := range m.processing {
		if claimedAt.After(cutoff) {
			continue
		}
		if err := m.failLocked(id, m.jobs[id].Attempts, ErrReclaimTimeout.Error(), true); err != nil {
			continue
		}
		reclaimed++
	}
	return reclaimed, nil
}

func (m *Memory) pushLocked(j *job.Job) {
	m.seq++
	e := &entry{id: j.ID, priority: j.Priority, seq: m.seq}
	heap.Push(&m.pending, e)
	m.index[j.ID] = e

	// Wake every blocked claimer; the losers go back to waiting.
	if !m.closed {
		close(m.wake)
		m.wake = make(chan struct{})
	}
}

func (m *Memory) appendHistoryLocked(id string) {
	m.history = append(m.history, id)
	for len(m.history) > m.historySize {
		evicted := m.history[0]
		m.history = m.history[1:]
		delete(m.jobs, evicted)
	}
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// entry is one pending job in the priority heap
type entry struct {
	id       string
	priority int
	seq      uint64
	index    int
}

func (e *entry) before(o *entry) bool {
	if e.priority == o.priority {
		return e.seq < o.seq
	}
	return e.priority > o.priority
}

type entryHeap []*entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].before(h[j]) }

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
