// Package scheduler enqueues the periodic jobs. It never runs work itself:
// every tick is a single Enqueue on the shared queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/phrazzld/feedpulse/internal/config"
	"github.com/phrazzld/feedpulse/internal/job"
	"github.com/phrazzld/feedpulse/internal/queue"
	"github.com/phrazzld/feedpulse/internal/redact"
	"github.com/robfig/cron/v3"
)

// ErrUnknownEntry is returned by RunOnce for a name not in the schedule
var ErrUnknownEntry = errors.New("unknown schedule entry")

// enqueueTimeout bounds the Enqueue issued by one tick
const enqueueTimeout = 10 * time.Second

// Entry is one periodic job
type Entry struct {
	Name     string
	Interval time.Duration
	Payload  job.Payload
	Priority int
}

// Table returns the periodic jobs for cfg. Entries with a zero interval
// are left out.
func Table(cfg config.SchedulerConfig) []Entry {
	all := []Entry{
		{Name: "auto_scrape", Interval: cfg.AutoScrapeInterval, Payload: &job.AutoScrapePayload{}, Priority: 1},
		{Name: "backup_hourly", Interval: cfg.BackupHourlyInterval, Payload: &job.BackupPayload{Kind: job.BackupHourly}, Priority: 2},
		{Name: "backup_daily", Interval: cfg.BackupDailyInterval, Payload: &job.BackupPayload{Kind: job.BackupDaily}, Priority: 2},
		{Name: "cleanup", Interval: cfg.CleanupInterval, Payload: &job.CleanupPayload{}, Priority: 0},
	}

	entries := make([]Entry, 0, len(all))
	for _, e := range all {
		if e.Interval > 0 {
			entries = append(entries, e)
		}
	}
	return entries
}

// EntryInfo describes a scheduled entry
type EntryInfo struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	Next     time.Time     `json:"next_run"`
	Prev     time.Time     `json:"prev_run,omitempty"`
}

// Scheduler produces periodic jobs on a robfig/cron runner
type Scheduler struct {
	cron    *cron.Cron
	queue   queue.Queue
	log     *slog.Logger
	entries map[string]Entry
	ids     map[string]cron.EntryID
	mu      sync.RWMutex
	running bool
}

// New creates a scheduler for entries. Nothing runs until Start.
func New(q queue.Queue, entries []Entry, log *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(),
		queue:   q,
		log:     log.With("component", "scheduler"),
		entries: make(map[string]Entry, len(entries)),
		ids:     make(map[string]cron.EntryID, len(entries)),
	}

	for _, e := range entries {
		if err := s.add(e); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(e Entry) error {
	if e.Interval <= 0 {
		return fmt.Errorf("entry %s: interval must be positive", e.Name)
	}
	if _, ok := s.entries[e.Name]; ok {
		return fmt.Errorf("entry %s: duplicate name", e.Name)
	}

	entry := e
	id, err := s.cron.AddFunc("@every "+e.Interval.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
		defer cancel()
		_, _ = s.enqueue(ctx, entry)
	})
	if err != nil {
		return fmt.Errorf("entry %s: %w", e.Name, err)
	}

	s.entries[e.Name] = e
	s.ids[e.Name] = id
	s.log.Info("added schedule entry", "name", e.Name, "interval", e.Interval.String(), "priority", e.Priority)
	return nil
}

// Start begins firing entries. Missed ticks are never backfilled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	s.log.Info("scheduler started", "entries", len(s.entries))
}

// Stop halts the scheduler and waits for an in-flight enqueue, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false

	select {
	case <-s.cron.Stop().Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out")
	}
}

// Entries reports every entry with its next and previous fire times,
// sorted by name.
func (s *Scheduler) Entries() []EntryInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]EntryInfo, 0, len(s.entries))
	for name, e := range s.entries {
		ce := s.cron.Entry(s.ids[name])
		infos = append(infos, EntryInfo{
			Name:     name,
			Interval: e.Interval,
			Next:     ce.Next,
			Prev:     ce.Prev,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// RunOnce enqueues the job of the named entry immediately and returns its id.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownEntry, name)
	}
	return s.enqueue(ctx, e)
}

// RunAll enqueues every entry once, in name order. It stops at the first
// failure.
func (s *Scheduler) RunAll(ctx context.Context) ([]string, error) {
	ids := make([]string, 0, len(s.entries))
	for _, info := range s.Entries() {
		id, err := s.RunOnce(ctx, info.Name)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Scheduler) enqueue(ctx context.Context, e Entry) (string, error) {
	spec, err := job.SpecFor(e.Payload, e.Priority)
	if err != nil {
		s.log.Error("failed to build scheduled job", "name", e.Name, "error", err)
		return "", err
	}

	id, err := s.queue.Enqueue(ctx, spec)
	if err != nil {
		s.log.Error("failed to enqueue scheduled job", "name", e.Name, "job_type", spec.Type, "error", redact.Error(err))
		return "", err
	}

	s.log.Info("enqueued scheduled job", "name", e.Name, "job_type", spec.Type, "job_id", id)
	return id, nil
}
