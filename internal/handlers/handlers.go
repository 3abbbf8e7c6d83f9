// Package handlers implements the job handlers run by the worker pool.
// Each handler is thin glue over the collaborator services in collab.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/phrazzld/feedpulse/internal/collab"
	"github.com/phrazzld/feedpulse/internal/job"
	"github.com/phrazzld/feedpulse/internal/platform/logger"
	"github.com/phrazzld/feedpulse/internal/queue"
	"github.com/phrazzld/feedpulse/internal/worker"
)

// AutoScrapePriority is the priority of the scrape_source jobs produced by
// an auto_scrape fan-out.
const AutoScrapePriority = 1

// Deps holds the collaborators used by the handlers.
type Deps struct {
	Connectors collab.Connectors
	Pipeline   collab.Pipeline
	Posts      collab.PostStore
	Backups    collab.BackupService
	Cleanup    collab.CleanupService

	// Queue receives the jobs produced by auto_scrape.
	Queue queue.Queue

	// DefaultQuery and DefaultLimit fill in auto_scrape payloads that
	// carry none.
	DefaultQuery string
	DefaultLimit int
}

// Handlers runs jobs against Deps
type Handlers struct {
	deps Deps
}

// New creates the handler set
func New(deps Deps) *Handlers {
	if deps.DefaultLimit <= 0 {
		deps.DefaultLimit = job.DefaultScrapeLimit
	}
	return &Handlers{deps: deps}
}

// Register binds every handler to its job type on r and applies the
// per-type slot caps.
func (h *Handlers) Register(r *worker.Registry, slotCaps map[string]int) {
	r.Register(job.TypeScrapeSource, worker.Typed(h.ScrapeSource))
	r.Register(job.TypeScrapeAll, worker.Typed(h.ScrapeAll))
	r.Register(job.TypeAutoScrape, worker.Typed(h.AutoScrape))
	r.Register(job.TypeBackup, worker.Typed(h.Backup))
	r.Register(job.TypeCleanup, worker.Typed(h.Cleanup))

	for name, n := range slotCaps {
		r.Limit(job.Type(name), n)
	}
}

// ScrapeResult is the result of a scrape_source job
type ScrapeResult struct {
	Source   string `json:"source"`
	Fetched  int    `json:"fetched"`
	Relevant int    `json:"relevant"`
	Added    int    `json:"added"`
}

// ScrapeSource fetches, scores and stores posts from one source.
func (h *Handlers) ScrapeSource(ctx context.Context, j *job.Job, p *job.ScrapeSourcePayload) (any, error) {
	return h.scrape(ctx, p.Source, p.Query, p.Limit)
}

func (h *Handlers) scrape(ctx context.Context, source, query string, limit int) (ScrapeResult, error) {
	log := logger.FromContext(ctx)
	res := ScrapeResult{Source: source}

	conn, err := h.deps.Connectors.Source(source)
	if err != nil {
		return res, sourceError(err)
	}

	items, err := conn.Fetch(ctx, query, limit)
	if err != nil {
		return res, sourceError(err)
	}
	res.Fetched = len(items)

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		scored, err := h.deps.Pipeline.Score(ctx, item)
		if err != nil {
			return res, fmt.Errorf("scoring %s item %s: %w", source, item.ExternalID, err)
		}
		if !scored.Relevant {
			continue
		}
		res.Relevant++

		inserted, err := h.deps.Posts.InsertIfNew(ctx, scored)
		if err != nil {
			return res, fmt.Errorf("storing %s item %s: %w", source, item.ExternalID, err)
		}
		if inserted {
			res.Added++
		}
	}

	log.Info("scraped source",
		"source", source,
		"fetched", res.Fetched,
		"relevant", res.Relevant,
		"added", res.Added)
	return res, nil
}

func sourceError(err error) error {
	if errors.Is(err, collab.ErrUnknownSource) {
		return worker.Permanent(err)
	}
	return err
}

// ScrapeAllResult is the result of a scrape_all job
type ScrapeAllResult struct {
	Added     int               `json:"added"`
	PerSource map[string]int    `json:"per_source"`
	Errors    map[string]string `json:"errors"`
}

// ScrapeAll scrapes every source, or the listed subset. Per-source
// failures are reported in the result; the job only fails when every
// source failed.
func (h *Handlers) ScrapeAll(ctx context.Context, j *job.Job, p *job.ScrapeAllPayload) (any, error) {
	sources := p.Sources
	if len(sources) == 0 {
		var err error
		if sources, err = h.deps.Connectors.Sources(ctx); err != nil {
			return nil, fmt.Errorf("listing sources: %w", err)
		}
	}

	res := ScrapeAllResult{
		PerSource: make(map[string]int, len(sources)),
		Errors:    make(map[string]string),
	}
	failed := make([]string, 0)
	permanent := 0
	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sr, err := h.scrape(ctx, source, p.Query, p.Limit)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			res.Errors[source] = err.Error()
			failed = append(failed, source)
			if worker.IsPermanent(err) {
				permanent++
			}
			logger.FromContext(ctx).Warn("source scrape failed", "source", source, "error", err)
			continue
		}
		res.PerSource[source] = sr.Added
		res.Added += sr.Added
	}

	if len(sources) > 0 && len(failed) == len(sources) {
		sort.Strings(failed)
		err := fmt.Errorf("every source failed: %s", strings.Join(failed, ", "))
		if permanent == len(sources) {
			return nil, worker.Permanent(err)
		}
		return nil, err
	}
	return res, nil
}

// AutoScrapeResult is the result of an auto_scrape job
type AutoScrapeResult struct {
	Enqueued []string `json:"enqueued"`
}

// AutoScrape fans out one scrape_source job per known source.
func (h *Handlers) AutoScrape(ctx context.Context, j *job.Job, p *job.AutoScrapePayload) (any, error) {
	query := p.Query
	if query == "" {
		query = h.deps.DefaultQuery
	}
	limit := p.Limit
	if limit == 0 {
		limit = h.deps.DefaultLimit
	}

	sources, err := h.deps.Connectors.Sources(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}

	res := AutoScrapeResult{Enqueued: make([]string, 0, len(sources))}
	for _, source := range sources {
		spec, err := job.SpecFor(&job.ScrapeSourcePayload{Source: source, Query: query, Limit: limit}, AutoScrapePriority)
		if err != nil {
			return nil, worker.Permanent(err)
		}
		id, err := h.deps.Queue.Enqueue(ctx, spec)
		if err != nil {
			if errors.Is(err, job.ErrInvalidJob) {
				logger.FromContext(ctx).Warn("skipping source with invalid scrape job", "source", source, "error", err)
				continue
			}
			return nil, fmt.Errorf("enqueueing scrape of %s: %w", source, err)
		}
		res.Enqueued = append(res.Enqueued, id)
	}

	logger.FromContext(ctx).Info("auto scrape fanned out", "query", query, "jobs", len(res.Enqueued))
	return res, nil
}

// Backup asks the backup service for a dump.
func (h *Handlers) Backup(ctx context.Context, j *job.Job, p *job.BackupPayload) (any, error) {
	path, err := h.deps.Backups.Dump(ctx, p.Kind)
	if err != nil {
		return nil, fmt.Errorf("%s backup: %w", p.Kind, err)
	}
	return map[string]string{"path": path}, nil
}

// Cleanup purges duplicate posts.
func (h *Handlers) Cleanup(ctx context.Context, j *job.Job, p *job.CleanupPayload) (any, error) {
	removed, err := h.deps.Cleanup.PurgeDuplicates(ctx, p.DryRun)
	if err != nil {
		return nil, fmt.Errorf("cleanup: %w", err)
	}
	return map[string]any{"removed": removed, "dry_run": p.DryRun}, nil
}
