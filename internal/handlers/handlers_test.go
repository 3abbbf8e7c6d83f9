package handlers_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/phrazzld/feedpulse/internal/collab"
	"github.com/phrazzld/feedpulse/internal/handlers"
	"github.com/phrazzld/feedpulse/internal/job"
	"github.com/phrazzld/feedpulse/internal/queue"
	"github.com/phrazzld/feedpulse/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	name    string
	FetchFn func(ctx context.Context, query string, limit int) ([]collab.RawItem, error)
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) Fetch(ctx context.Context, query string, limit int) ([]collab.RawItem, error) {
	return s.FetchFn(ctx, query, limit)
}

type fakeConnectors struct {
	sources map[string]*fakeSource
	order   []string
}

func (c *fakeConnectors) add(name string, fetch func(ctx context.Context, query string, limit int) ([]collab.RawItem, error)) {
	if c.sources == nil {
		c.sources = make(map[string]*fakeSource)
	}
	c.sources[name] = &fakeSource{name: name, FetchFn: fetch}
	c.order = append(c.order, name)
}

func (c *fakeConnectors) Source(name string) (collab.SourceConnector, error) {
	s, ok := c.sources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", collab.ErrUnknownSource, name)
	}
	return s, nil
}

func (c *fakeConnectors) Sources(ctx context.Context) ([]string, error) {
	return c.order, nil
}

type fakePipeline struct {
	ScoreFn func(ctx context.Context, item collab.RawItem) (collab.ScoredItem, error)
}

func (p *fakePipeline) Score(ctx context.Context, item collab.RawItem) (collab.ScoredItem, error) {
	return p.ScoreFn(ctx, item)
}

type fakeStore struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (s *fakeStore) InsertIfNew(ctx context.Context, item collab.ScoredItem) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	key := item.Source + "/" + item.ExternalID
	if s.seen[key] {
		return false, nil
	}
	s.seen[key] = true
	return true, nil
}

type fakeBackups struct {
	DumpFn func(ctx context.Context, kind string) (string, error)
}

func (b *fakeBackups) Dump(ctx context.Context, kind string) (string, error) {
	return b.DumpFn(ctx, kind)
}

type fakeCleanup struct {
	PurgeFn func(ctx context.Context, dryRun bool) (int, error)
}

func (c *fakeCleanup) PurgeDuplicates(ctx context.Context, dryRun bool) (int, error) {
	return c.PurgeFn(ctx, dryRun)
}

func items(source string, ids ...string) []collab.RawItem {
	out := make([]collab.RawItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, collab.RawItem{Source: source, ExternalID: id, Content: "content " + id})
	}
	return out
}

func fixedItems(source string, ids ...string) func(context.Context, string, int) ([]collab.RawItem, error) {
	return func(ctx context.Context, query string, limit int) ([]collab.RawItem, error) {
		return items(source, ids...), nil
	}
}

// relevantUnlessSkip marks every item relevant except ids starting with "skip".
var relevantUnlessSkip = &fakePipeline{ScoreFn: func(ctx context.Context, item collab.RawItem) (collab.ScoredItem, error) {
	return collab.ScoredItem{RawItem: item, Relevant: len(item.ExternalID) < 4 || item.ExternalID[:4] != "skip"}, nil
}}

func newHandlers(conns *fakeConnectors, q queue.Queue) *handlers.Handlers {
	return handlers.New(handlers.Deps{
		Connectors:   conns,
		Pipeline:     relevantUnlessSkip,
		Posts:        &fakeStore{},
		Queue:        q,
		DefaultQuery: "OVHcloud",
		DefaultLimit: 25,
	})
}

func TestScrapeSource(t *testing.T) {
	t.Parallel()

	conns := &fakeConnectors{}
	conns.add("reddit", fixedItems("reddit", "a", "b", "skip1", "c"))
	h := newHandlers(conns, nil)

	out, err := h.ScrapeSource(context.Background(), &job.Job{}, &job.ScrapeSourcePayload{Source: "reddit", Query: "OVHcloud", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, handlers.ScrapeResult{Source: "reddit", Fetched: 4, Relevant: 3, Added: 3}, out)

	// Posts already stored are not added twice.
	out, err = h.ScrapeSource(context.Background(), &job.Job{}, &job.ScrapeSourcePayload{Source: "reddit", Query: "OVHcloud", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, out.(handlers.ScrapeResult).Added)
}

func TestScrapeSourceUnknownSourceIsPermanent(t *testing.T) {
	t.Parallel()

	h := newHandlers(&fakeConnectors{}, nil)
	_, err := h.ScrapeSource(context.Background(), &job.Job{}, &job.ScrapeSourcePayload{Source: "myspace", Query: "q", Limit: 1})
	require.ErrorIs(t, err, collab.ErrUnknownSource)
	assert.True(t, worker.IsPermanent(err))
}

func TestScrapeSourceFetchErrorIsRetryable(t *testing.T) {
	t.Parallel()

	conns := &fakeConnectors{}
	conns.add("reddit", func(ctx context.Context, query string, limit int) ([]collab.RawItem, error) {
		return nil, errors.New("rate limited")
	})
	h := newHandlers(conns, nil)

	_, err := h.ScrapeSource(context.Background(), &job.Job{}, &job.ScrapeSourcePayload{Source: "reddit", Query: "q", Limit: 1})
	require.Error(t, err)
	assert.False(t, worker.IsPermanent(err))
}

func TestScrapeSourceStopsWhenCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	conns := &fakeConnectors{}
	conns.add("reddit", fixedItems("reddit", "a", "b", "c"))

	scored := 0
	h := handlers.New(handlers.Deps{
		Connectors: conns,
		Pipeline: &fakePipeline{ScoreFn: func(ctx context.Context, item collab.RawItem) (collab.ScoredItem, error) {
			scored++
			cancel()
			return collab.ScoredItem{RawItem: item, Relevant: true}, nil
		}},
		Posts: &fakeStore{},
	})

	_, err := h.ScrapeSource(ctx, &job.Job{}, &job.ScrapeSourcePayload{Source: "reddit", Query: "q", Limit: 3})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, scored)
}

func TestScrapeAll(t *testing.T) {
	t.Parallel()

	conns := &fakeConnectors{}
	conns.add("reddit", fixedItems("reddit", "a", "b"))
	conns.add("trustpilot", func(ctx context.Context, query string, limit int) ([]collab.RawItem, error) {
		return nil, errors.New("timeout")
	})
	conns.add("x", fixedItems("x", "c"))
	h := newHandlers(conns, nil)

	t.Run("partial failure succeeds", func(t *testing.T) {
		out, err := h.ScrapeAll(context.Background(), &job.Job{}, &job.ScrapeAllPayload{Query: "q", Limit: 5})
		require.NoError(t, err)

		res := out.(handlers.ScrapeAllResult)
		assert.Equal(t, 3, res.Added)
		assert.Equal(t, map[string]int{"reddit": 2, "x": 1}, res.PerSource)
		assert.Contains(t, res.Errors["trustpilot"], "timeout")
	})

	t.Run("listed subset", func(t *testing.T) {
		out, err := h.ScrapeAll(context.Background(), &job.Job{}, &job.ScrapeAllPayload{Query: "other", Limit: 5, Sources: []string{"x"}})
		require.NoError(t, err)
		res := out.(handlers.ScrapeAllResult)
		assert.Equal(t, map[string]int{"x": 0}, res.PerSource)
		assert.Empty(t, res.Errors)
	})

	t.Run("every source failing is an error", func(t *testing.T) {
		_, err := h.ScrapeAll(context.Background(), &job.Job{}, &job.ScrapeAllPayload{Query: "q", Limit: 5, Sources: []string{"trustpilot"}})
		require.Error(t, err)
		assert.False(t, worker.IsPermanent(err))
	})

	t.Run("every source unknown is permanent", func(t *testing.T) {
		_, err := h.ScrapeAll(context.Background(), &job.Job{}, &job.ScrapeAllPayload{Query: "q", Limit: 5, Sources: []string{"myspace"}})
		require.Error(t, err)
		assert.True(t, worker.IsPermanent(err))
	})
}

func TestAutoScrapeFansOut(t *testing.T) {
	t.Parallel()

	conns := &fakeConnectors{}
	conns.add("reddit", fixedItems("reddit"))
	conns.add("trustpilot", fixedItems("trustpilot"))
	q := queue.NewMemory(queue.MemoryConfig{})
	h := newHandlers(conns, q)
	ctx := context.Background()

	out, err := h.AutoScrape(ctx, &job.Job{}, &job.AutoScrapePayload{})
	require.NoError(t, err)

	res := out.(handlers.AutoScrapeResult)
	require.Len(t, res.Enqueued, 2)

	for i, id := range res.Enqueued {
		j, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.TypeScrapeSource, j.Type)
		assert.Equal(t, handlers.AutoScrapePriority, j.Priority)

		p, err := job.DecodePayload(j)
		require.NoError(t, err)
		assert.Equal(t, &job.ScrapeSourcePayload{Source: conns.order[i], Query: "OVHcloud", Limit: 25}, p)
	}
}

func TestAutoScrapeUsesPayloadQuery(t *testing.T) {
	t.Parallel()

	conns := &fakeConnectors{}
	conns.add("reddit", fixedItems("reddit"))
	q := queue.NewMemory(queue.MemoryConfig{})
	h := newHandlers(conns, q)

	out, err := h.AutoScrape(context.Background(), &job.Job{}, &job.AutoScrapePayload{Query: "ovh outage", Limit: 5})
	require.NoError(t, err)

	id := out.(handlers.AutoScrapeResult).Enqueued[0]
	j, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"source":"reddit","query":"ovh outage","limit":5}`, string(j.Payload))
}

func TestBackupAndCleanup(t *testing.T) {
	t.Parallel()

	h := handlers.New(handlers.Deps{
		Backups: &fakeBackups{DumpFn: func(ctx context.Context, kind string) (string, error) {
			if kind == job.BackupHourly {
				return "", errors.New("disk full")
			}
			return "/backups/" + kind + ".sql.gz", nil
		}},
		Cleanup: &fakeCleanup{PurgeFn: func(ctx context.Context, dryRun bool) (int, error) {
			return 7, nil
		}},
	})
	ctx := context.Background()

	out, err := h.Backup(ctx, &job.Job{}, &job.BackupPayload{Kind: job.BackupDaily})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"path": "/backups/daily.sql.gz"}, out)

	_, err = h.Backup(ctx, &job.Job{}, &job.BackupPayload{Kind: job.BackupHourly})
	assert.ErrorContains(t, err, "hourly backup: disk full")

	out, err = h.Cleanup(ctx, &job.Job{}, &job.CleanupPayload{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"removed": 7, "dry_run": true}, out)
}

func TestRegisterBindsEveryType(t *testing.T) {
	t.Parallel()

	reg := worker.NewRegistry()
	newHandlers(&fakeConnectors{}, nil).Register(reg, map[string]int{"scrape_source": 1})

	assert.ElementsMatch(t, job.Types(), reg.Types())
}
