package collab

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/phrazzld/feedpulse/internal/config"
)

// Client talks to the dashboard's internal HTTP API, which fronts every
// collaborator service.
type Client struct {
	http *resty.Client
}

var (
	_ Connectors     = (*Client)(nil)
	_ Pipeline       = (*Client)(nil)
	_ PostStore      = (*Client)(nil)
	_ BackupService  = (*Client)(nil)
	_ CleanupService = (*Client)(nil)
)

// New creates a client from cfg. It returns ErrNotConfigured when no base
// URL is set.
func New(cfg config.CollabConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, ErrNotConfigured
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetRedirectPolicy(resty.NoRedirectPolicy())
	if cfg.Token != "" {
		r.SetAuthToken(cfg.Token)
	}

	return &Client{http: r}, nil
}

// apiError is the error body returned by the dashboard API
type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, op, path string, body, out any) (int, error) {
	var failure apiError
	req := c.http.R().
		SetContext(ctx).
		SetResult(out).
		SetError(&failure)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Post(path)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if resp.IsError() {
		msg := failure.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode())
		}
		return resp.StatusCode(), fmt.Errorf("%w: %s: status %d: %s", ErrUpstream, op, resp.StatusCode(), msg)
	}
	return resp.StatusCode(), nil
}

// Sources lists the names of every configured source connector
func (c *Client) Sources(ctx context.Context) ([]string, error) {
	var out struct {
		Sources []string `json:"sources"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/internal/sources")
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: list sources: status %d", ErrUpstream, resp.StatusCode())
	}
	return out.Sources, nil
}

// Source returns a connector for name. Whether the source exists is only
// known once Fetch is called.
func (c *Client) Source(name string) (SourceConnector, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrUnknownSource)
	}
	return &remoteSource{client: c, name: name}, nil
}

type remoteSource struct {
	client *Client
	name   string
}

func (s *remoteSource) Name() string { return s.name }

func (s *remoteSource) Fetch(ctx context.Context, query string, limit int) ([]RawItem, error) {
	var out struct {
		Items []RawItem `json:"items"`
	}
	body := map[string]any{"query": query, "limit": limit}

	status, err := s.client.do(ctx, "fetch "+s.name, "/internal/sources/"+s.name+"/fetch", body, &out)
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, s.name)
	}
	if err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Score runs item through the relevance and sentiment pipeline
func (c *Client) Score(ctx context.Context, item RawItem) (ScoredItem, error) {
	var out ScoredItem
	if _, err := c.do(ctx, "score", "/internal/pipeline/score", item, &out); err != nil {
		return ScoredItem{}, err
	}
	return out, nil
}

// InsertIfNew stores item unless a post with the same source and external
// id exists, reporting whether it was inserted.
func (c *Client) InsertIfNew(ctx context.Context, item ScoredItem) (bool, error) {
	var out struct {
		Inserted bool `json:"inserted"`
	}
	if _, err := c.do(ctx, "insert post", "/internal/posts", item, &out); err != nil {
		return false, err
	}
	return out.Inserted, nil
}

// Dump asks the backup service for a dump of the given kind and returns
// where it was written.
func (c *Client) Dump(ctx context.Context, kind string) (string, error) {
	var out struct {
		Path string `json:"path"`
	}
	if _, err := c.do(ctx, "backup", "/internal/backups", map[string]string{"kind": kind}, &out); err != nil {
		return "", err
	}
	return out.Path, nil
}

// PurgeDuplicates removes duplicate posts and returns how many were, or
// would be with dryRun, removed.
func (c *Client) PurgeDuplicates(ctx context.Context, dryRun bool) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	if _, err := c.do(ctx, "cleanup", "/internal/cleanup", map[string]bool{"dry_run": dryRun}, &out); err != nil {
		return 0, err
	}
	return out.Removed, nil
}
