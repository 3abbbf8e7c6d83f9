// Package collab defines the services job handlers depend on but this
// repository does not implement: source connectors, the relevance and
// sentiment pipeline, the post store, and the backup and cleanup services.
package collab

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownSource is returned when no connector exists for a source name
	ErrUnknownSource = errors.New("unknown source")

	// ErrNotConfigured is returned when the collaborator API has no base URL
	ErrNotConfigured = errors.New("collaborator API not configured")

	// ErrUpstream is returned when a collaborator answers with an error status
	ErrUpstream = errors.New("collaborator request failed")
)

// RawItem is one post as returned by a source connector
type RawItem struct {
	Source      string    `json:"source"`
	ExternalID  string    `json:"external_id"`
	URL         string    `json:"url"`
	Author      string    `json:"author,omitempty"`
	Title       string    `json:"title,omitempty"`
	Content     string    `json:"content"`
	PublishedAt time.Time `json:"published_at"`
}

// ScoredItem is a RawItem after relevance and sentiment scoring
type ScoredItem struct {
	RawItem
	Relevant       bool    `json:"relevant"`
	RelevanceScore float64 `json:"relevance_score"`
	Sentiment      string  `json:"sentiment"`
	SentimentScore float64 `json:"sentiment_score"`
}

// SourceConnector fetches posts matching a query from one external source
type SourceConnector interface {
	Name() string
	Fetch(ctx context.Context, query string, limit int) ([]RawItem, error)
}

// Connectors resolves source connectors by name
type Connectors interface {
	Source(name string) (SourceConnector, error)
	Sources(ctx context.Context) ([]string, error)
}

// Pipeline scores raw items for relevance and sentiment
type Pipeline interface {
	Score(ctx context.Context, item RawItem) (ScoredItem, error)
}

// PostStore persists scored posts, skipping ones already stored
type PostStore interface {
	InsertIfNew(ctx context.Context, item ScoredItem) (bool, error)
}

// BackupService produces database dumps
type BackupService interface {
	Dump(ctx context.Context, kind string) (string, error)
}

// CleanupService removes duplicate posts
type CleanupService interface {
	PurgeDuplicates(ctx context.Context, dryRun bool) (int, error)
}
