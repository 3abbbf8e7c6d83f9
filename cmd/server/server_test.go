package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/phrazzld/feedpulse/internal/config"
	"github.com/phrazzld/feedpulse/internal/platform/metrics"
	"github.com/phrazzld/feedpulse/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 8080, LogLevel: "error", ShutdownTimeout: 2 * time.Second},
		Queue: config.QueueConfig{
			HistorySize:       1000,
			VisibilityTimeout: time.Minute,
			ReclaimInterval:   time.Second,
			BlockTimeout:      20 * time.Millisecond,
		},
		Worker: config.WorkerConfig{Concurrency: 1, JobTimeout: 10 * time.Second},
		Scheduler: config.SchedulerConfig{
			AutoScrapeQuery: "OVHcloud",
			AutoScrapeLimit: 50,
		},
		Collab: config.CollabConfig{Timeout: time.Second},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServeUntilCancelled(t *testing.T) {
	t.Parallel()

	a, err := newApplication(testConfig(), discardLogger(), queue.NewMemory(queue.MemoryConfig{}), metrics.New())
	require.NoError(t, err)
	assert.Nil(t, a.worker)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, map[string]string{"status": "ok", "backend": "memory"}, health)

	post, err := http.Post(base+"/jobs", "application/json",
		strings.NewReader(`{"job_type":"cleanup","payload":{"dry_run":true}}`))
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusCreated, post.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestEmbeddedWorkerNeedsCollaborators(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Worker.Embedded = true

	_, err := newApplication(cfg, discardLogger(), queue.NewMemory(queue.MemoryConfig{}), nil)
	assert.Error(t, err)

	cfg.Collab.BaseURL = "http://127.0.0.1:1"
	a, err := newApplication(cfg, discardLogger(), queue.NewMemory(queue.MemoryConfig{}), nil)
	require.NoError(t, err)
	assert.NotNil(t, a.worker)
}
