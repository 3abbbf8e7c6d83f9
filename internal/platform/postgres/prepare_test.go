package postgres

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// silentServer accepts connections and never answers the startup message.
func silentServer(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().String()
}

func TestPrepareBoundsMigrations(t *testing.T) {
	t.Parallel()

	url := "postgres://feedpulse@" + silentServer(t) + "/feedpulse?sslmode=disable"
	q, err := Open(url, Config{
		MigrateTimeout: 100 * time.Millisecond,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	start := time.Now()
	err = q.Prepare(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNewDefaultsMigrateTimeout(t *testing.T) {
	t.Parallel()

	q := New(nil, Config{})
	assert.Equal(t, DefaultMigrateTimeout, q.cfg.MigrateTimeout)
}
