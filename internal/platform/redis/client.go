package redis

import (
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// NewClient builds a client from a redis:// or rediss:// URL. It does not
// contact the server; the queue facade performs the health check.
func NewClient(url string, opTimeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if opTimeout > 0 {
		opts.DialTimeout = opTimeout
		opts.ReadTimeout = opTimeout
		opts.WriteTimeout = opTimeout
	}
	// The guard owns retries.
	opts.MaxRetries = -1

	return redis.NewClient(opts), nil
}
