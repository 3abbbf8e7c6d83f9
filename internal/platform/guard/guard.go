// Package guard bounds calls to external backends: every attempt runs under
// its own timeout and transient failures are retried a fixed number of
// times before the call is reported as queue.ErrQueueUnavailable.
package guard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/phrazzld/feedpulse/internal/queue"
	"github.com/sethvargo/go-retry"
)

// Policy describes how a backend call is bounded
type Policy struct {
	// Timeout bounds a single attempt.
	Timeout time.Duration

	// Retries is the number of extra attempts after the first.
	Retries uint64

	// Backoff is the constant delay between attempts.
	Backoff time.Duration

	// Transient reports whether err is worth retrying. Defaults to
	// IsTransient.
	Transient func(error) bool
}

// Default is the policy used when a backend is configured without one:
// 750ms per attempt and a single retry after 100ms.
var Default = Policy{
	Timeout: 750 * time.Millisecond,
	Retries: 1,
	Backoff: 100 * time.Millisecond,
}

func (p Policy) withDefaults() Policy {
	if p.Timeout <= 0 {
		p.Timeout = Default.Timeout
	}
	if p.Backoff <= 0 {
		p.Backoff = Default.Backoff
	}
	if p.Transient == nil {
		p.Transient = IsTransient
	}
	return p
}

// Call runs op under p. Errors that are not transient are returned as is.
func Call(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Value runs op under p and returns its result.
func Value[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	backoff := retry.WithMaxRetries(p.Retries, retry.NewConstant(p.Backoff))

	var (
		v    T
		last error
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		defer cancel()

		var err error
		v, err = op(attemptCtx)
		if err != nil && p.Transient(err) {
			last = err
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return v, nil
	}

	// The caller gave up; that is not the backend's fault.
	if ctx.Err() != nil {
		return v, ctx.Err()
	}
	if last != nil && errors.Is(err, last) {
		return v, fmt.Errorf("%w: %v", queue.ErrQueueUnavailable, err)
	}
	return v, err
}

// IsTransient reports whether err looks like a connectivity problem rather
// than a logical failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, queue.ErrQueueUnavailable) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
