package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/phrazzld/feedpulse/internal/job"
	"golang.org/x/sync/semaphore"
)

// Handler executes one job. The returned value is encoded as the job's
// JSON result. Handlers must return promptly once ctx is done.
type Handler interface {
	Handle(ctx context.Context, j *job.Job) (any, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, j *job.Job) (any, error)

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, j *job.Job) (any, error) {
	return f(ctx, j)
}

// Typed adapts a function taking the decoded payload. Payloads that fail
// to decode, or decode to another type, fail the job permanently.
func Typed[P job.Payload](fn func(ctx context.Context, j *job.Job, p P) (any, error)) Handler {
	return HandlerFunc(func(ctx context.Context, j *job.Job) (any, error) {
		decoded, err := job.DecodePayload(j)
		if err != nil {
			return nil, Permanent(err)
		}
		p, ok := decoded.(P)
		if !ok {
			return nil, Permanent(fmt.Errorf("%w: payload %T does not match handler", job.ErrInvalidJob, decoded))
		}
		return fn(ctx, j, p)
	})
}

type registration struct {
	handler Handler
	slots   *semaphore.Weighted
}

// Registry maps job types to handlers and optional per-type concurrency
// caps.
type Registry struct {
	mu       sync.RWMutex
	handlers map[job.Type]*registration
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[job.Type]*registration)}
}

// Register sets the handler for t, replacing any previous one.
func (r *Registry) Register(t job.Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reg, ok := r.handlers[t]; ok {
		reg.handler = h
		return
	}
	r.handlers[t] = &registration{handler: h}
}

// Limit caps how many jobs of type t run at once in this process. A cap
// below one removes the limit.
func (r *Registry) Limit(t job.Type, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.handlers[t]
	if !ok {
		reg = &registration{}
		r.handlers[t] = reg
	}
	if n < 1 {
		reg.slots = nil
		return
	}
	reg.slots = semaphore.NewWeighted(int64(n))
}

// Types returns the types with a registered handler, sorted.
func (r *Registry) Types() []job.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]job.Type, 0, len(r.handlers))
	for t, reg := range r.handlers {
		if reg.handler != nil {
			types = append(types, t)
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func (r *Registry) lookup(t job.Type) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.handlers[t]
	if !ok || reg.handler == nil {
		return nil, false
	}
	return reg.handler, true
}

// reservation holds one slot of every capped type that had room when a
// worker slot went to claim. Types without room are listed in full and
// skipped by the claim, so a claimed job never waits for a slot.
type reservation struct {
	held map[job.Type]*semaphore.Weighted
	full []job.Type
}

func (r *Registry) reserve() *reservation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := &reservation{held: make(map[job.Type]*semaphore.Weighted)}
	for t, reg := range r.handlers {
		if reg.slots == nil {
			continue
		}
		if reg.slots.TryAcquire(1) {
			res.held[t] = reg.slots
		} else {
			res.full = append(res.full, t)
		}
	}
	return res
}

// keep releases every held slot except the one for t and returns the
// function releasing that one.
func (res *reservation) keep(t job.Type) func() {
	var kept *semaphore.Weighted
	for typ, slots := range res.held {
		if typ == t {
			kept = slots
			continue
		}
		slots.Release(1)
	}
	res.held = nil

	if kept == nil {
		return func() {}
	}
	return func() { kept.Release(1) }
}

// release gives back every held slot
func (res *reservation) release() {
	res.keep("")
}
