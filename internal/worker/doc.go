// Package worker consumes jobs from a queue.Queue.
//
// A Pool runs a fixed number of slots. Each slot claims the next job,
// dispatches it to the handler registered for its type, and acknowledges
// or fails it. Delivery is at-least-once: a job whose worker dies is
// returned to the queue by the Sweeper once its visibility timeout has
// passed, so handlers must tolerate running more than once.
package worker
