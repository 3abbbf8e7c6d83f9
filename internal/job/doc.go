// Package job defines the Job record, its typed payloads and the lifecycle
// state machine shared by every queue backend, the worker pool and the API.
// The queue never interprets payloads; only handlers do.
package job
