// Package queue defines the contract every job queue backend implements,
// the in-memory fallback backend and a metrics decorator. Durable backends
// live under internal/platform; internal/backend selects one at startup.
package queue
