// Package api serves the producer HTTP API: job submission, inspection,
// cancellation and queue statistics, plus health and metrics endpoints.
// Handlers translate queue errors into status codes and never expose raw
// error text to clients.
package api
