// Package logger provides structured logging for the service.
//
// It builds log/slog JSON loggers with a configurable level and carries
// request- or job-scoped loggers through a context.Context.
package logger
