// Package observability provides structured logging, metrics and tracing
// helpers shared by the aggregate engine, indexing streams and daemons.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds projection context to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, "projects-index", 2)
//	enriched.Info("flushing") // includes projection and attempt
func EnrichLogger(logger *slog.Logger, projection string, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("projection", projection),
		slog.Int("attempt", attempt),
	)
}

// LogStreamStart logs the start of an indexing stream at its resume offset.
func LogStreamStart(logger *slog.Logger, projection string, offset uint64) {
	if logger == nil {
		return
	}
	logger.Info("indexing stream starting",
		slog.String("projection", projection),
		slog.Uint64("offset", offset),
	)
}

// LogBatchFlushed logs a committed batch.
func LogBatchFlushed(logger *slog.Logger, projection string, offset uint64, docs, discarded, failed int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("batch flushed",
		slog.String("projection", projection),
		slog.Uint64("offset", offset),
		slog.Int("documents", docs),
		slog.Int("discarded", discarded),
		slog.Int("failed", failed),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogEventFailed logs an event the exchange could not convert.
func LogEventFailed(logger *slog.Logger, projection string, offset uint64, entityID string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("event exchange failed",
		slog.String("projection", projection),
		slog.Uint64("offset", offset),
		slog.String("entity_id", entityID),
		slog.String("error", err.Error()),
	)
}

// LogStreamError logs an indexing stream failure.
func LogStreamError(logger *slog.Logger, projection string, offset uint64, err error) {
	if logger == nil {
		return
	}
	logger.Error("indexing stream failed",
		slog.String("projection", projection),
		slog.Uint64("offset", offset),
		slog.String("error", err.Error()),
	)
}

// LogDaemonRestart logs a supervised restart.
func LogDaemonRestart(logger *slog.Logger, name string, attempt int, delay time.Duration, err error) {
	if logger == nil {
		return
	}
	logger.Warn("daemon restarting",
		slog.String("daemon", name),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.String("error", err.Error()),
	)
}

// LogDaemonGiveUp logs a daemon that will not be restarted.
func LogDaemonGiveUp(logger *slog.Logger, name string, restarts int, err error) {
	if logger == nil {
		return
	}
	logger.Error("daemon gave up",
		slog.String("daemon", name),
		slog.Int("restarts", restarts),
		slog.String("error", err.Error()),
	)
}

// LogAppendRetry logs a failed event append that will be retried (non-fatal).
func LogAppendRetry(logger *slog.Logger, entityID string, attempt int, err error) {
	if logger == nil {
		return
	}
	logger.Warn("event append failed, retrying",
		slog.String("entity_id", entityID),
		slog.Int("attempt", attempt),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
