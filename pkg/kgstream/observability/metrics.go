package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records kgstream metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordCommand records an aggregate command evaluation.
	// outcome is "applied", "rejected" or "error".
	RecordCommand(ctx context.Context, entityType, outcome string, duration time.Duration)

	// RecordBatch records a flushed indexing batch.
	RecordBatch(ctx context.Context, projection string, docs, discarded, failed int, duration time.Duration)

	// RecordProgress records the offset a projection has committed.
	RecordProgress(ctx context.Context, projection string, offset uint64)

	// RecordRestart records a supervised daemon restart.
	RecordRestart(ctx context.Context, daemon string, gaveUp bool)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	commands       metric.Int64Counter
	commandLatency metric.Float64Histogram
	batches        metric.Int64Counter
	batchLatency   metric.Float64Histogram
	events         metric.Int64Counter
	offset         metric.Int64Gauge
	restarts       metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("kgstream")

	commands, err := meter.Int64Counter("kgstream.aggregate.commands",
		metric.WithDescription("Number of evaluated commands"),
	)
	if err != nil {
		return nil, err
	}

	commandLatency, err := meter.Float64Histogram("kgstream.aggregate.latency_ms",
		metric.WithDescription("Command evaluation latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	batches, err := meter.Int64Counter("kgstream.stream.batches",
		metric.WithDescription("Number of flushed indexing batches"),
	)
	if err != nil {
		return nil, err
	}

	batchLatency, err := meter.Float64Histogram("kgstream.stream.batch_latency_ms",
		metric.WithDescription("Batch flush latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	events, err := meter.Int64Counter("kgstream.stream.events",
		metric.WithDescription("Number of consumed events by outcome"),
	)
	if err != nil {
		return nil, err
	}

	offset, err := meter.Int64Gauge("kgstream.stream.offset",
		metric.WithDescription("Last committed offset per projection"),
	)
	if err != nil {
		return nil, err
	}

	restarts, err := meter.Int64Counter("kgstream.daemon.restarts",
		metric.WithDescription("Number of supervised daemon restarts"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		commands:       commands,
		commandLatency: commandLatency,
		batches:        batches,
		batchLatency:   batchLatency,
		events:         events,
		offset:         offset,
		restarts:       restarts,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordCommand records a command evaluation.
func (m *otelMetrics) RecordCommand(ctx context.Context, entityType, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("entity_type", entityType),
		attribute.String("outcome", outcome),
	)
	m.commands.Add(ctx, 1, attrs)
	m.commandLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

// RecordBatch records a flushed batch.
func (m *otelMetrics) RecordBatch(ctx context.Context, projection string, docs, discarded, failed int, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("projection", projection))
	m.batches.Add(ctx, 1, attrs)
	m.batchLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)

	for outcome, n := range map[string]int{"indexed": docs, "discarded": discarded, "failed": failed} {
		if n == 0 {
			continue
		}
		m.events.Add(ctx, int64(n), metric.WithAttributes(
			attribute.String("projection", projection),
			attribute.String("outcome", outcome),
		))
	}
}

// RecordProgress records a committed offset.
func (m *otelMetrics) RecordProgress(ctx context.Context, projection string, offset uint64) {
	m.offset.Record(ctx, int64(offset), metric.WithAttributes(attribute.String("projection", projection)))
}

// RecordRestart records a daemon restart or give-up.
func (m *otelMetrics) RecordRestart(ctx context.Context, daemon string, gaveUp bool) {
	m.restarts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("daemon", daemon),
		attribute.Bool("gave_up", gaveUp),
	))
}
