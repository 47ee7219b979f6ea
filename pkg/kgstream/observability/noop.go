package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

// RecordCommand does nothing.
func (NoopMetrics) RecordCommand(context.Context, string, string, time.Duration) {}

// RecordBatch does nothing.
func (NoopMetrics) RecordBatch(context.Context, string, int, int, int, time.Duration) {}

// RecordProgress does nothing.
func (NoopMetrics) RecordProgress(context.Context, string, uint64) {}

// RecordRestart does nothing.
func (NoopMetrics) RecordRestart(context.Context, string, bool) {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartBatchSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartBatchSpan(ctx context.Context, _ string, _ uint64) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartCommandSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartCommandSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}
