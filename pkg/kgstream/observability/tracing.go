package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer uses the global OTel tracer provider.
var tracer = otel.Tracer("kgstream")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartBatchSpan starts a span covering one batch flush of a projection.
	StartBatchSpan(ctx context.Context, projection string, offset uint64) (context.Context, trace.Span)

	// StartCommandSpan starts a span for one aggregate command.
	StartCommandSpan(ctx context.Context, entityType, entityID string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartBatchSpan starts a batch span.
func (m *otelSpanManager) StartBatchSpan(ctx context.Context, projection string, offset uint64) (context.Context, trace.Span) {
	return tracer.Start(ctx, "kgstream.batch",
		trace.WithAttributes(
			attribute.String("projection", projection),
			attribute.Int64("offset", int64(offset)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartCommandSpan starts a command span.
func (m *otelSpanManager) StartCommandSpan(ctx context.Context, entityType, entityID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "kgstream.command."+entityType,
		trace.WithAttributes(
			attribute.String("entity.type", entityType),
			attribute.String("entity.id", entityID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
