package oteladapters

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AntonStoeckl/streams-eventstore-go/eventstore"
)

const (
	statusSuccess = "success"
	statusError   = "error"

	attrErrorType = "error_type"
	attrStatus    = "status"
)

// TracingCollector implements eventstore.TracingCollector with OpenTelemetry spans.
// The context returned by StartSpan carries the span, so logs and metrics recorded with it are correlated.
type TracingCollector struct {
	tracer trace.Tracer
}

var _ eventstore.TracingCollector = (*TracingCollector)(nil)

// NewTracingCollector creates a collector that starts spans with tracer.
func NewTracingCollector(tracer trace.Tracer) *TracingCollector {
	return &TracingCollector{tracer: tracer}
}

func (t *TracingCollector) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, eventstore.SpanContext) {
	attrSet := attributeSetOf(attrs)
	spanCtx, span := t.tracer.Start(
		ctx,
		name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrSet.ToSlice()...),
	)

	return spanCtx, &SpanContext{span: span}
}

// FinishSpan sets the final attributes and status and ends the span. Spans of other collectors are ignored.
func (t *TracingCollector) FinishSpan(spanCtx eventstore.SpanContext, status string, attrs map[string]string) {
	otelSpanCtx, ok := spanCtx.(*SpanContext)
	if !ok {
		return
	}

	attrSet := attributeSetOf(attrs)
	otelSpanCtx.span.SetAttributes(attrSet.ToSlice()...)
	otelSpanCtx.setStatus(status, attrs[attrErrorType])
	otelSpanCtx.span.End()
}

// SpanContext wraps an OpenTelemetry span as eventstore.SpanContext.
type SpanContext struct {
	span trace.Span
}

var _ eventstore.SpanContext = (*SpanContext)(nil)

func (s *SpanContext) SetStatus(status string) {
	s.setStatus(status, "")
}

func (s *SpanContext) AddAttribute(key, value string) {
	s.span.SetAttributes(attribute.String(key, value))
}

// setStatus maps the EventStore's statuses to span codes, the error type becomes the status description.
func (s *SpanContext) setStatus(status string, errorType string) {
	switch status {
	case statusSuccess:
		s.span.SetStatus(codes.Ok, "")
	case statusError:
		s.span.SetStatus(codes.Error, errorType)
	default:
		s.span.SetAttributes(attribute.String(attrStatus, status))
	}
}
