// Package trace provides tracing instrumentation tailored to the control
// flow: one span per scheduled task, parented on the span of the task
// whose frame scheduled it.
package trace

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "selenium.promise"

// Tracer generates spans for task execution. Task spans nest the way
// frames nest, so a trace of a flow reads like the frame tree it ran.
type Tracer struct {
	logger logrus.FieldLogger

	trace.Tracer

	metadata []attribute.KeyValue
}

// NewTracer creates a new Tracer from the given TraceProvider. metadata is
// attached to every span.
func NewTracer(logger logrus.FieldLogger, tp TraceProvider, metadata map[string]string, options ...trace.TracerOption) *Tracer {
	return &Tracer{
		logger:   logger,
		Tracer:   tp.Tracer(tracerName, options...),
		metadata: buildMetadataAttributes(metadata),
	}
}

// Start overrides the underlying OTEL tracer method to include the tracer
// metadata.
func (t *Tracer) Start(
	ctx context.Context, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(t.metadata...))
	return t.Tracer.Start(ctx, spanName, opts...)
}

// TraceTask starts a span covering one task from dequeue to settlement.
// The span is a child of whatever span ctx carries, which for sub-tasks is
// the span of the task that scheduled them. It is the caller's
// responsibility to end the returned span.
func (t *Tracer) TraceTask(
	ctx context.Context, desc string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(attribute.String("task.description", desc)))
	sctx, span := t.Start(ctx, "task", opts...)
	if t.logger != nil {
		return sctx, &SpanLogger{Span: span, logger: t.logger, spanName: desc}
	}
	return sctx, span
}

// RecordRejection marks the span as failed with the rejection reason.
func (t *Tracer) RecordRejection(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetTraceID returns the string form of the span context's trace ID, or
// "" when it has none.
func GetTraceID(spanCtx trace.SpanContext) string {
	if spanCtx.HasTraceID() {
		traceID := spanCtx.TraceID()
		return traceID.String()
	}
	return ""
}

func buildMetadataAttributes(metadata map[string]string) []attribute.KeyValue {
	meta := make([]attribute.KeyValue, 0, len(metadata))
	for mk, mv := range metadata {
		meta = append(meta, attribute.String(mk, mv))
	}
	return meta
}

// NoopSpan represents a noop span.
type NoopSpan struct {
	trace.Span
}

// SpanContext returns a void span context.
func (NoopSpan) SpanContext() trace.SpanContext { return trace.SpanContext{} }

// IsRecording returns false.
func (NoopSpan) IsRecording() bool { return false }

// SetStatus is noop.
func (NoopSpan) SetStatus(codes.Code, string) {}

// SetAttributes is noop.
func (NoopSpan) SetAttributes(...attribute.KeyValue) {}

// End is noop.
func (NoopSpan) End(...trace.SpanEndOption) {}

// RecordError is noop.
func (NoopSpan) RecordError(error, ...trace.EventOption) {}

// AddEvent is noop.
func (NoopSpan) AddEvent(string, ...trace.EventOption) {}

// SetName is noop.
func (NoopSpan) SetName(string) {}

// SpanLogger is a Span that logs status transitions and completion.
type SpanLogger struct {
	trace.Span
	logger   logrus.FieldLogger
	spanName string
}

// SetStatus logs the transition before calling the underlying SetStatus.
func (s *SpanLogger) SetStatus(code codes.Code, description string) {
	traceID := GetTraceID(s.SpanContext())
	s.logger.Debugf("SetStatus: spanName: %q traceID: %q code: %q description: %q", s.spanName, traceID, code, description)

	s.Span.SetStatus(code, description)
}

// End logs completion before calling the underlying End.
func (s *SpanLogger) End(options ...trace.SpanEndOption) {
	traceID := GetTraceID(s.SpanContext())
	s.logger.Debugf("End: spanName: %q traceID: %q", s.spanName, traceID)

	s.Span.End(options...)
}

// RecordError logs the error before calling the underlying RecordError.
func (s *SpanLogger) RecordError(err error, options ...trace.EventOption) {
	traceID := GetTraceID(s.SpanContext())
	s.logger.Debugf("RecordError: spanName: %q traceID: %q err: %q", s.spanName, traceID, err)

	s.Span.RecordError(err, options...)
}
