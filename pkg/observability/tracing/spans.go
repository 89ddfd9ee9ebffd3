package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// LockInstrumentationName is the tracer scope used for lock spans.
const LockInstrumentationName = "github.com/nimburion/nimlock/pkg/lock"

// StartLockSpan starts an internal span named "lock.<operation>" tagged with the lock name.
// A nil tracer resolves to the global provider.
func StartLockSpan(ctx context.Context, tracer trace.Tracer, operation, lockName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = otel.Tracer(LockInstrumentationName)
	}
	attrs = append([]attribute.KeyValue{attribute.String("lock.name", lockName)}, attrs...)
	return tracer.Start(ctx, "lock."+operation,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// StartStorageSpan starts a client span for a call into a lock backend.
func StartStorageSpan(ctx context.Context, system, operation, lockName string) (context.Context, trace.Span) {
	return otel.Tracer(LockInstrumentationName).Start(ctx, system+" "+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", system),
			attribute.String("db.operation", operation),
			attribute.String("lock.name", lockName),
		),
	)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
