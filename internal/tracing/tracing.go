// Package tracing wraps pipeline operations in OpenTelemetry spans. Without a
// configured TracerProvider the global no-op tracer is used.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/openjobspec/ojs-pacer"

// Start opens an internal span named name.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// End records err on span, sets its status and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Job returns the job id attribute.
func Job(jobID string) attribute.KeyValue {
	return attribute.String("pacer.job.id", jobID)
}

// Record returns the record id attribute.
func Record(recordID int) attribute.KeyValue {
	return attribute.Int("pacer.record.id", recordID)
}

// Retry returns the retry count attribute.
func Retry(n int) attribute.KeyValue {
	return attribute.Int("pacer.retry_count", n)
}
