package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/callwire"

// Span attribute keys shared by the call path.
const (
	AttrCallSID   = attribute.Key("callwire.call_sid")
	AttrStreamSID = attribute.Key("callwire.stream_sid")
	AttrRecordID  = attribute.Key("callwire.record_id")
	AttrInputType = attribute.Key("callwire.input_type")
	AttrOutcome   = attribute.Key("callwire.outcome")
)

// Tracer returns the callwire tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span. The caller ends it.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// TraceID returns the hex trace ID of the span in ctx, or "" when there is
// none.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

// CallLogger is [Logger] scoped to one call.
func CallLogger(ctx context.Context, callSID, streamSID string) *slog.Logger {
	return Logger(ctx).With(
		slog.String("call_sid", callSID),
		slog.String("stream_sid", streamSID),
	)
}
