package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// scope is the instrumentation scope under which all bridge spans are
// recorded. One scope covers the whole binary: calls, tool invocations, and
// HTTP handlers all trace through here.
const scope = "github.com/javierd009/agente-portero-sub000"

// StartSpan opens a span on the globally registered tracer provider and
// returns the derived context. Callers own the span and must End it.
// Span names follow a <subject>.<verb> convention: "call.run",
// "tool.invoke", "HTTP GET /readyz".
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(scope).Start(ctx, name, opts...)
}

// CorrelationID returns the hex trace ID of the span recorded in ctx, or ""
// when ctx carries no sampled span. It is what the HTTP middleware echoes in
// the X-Correlation-ID header, so operators can join access logs to traces.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Logger returns the default slog logger, stamped with the trace_id and
// span_id from ctx when a span is active. Log lines emitted through it can
// be correlated with the span that produced them.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
