// Package observe provides application-wide observability primitives for
// Portero: OpenTelemetry metrics, tracing helpers, and HTTP middleware that
// ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Portero metrics.
const meterName = "github.com/javierd009/agente-portero-sub000"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Gauges ---

	// ActiveCalls tracks the number of live bridged calls.
	ActiveCalls metric.Int64UpDownCounter

	// --- Counters ---

	// FramesIn counts audio frames received from the telephony side.
	FramesIn metric.Int64Counter

	// FramesOut counts audio frames written back to the telephony side,
	// including substituted silence.
	FramesOut metric.Int64Counter

	// GatedFrames counts caller frames zeroed by the noise gate.
	GatedFrames metric.Int64Counter

	// QueueDrops counts playback frames discarded by the overflow policy.
	QueueDrops metric.Int64Counter

	// BargeIns counts caller interruptions of an active assistant turn.
	BargeIns metric.Int64Counter

	// ProtocolErrors counts malformed wire messages by peer address. Use with
	// attribute.String("remote", ...).
	ProtocolErrors metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// --- Latency histograms ---

	// ToolCallDuration tracks tool execution latency.
	ToolCallDuration metric.Float64Histogram

	// RealtimeConnectDuration tracks how long opening a realtime session takes.
	RealtimeConnectDuration metric.Float64Histogram

	// CallDuration tracks end-to-end call duration. Use with attribute:
	//   attribute.String("reason", ...)
	CallDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callDurationBuckets covers typical intercom call lengths.
var callDurationBuckets = []float64{
	1, 5, 10, 30, 60, 120, 300, 600, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("portero.active_calls",
		metric.WithDescription("Number of live bridged calls."),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesIn, err = m.Int64Counter("portero.frames.in",
		metric.WithDescription("Audio frames received from the telephony side."),
	); err != nil {
		return nil, err
	}
	if met.FramesOut, err = m.Int64Counter("portero.frames.out",
		metric.WithDescription("Audio frames written to the telephony side, including silence."),
	); err != nil {
		return nil, err
	}
	if met.GatedFrames, err = m.Int64Counter("portero.frames.gated",
		metric.WithDescription("Caller frames zeroed by the noise gate."),
	); err != nil {
		return nil, err
	}
	if met.QueueDrops, err = m.Int64Counter("portero.playback.drops",
		metric.WithDescription("Playback frames discarded by the overflow policy."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("portero.barge_ins",
		metric.WithDescription("Caller interruptions of an active assistant turn."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("portero.protocol.errors",
		metric.WithDescription("Malformed wire messages by remote address."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("portero.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.ToolCallDuration, err = m.Float64Histogram("portero.tool.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RealtimeConnectDuration, err = m.Float64Histogram("portero.realtime.connect.duration",
		metric.WithDescription("Time to open a realtime session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("portero.call.duration",
		metric.WithDescription("End-to-end call duration by disconnect reason."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callDurationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("portero.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordToolCall records a tool call counter increment and its latency with
// the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolCallDuration.Record(ctx, seconds, attrs)
}

// RecordCallEnd records a finished call with its disconnect reason.
func (m *Metrics) RecordCallEnd(ctx context.Context, reason string, seconds float64) {
	m.CallDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
