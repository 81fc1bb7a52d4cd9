// Package observe provides application-wide observability primitives for
// callwire: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is set up by [InitProvider] so that metrics can be scraped
// via the standard /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all callwire metrics.
const meterName = "github.com/MrWong99/callwire"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// STTDuration tracks how long opening a speech-to-text stream takes.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks LLM completion latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks the time from a flushed utterance to the last
	// audio frame of the reply.
	TurnDuration metric.Float64Histogram

	// ContextLoadDuration tracks how long resolving a dialed number into a
	// call context takes.
	ContextLoadDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// Turns counts conversation turns. Use with attribute:
	//   attribute.String("status", ...)
	Turns metric.Int64Counter

	// BargeIns counts caller interruptions of assistant audio.
	BargeIns metric.Int64Counter

	// TokensIssued counts stream tokens handed out by the webhook.
	TokensIssued metric.Int64Counter

	// NotifyAttempts counts downstream call-completed notifications. Use with
	// attribute:
	//   attribute.String("status", ...)
	NotifyAttempts metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// TokensRejected counts stream tokens that failed validation. Use with
	// attribute:
	//   attribute.String("reason", ...)
	TokensRejected metric.Int64Counter

	// LedgerErrors counts failed call-record writes. Use with attribute:
	//   attribute.String("op", ...)
	LedgerErrors metric.Int64Counter

	// BreakerTransitions counts provider circuit-breaker state changes by
	// kind, provider, and new state.
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live media streams with a session.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time by method,
	// matched route pattern, and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.STTDuration, "callwire.stt.duration", "Latency of opening a speech-to-text stream."},
		{&met.LLMDuration, "callwire.llm.duration", "Latency of LLM completion."},
		{&met.TTSDuration, "callwire.tts.duration", "Latency of text-to-speech synthesis."},
		{&met.TurnDuration, "callwire.turn.duration", "Latency of a full conversation turn."},
		{&met.ContextLoadDuration, "callwire.context_load.duration", "Latency of loading the call context."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	// Counters.
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ProviderRequests, "callwire.provider.requests", "Total provider API requests by provider, kind, and status."},
		{&met.Turns, "callwire.turns", "Total conversation turns by status."},
		{&met.BargeIns, "callwire.barge_ins", "Total caller interruptions of assistant audio."},
		{&met.TokensIssued, "callwire.tokens.issued", "Total stream tokens issued."},
		{&met.NotifyAttempts, "callwire.notify.attempts", "Total call-completed notification attempts by status."},
		{&met.ProviderErrors, "callwire.provider.errors", "Total provider errors by provider and kind."},
		{&met.TokensRejected, "callwire.tokens.rejected", "Total rejected stream tokens by reason."},
		{&met.LedgerErrors, "callwire.ledger.errors", "Total failed call-record writes by operation."},
		{&met.BreakerTransitions, "callwire.provider.breaker.transitions", "Total provider circuit-breaker state changes."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("callwire.active_calls",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("callwire.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route, and status."),
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurn records a finished turn with status "ok" or "error".
func (m *Metrics) RecordTurn(ctx context.Context, status string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordTokenRejected records a rejected stream token.
func (m *Metrics) RecordTokenRejected(ctx context.Context, reason string) {
	m.TokensRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordNotifyAttempt records one notification POST with its outcome.
func (m *Metrics) RecordNotifyAttempt(ctx context.Context, status string) {
	m.NotifyAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordLedgerError records a failed call-record operation.
func (m *Metrics) RecordLedgerError(ctx context.Context, op string) {
	m.LedgerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordBreakerTransition records a provider breaker moving to state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, kind, provider, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("provider", provider),
			attribute.String("state", state),
		),
	)
}
