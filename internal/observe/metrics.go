// Package observe provides application-wide observability primitives for
// Lumen: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all Lumen metrics.
const meterName = "github.com/lumen-voice/lumen"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnAssemblyDuration tracks the time from speech end to the assembled
	// turn being handed to the channel (includes the anchor-frame grace wait).
	TurnAssemblyDuration metric.Float64Histogram

	// ResponseLatency tracks the time from response request to the first
	// model audio delta.
	ResponseLatency metric.Float64Histogram

	// --- Counters ---

	// VadEvents counts speech edges detected locally. Use with attribute:
	//   attribute.String("kind", "start"|"end")
	VadEvents metric.Int64Counter

	// Turns counts finalized conversation turns. Use with attributes:
	//   attribute.String("speaker", ...), attribute.String("outcome", ...)
	Turns metric.Int64Counter

	// BargeIns counts user interruptions of model speech.
	BargeIns metric.Int64Counter

	// Reconnects counts channel reconnection attempts. Use with attribute:
	//   attribute.String("status", "ok"|"failed"|"exhausted")
	Reconnects metric.Int64Counter

	// ModelAudioBytes counts PCM bytes of model speech received.
	ModelAudioBytes metric.Int64Counter

	// --- Error counters ---

	// ChannelErrors counts channel-level failures. Use with attribute:
	//   attribute.String("kind", ...)
	ChannelErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live conversation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational-latency measurements.
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
	if met.TurnAssemblyDuration, err = m.Float64Histogram("lumen.turn.assembly.duration",
		metric.WithDescription("Time from speech end to the assembled turn being sent."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponseLatency, err = m.Float64Histogram("lumen.response.latency",
		metric.WithDescription("Time from response request to first model audio delta."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.VadEvents, err = m.Int64Counter("lumen.vad.events",
		metric.WithDescription("Speech edges detected by the local detector, by kind."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("lumen.turns",
		metric.WithDescription("Finalized conversation turns by speaker and outcome."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("lumen.barge_ins",
		metric.WithDescription("User interruptions of in-flight model speech."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("lumen.channel.reconnects",
		metric.WithDescription("Channel reconnection attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.ModelAudioBytes, err = m.Int64Counter("lumen.model.audio.bytes",
		metric.WithDescription("PCM bytes of model speech received."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ChannelErrors, err = m.Int64Counter("lumen.channel.errors",
		metric.WithDescription("Channel-level failures by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("lumen.active_sessions",
		metric.WithDescription("Number of live conversation sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("lumen.http.request.duration",
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordVadEvent records one detected speech edge.
func (m *Metrics) RecordVadEvent(ctx context.Context, kind string) {
	m.VadEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordTurn records one finalized conversation turn.
func (m *Metrics) RecordTurn(ctx context.Context, speaker, outcome string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("speaker", speaker),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordReconnect records one channel reconnection attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, status string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordChannelError records one channel-level failure.
func (m *Metrics) RecordChannelError(ctx context.Context, kind string) {
	m.ChannelErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
