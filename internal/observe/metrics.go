// Package observe provides application-wide observability primitives for
// tutorvox: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the Prometheus exporter bridge installed by [InitProvider]. A package-level
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

// meterName is the instrumentation scope name used for all tutorvox metrics.
const meterName = "github.com/MrWong99/tutorvox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// HandshakeDuration tracks provider connect latency. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	HandshakeDuration metric.Float64Histogram

	// ReplyLatency tracks the time from a user turn to the first generated
	// output of the reply.
	ReplyLatency metric.Float64Histogram

	// UploadDuration tracks segment upload transcription latency.
	UploadDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// Turns counts completed turns. Use with attribute:
	//   attribute.String("role", ...)
	Turns metric.Int64Counter

	// BargeIns counts replies cut short by the learner speaking.
	BargeIns metric.Int64Counter

	// DroppedFrames counts audio frames dropped by a bounded buffer. Use with
	// attribute:
	//   attribute.String("stage", ...)
	DroppedFrames metric.Int64Counter

	// SessionMinutes counts billed session minutes.
	SessionMinutes metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live tutoring sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.HandshakeDuration, "tutorvox.provider.handshake.duration", "Latency of provider connects."},
		{&met.ReplyLatency, "tutorvox.reply.latency", "Time from a user turn to the first generated output."},
		{&met.UploadDuration, "tutorvox.stt.upload.duration", "Latency of segment upload transcription."},
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

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ProviderRequests, "tutorvox.provider.requests", "Total provider requests by provider, kind, and status."},
		{&met.ProviderErrors, "tutorvox.provider.errors", "Total provider errors by provider and kind."},
		{&met.Turns, "tutorvox.turns", "Total completed turns by role."},
		{&met.BargeIns, "tutorvox.barge_ins", "Total replies interrupted by the learner."},
		{&met.DroppedFrames, "tutorvox.audio.dropped_frames", "Total audio frames dropped by stage."},
		{&met.SessionMinutes, "tutorvox.session.minutes", "Total billed session minutes."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("tutorvox.active_sessions",
		metric.WithDescription("Number of live tutoring sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("tutorvox.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurn records one completed turn for role.
func (m *Metrics) RecordTurn(ctx context.Context, role string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordBargeIn records one interrupted reply.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	m.BargeIns.Add(ctx, 1)
}

// RecordDroppedFrames records n frames dropped at stage. n <= 0 is ignored.
func (m *Metrics) RecordDroppedFrames(ctx context.Context, stage string, n int) {
	if n <= 0 {
		return
	}
	m.DroppedFrames.Add(ctx, int64(n), metric.WithAttributes(attribute.String("stage", stage)))
}
