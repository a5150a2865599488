// Package observe provides the observability primitives for speakersync:
// OpenTelemetry metrics, tracing helpers, trace-aware logging, and the HTTP
// middleware used by the local feed server.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// scraping through the Prometheus exporter installed by [InitProvider].
// [DefaultMetrics] is a lazily created package-level instance; tests should
// use [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/speakersync"

// Poll outcomes recorded by [Metrics.RecordPoll].
const (
	OutcomeSuccess         = "success"
	OutcomeNotReady        = "not_ready"
	OutcomeHTTPError       = "http_error"
	OutcomeUnreachable     = "unreachable"
	OutcomeInvalidResponse = "invalid_response"
	OutcomeStale           = "stale"
	OutcomeCooldown        = "skipped_cooldown"
	OutcomeInFlight        = "skipped_in_flight"
	OutcomeDisabled        = "disabled"
	OutcomeEngineStopped   = "engine_stopped"
)

// Metrics holds all OpenTelemetry instruments for the application.
type Metrics struct {
	// PollDuration tracks detection request latency, including failures.
	PollDuration metric.Float64Histogram

	// PollCycles counts poll cycles by outcome. Use with attribute:
	//   attribute.String("outcome", ...)
	PollCycles metric.Int64Counter

	// SettingsRequests counts hydrate and push requests. Use with attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	SettingsRequests metric.Int64Counter

	// ChannelEvents counts push channel activity. Use with attributes:
	//   attribute.String("channel", ...), attribute.String("kind", ...)
	ChannelEvents metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("name", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// SpeakerEvents counts bus events emitted by the poller. Use with
	// attribute: attribute.String("event", ...)
	SpeakerEvents metric.Int64Counter

	// FeedClients tracks connected WebSocket feed clients.
	FeedClients metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries in seconds.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.PollDuration, err = m.Float64Histogram("speakersync.poll.duration",
		metric.WithDescription("Latency of active-speaker detection requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PollCycles, err = m.Int64Counter("speakersync.poll.cycles",
		metric.WithDescription("Poll cycles by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SettingsRequests, err = m.Int64Counter("speakersync.settings.requests",
		metric.WithDescription("Listening-mode hydrate and push requests by op and status."),
	); err != nil {
		return nil, err
	}
	if met.ChannelEvents, err = m.Int64Counter("speakersync.channel.events",
		metric.WithDescription("Push channel activity by channel and kind."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("speakersync.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}
	if met.SpeakerEvents, err = m.Int64Counter("speakersync.speaker.events",
		metric.WithDescription("Speaker events emitted on the bus by name."),
	); err != nil {
		return nil, err
	}
	if met.FeedClients, err = m.Int64UpDownCounter("speakersync.feed.clients",
		metric.WithDescription("Number of connected feed clients."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("speakersync.http.request.duration",
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
// fails, which does not happen with the global provider.
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

// RecordPoll records one poll cycle. A zero d means no request was made and
// only the outcome counter is incremented.
func (m *Metrics) RecordPoll(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.PollCycles.Add(ctx, 1, attrs)
	if d > 0 {
		m.PollDuration.Record(ctx, d.Seconds(), attrs)
	}
}

// RecordSettings records a hydrate or push request.
func (m *Metrics) RecordSettings(ctx context.Context, op string, err error) {
	m.SettingsRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", statusOf(err)),
		),
	)
}

// RecordChannelEvent records push channel activity.
func (m *Metrics) RecordChannelEvent(ctx context.Context, channel, kind string) {
	m.ChannelEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("kind", kind),
		),
	)
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("to", to),
		),
	)
}

// RecordSpeakerEvent records a bus event emission.
func (m *Metrics) RecordSpeakerEvent(ctx context.Context, name string) {
	m.SpeakerEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", name)))
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
