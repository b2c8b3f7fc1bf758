// Package observe provides the observability primitives of the translation
// service: OpenTelemetry metrics, distributed tracing, trace-aware logging and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed on
// /metrics through the Prometheus exporter bridge set up by [InitProvider].
// [DefaultMetrics] returns a package-level instance bound to the global
// meter provider; tests should use [NewMetrics] with their own
// [metric.MeterProvider].
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
const meterName = "github.com/MrWong99/walkietalk"

// Turn outcomes recorded on [Metrics.Turns].
const (
	OutcomeEmpty        = "empty"
	OutcomeSameLanguage = "same_language"
	OutcomeTranslated   = "translated"
	OutcomeError        = "error"
	OutcomeAborted      = "aborted"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
type Metrics struct {
	// TurnDuration tracks a turn from arming to TURN_COMPLETE or ERROR.
	TurnDuration metric.Float64Histogram

	// STTDuration tracks commit-to-transcript latency.
	STTDuration metric.Float64Histogram

	// TranslateDuration tracks translation call latency.
	TranslateDuration metric.Float64Histogram

	// TTSDuration tracks synthesis from first text to last published frame.
	TTSDuration metric.Float64Histogram

	// Turns counts finished turns. Attribute: "outcome".
	Turns metric.Int64Counter

	// ProviderErrors counts provider failures. Attributes: "provider", "kind".
	ProviderErrors metric.Int64Counter

	// ActiveRooms tracks the number of running room orchestrators.
	ActiveRooms metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// "method", "path".
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// speech-service latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 13, 20, 30,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histogram := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}

	if met.TurnDuration, err = histogram("walkietalk.turn.duration", "Duration of a translation turn."); err != nil {
		return nil, err
	}
	if met.STTDuration, err = histogram("walkietalk.stt.duration", "Latency from commit to final transcript."); err != nil {
		return nil, err
	}
	if met.TranslateDuration, err = histogram("walkietalk.translate.duration", "Latency of the translation call."); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = histogram("walkietalk.tts.duration", "Duration of synthesis and publication."); err != nil {
		return nil, err
	}

	if met.Turns, err = m.Int64Counter("walkietalk.turns",
		metric.WithDescription("Finished turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("walkietalk.provider.errors",
		metric.WithDescription("Provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRooms, err = m.Int64UpDownCounter("walkietalk.rooms.active",
		metric.WithDescription("Number of running room orchestrators."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("walkietalk.http.request.duration",
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
// first call from [otel.GetMeterProvider]. Panics if instrument creation
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

// RecordTurn records a finished turn's duration and outcome.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordProviderError records one provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
