// Package observe wires parley into OpenTelemetry: metric instruments
// exported to Prometheus, turn and stage spans, correlation IDs on every
// log line and the HTTP middleware that ties them to requests.
//
// Components record through a [Metrics]. [DefaultMetrics] uses the global
// meter provider set by [InitProvider]; tests build their own with
// [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every parley instrument.
const meterName = "github.com/MrWong99/parley"

// latencyBuckets are histogram boundaries in seconds, from a fast VAD frame
// to a slow LLM reply.
var latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics holds the instruments. Its methods are safe for concurrent use.
type Metrics struct {
	stageDuration metric.Float64Histogram
	turnLatency   metric.Float64Histogram
	turns         metric.Int64Counter
	stageErrors   metric.Int64Counter
	active        metric.Int64UpDownCounter
	circuit       metric.Int64Counter
	httpDuration  metric.Float64Histogram
}

// builder creates instruments on one meter and keeps every error.
type builder struct {
	meter metric.Meter
	errs  []error
}

func (b *builder) seconds(name, desc string, buckets bool) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if buckets {
		opts = append(opts, metric.WithExplicitBucketBoundaries(latencyBuckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.errs = append(b.errs, err)
	return h
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &builder{meter: mp.Meter(meterName)}
	m := &Metrics{
		stageDuration: b.seconds("parley.turn.stage.duration", "Latency of one conversation pipeline stage.", true),
		turnLatency:   b.seconds("parley.turn.latency", "End of user speech to first audible response.", true),
		turns:         b.counter("parley.turns", "Finished conversation turns by outcome."),
		stageErrors:   b.counter("parley.stage.errors", "Failed pipeline stages by stage and error class."),
		circuit:       b.counter("parley.provider.circuit.transitions", "Provider circuit breaker state changes by target state."),
		httpDuration:  b.seconds("parley.http.request.duration", "HTTP request latency by method and route.", false),
	}
	var err error
	m.active, err = b.meter.Int64UpDownCounter("parley.active_conversations",
		metric.WithDescription("Number of started conversations."))
	b.errs = append(b.errs, err)
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] on the global meter
// provider. It panics if the instruments cannot be created.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic("observe: default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func attrs(kv ...attribute.KeyValue) metric.MeasurementOption {
	return metric.WithAttributes(kv...)
}

// RecordStage observes how long one pipeline stage took.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.stageDuration.Record(ctx, d.Seconds(), attrs(attribute.String("stage", stage)))
}

// RecordTurnLatency observes the time from end of speech to first audio.
func (m *Metrics) RecordTurnLatency(ctx context.Context, d time.Duration) {
	m.turnLatency.Record(ctx, d.Seconds())
}

// RecordTurn counts a finished turn.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.turns.Add(ctx, 1, attrs(attribute.String("outcome", outcome)))
}

// RecordStageError counts a failed stage by error class.
func (m *Metrics) RecordStageError(ctx context.Context, stage, class string) {
	m.stageErrors.Add(ctx, 1, attrs(attribute.String("stage", stage), attribute.String("class", class)))
}

// SetActive moves the active conversation gauge up or down by one.
func (m *Metrics) SetActive(ctx context.Context, active bool) {
	if active {
		m.active.Add(ctx, 1)
		return
	}
	m.active.Add(ctx, -1)
}

// RecordCircuitTransition counts the breaker of a provider of kind
// entering state.
func (m *Metrics) RecordCircuitTransition(ctx context.Context, kind, provider, state string) {
	m.circuit.Add(ctx, 1, attrs(
		attribute.String("kind", kind),
		attribute.String("provider", provider),
		attribute.String("state", state),
	))
}

// RecordHTTP observes one served request.
func (m *Metrics) RecordHTTP(ctx context.Context, method, route string, status int, d time.Duration) {
	m.httpDuration.Record(ctx, d.Seconds(), attrs(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}
