package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName names the dispatcher's tracer and meter.
const InstrumentationName = "process-dispatcher"

// Metrics holds the dispatcher's instruments. A nil *Metrics records nothing.
type Metrics struct {
	dispatches metric.Int64Counter
	duration   metric.Float64Histogram
	actions    metric.Int64Counter
	evalErrors metric.Int64Counter
}

// NewMetrics creates the instruments on mp, or on the global provider when
// mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(InstrumentationName)

	dispatches, err := meter.Int64Counter("dispatcher.dispatches",
		metric.WithDescription("Dispatches by process, variant and outcome"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("dispatcher.dispatch.duration",
		metric.WithDescription("End-to-end dispatch latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	actions, err := meter.Int64Counter("lifecycle.actions",
		metric.WithDescription("Experiment resolutions applied by policy"))
	if err != nil {
		return nil, err
	}
	evalErrors, err := meter.Int64Counter("lifecycle.evaluation.errors",
		metric.WithDescription("Experiment evaluations skipped after a metrics source failure"))
	if err != nil {
		return nil, err
	}
	return &Metrics{dispatches: dispatches, duration: duration, actions: actions, evalErrors: evalErrors}, nil
}

// RecordDispatch counts one dispatch. outcome is "ok" or an error kind.
func (m *Metrics) RecordDispatch(ctx context.Context, process, variant, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("process", process),
		attribute.String("variant", variant),
		attribute.String("outcome", outcome),
	)
	m.dispatches.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
}

// RecordAction counts one applied experiment resolution.
func (m *Metrics) RecordAction(ctx context.Context, process, policy string) {
	if m == nil {
		return
	}
	m.actions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("process", process),
		attribute.String("policy", policy),
	))
}

// RecordEvaluationError counts one skipped evaluation.
func (m *Metrics) RecordEvaluationError(ctx context.Context, process string) {
	if m == nil {
		return
	}
	m.evalErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("process", process)))
}
