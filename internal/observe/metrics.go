// Package observe provides observability primitives for livecap:
// OpenTelemetry metrics, tracing, and the Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the standard /metrics endpoint. Tests should use
// [NewMetrics] with a private [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livecap metrics.
const meterName = "github.com/livecap/livecap"

// Metrics holds all OpenTelemetry metric instruments for the process.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// TransitionDuration tracks boundary transition latency end to end.
	TransitionDuration metric.Float64Histogram

	// HealthScore tracks the periodically recomputed 0–1 health score.
	HealthScore metric.Float64Histogram

	// --- Counters ---

	// Transitions counts utterance state transitions. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	Transitions metric.Int64Counter

	// TransitionRejections counts refused utterance transitions. Use with
	// attribute: attribute.String("reason", ...)
	TransitionRejections metric.Int64Counter

	// IDAnomalies counts identifier anomalies. Use with attribute:
	//   attribute.String("kind", "collision"|"reuse"|"mismatch"|"expired")
	IDAnomalies metric.Int64Counter

	// Orphans counts orphan detections by reason.
	Orphans metric.Int64Counter

	// Boundaries counts boundary outcomes. Use with attributes:
	//   attribute.String("trigger", ...), attribute.String("outcome", ...)
	Boundaries metric.Int64Counter

	// Recoveries counts executed recovery strategies. Use with attributes:
	//   attribute.String("strategy", ...), attribute.String("status", ...)
	Recoveries metric.Int64Counter
}

// transitionBuckets defines histogram bucket boundaries (in seconds) sized
// for boundary transitions, which should normally finish well under a
// second.
var transitionBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// scoreBuckets covers the 0–1 health score range.
var scoreBuckets = []float64{0.1, 0.25, 0.5, 0.75, 0.9, 1}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TransitionDuration, err = m.Float64Histogram("livecap.boundary.transition.duration",
		metric.WithDescription("Latency of session boundary transitions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(transitionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HealthScore, err = m.Float64Histogram("livecap.health.score",
		metric.WithDescription("Periodically recomputed process health score."),
		metric.WithExplicitBucketBoundaries(scoreBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Transitions, err = m.Int64Counter("livecap.fsm.transitions",
		metric.WithDescription("Total utterance state transitions by from and to state."),
	); err != nil {
		return nil, err
	}
	if met.TransitionRejections, err = m.Int64Counter("livecap.fsm.rejections",
		metric.WithDescription("Total refused utterance transitions by reason."),
	); err != nil {
		return nil, err
	}
	if met.IDAnomalies, err = m.Int64Counter("livecap.id.anomalies",
		metric.WithDescription("Total identifier anomalies by kind."),
	); err != nil {
		return nil, err
	}
	if met.Orphans, err = m.Int64Counter("livecap.orphans",
		metric.WithDescription("Total orphan detections by reason."),
	); err != nil {
		return nil, err
	}
	if met.Boundaries, err = m.Int64Counter("livecap.boundaries",
		metric.WithDescription("Total boundary outcomes by trigger and outcome."),
	); err != nil {
		return nil, err
	}
	if met.Recoveries, err = m.Int64Counter("livecap.recoveries",
		metric.WithDescription("Total executed recovery strategies by strategy and status."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RegisterGauges registers observable gauges for live population counts.
// The callbacks run at collection time, so the gauges always report the
// current count rather than a drifting delta.
func RegisterGauges(mp metric.MeterProvider, activeSessions, trackedUtterances func() int64) error {
	m := mp.Meter(meterName)

	if _, err := m.Int64ObservableGauge("livecap.active_sessions",
		metric.WithDescription("Number of currently active sessions."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(activeSessions())
			return nil
		}),
	); err != nil {
		return err
	}
	if _, err := m.Int64ObservableGauge("livecap.tracked_utterances",
		metric.WithDescription("Number of utterances currently tracked by the state machine."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(trackedUtterances())
			return nil
		}),
	); err != nil {
		return err
	}
	return nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen
// with the global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity
// at call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordBoundary records one boundary outcome.
func (m *Metrics) RecordBoundary(ctx context.Context, trigger, outcome string) {
	m.Boundaries.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("trigger", trigger),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordRecovery records one executed recovery strategy.
func (m *Metrics) RecordRecovery(ctx context.Context, strategy, status string) {
	m.Recoveries.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("strategy", strategy),
			attribute.String("status", status),
		),
	)
}
