package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys shared by the call instruments.
var (
	AttrEndpoint = attribute.Key("rpc.endpoint")
	AttrMethod   = attribute.Key("rpc.method")
	AttrStatus   = attribute.Key("rpc.status")
	AttrOutcome  = attribute.Key("rpc.outcome")
)

// CallMetrics counts dispatched calls and records their duration. It is
// plugged into the dispatcher as its call observer.
type CallMetrics struct {
	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

// NewCallMetrics creates the call instruments on meter.
func NewCallMetrics(meter metric.Meter) (*CallMetrics, error) {
	calls, err := meter.Int64Counter("rpc.calls",
		metric.WithDescription("Dispatched gateway calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter rpc.calls: %w", err)
	}
	duration, err := meter.Float64Histogram("rpc.call.duration",
		metric.WithDescription("Duration of dispatched gateway calls"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(CallDurationBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram rpc.call.duration: %w", err)
	}
	return &CallMetrics{calls: calls, duration: duration}, nil
}

// ObserveCall records one call outcome.
func (m *CallMetrics) ObserveCall(ctx context.Context, endpoint, method string, status int, took time.Duration) {
	attrs := metric.WithAttributes(
		AttrEndpoint.String(endpoint),
		AttrMethod.String(method),
		AttrStatus.String(strconv.Itoa(status)),
		AttrOutcome.String(outcome(status)),
	)
	m.calls.Add(ctx, 1, attrs)
	m.duration.Record(ctx, took.Seconds(), attrs)
}

func outcome(status int) string {
	switch {
	case status >= 500:
		return "error"
	case status == 403:
		return "denied"
	case status >= 400:
		return "rejected"
	default:
		return "ok"
	}
}

// GaugeFunc reports the value of fn on every collection, for example the
// number of open realtime connections.
func GaugeFunc(meter metric.Meter, name, description string, fn func() int64) error {
	_, err := meter.Int64ObservableGauge(name,
		metric.WithDescription(description),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(fn())
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create gauge %s: %w", name, err)
	}
	return nil
}
