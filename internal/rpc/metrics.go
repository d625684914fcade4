package rpc

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// serverMetrics instruments the dispatch loop: request counts and latency by
// operation, errors split out.
type serverMetrics struct {
	requests metric.Int64Counter
	errors   metric.Int64Counter
	latency  metric.Float64Histogram
}

func newServerMetrics() *serverMetrics {
	meter := otel.Meter("cinder/rpc")
	requests, _ := meter.Int64Counter("cinder.rpc.requests")
	errs, _ := meter.Int64Counter("cinder.rpc.errors")
	latency, _ := meter.Float64Histogram("cinder.rpc.latency_ms")
	return &serverMetrics{requests: requests, errors: errs, latency: latency}
}

func (m *serverMetrics) record(ctx context.Context, op string, elapsed time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("operation", op))
	m.requests.Add(ctx, 1, attrs)
	if err != nil {
		m.errors.Add(ctx, 1, attrs)
	}
	m.latency.Record(ctx, float64(elapsed.Microseconds())/1000.0, attrs)
}
