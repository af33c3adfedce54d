package stream

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/climateaction/airstream/internal/airquality"
	"github.com/climateaction/airstream/internal/location"
)

const meterName = "github.com/climateaction/airstream/internal/stream"

// Metrics holds the OpenTelemetry instruments for the engine.
// A nil *Metrics records nothing.
type Metrics struct {
	activeClients    metric.Int64UpDownCounter
	activeCycles     metric.Int64UpDownCounter
	polls            metric.Int64Counter
	upstreamDuration metric.Float64Histogram
	upstreamTotal    metric.Int64Counter
	deliveryFailures metric.Int64Counter
}

// NewMetrics creates the engine instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)

	activeClients, err := meter.Int64UpDownCounter(
		"stream.clients.active",
		metric.WithDescription("Number of connected streaming clients"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, err
	}

	activeCycles, err := meter.Int64UpDownCounter(
		"stream.poll_cycles.active",
		metric.WithDescription("Number of running poll cycles"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, err
	}

	polls, err := meter.Int64Counter(
		"stream.polls.total",
		metric.WithDescription("Total number of poll attempts by outcome"),
		metric.WithUnit("{poll}"),
	)
	if err != nil {
		return nil, err
	}

	upstreamDuration, err := meter.Float64Histogram(
		"provider.request.duration",
		metric.WithDescription("Duration of provider requests in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	upstreamTotal, err := meter.Int64Counter(
		"provider.request.total",
		metric.WithDescription("Total number of provider requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	deliveryFailures, err := meter.Int64Counter(
		"stream.delivery.failures",
		metric.WithDescription("Subscribers removed after a failed delivery"),
		metric.WithUnit("{subscriber}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		activeClients:    activeClients,
		activeCycles:     activeCycles,
		polls:            polls,
		upstreamDuration: upstreamDuration,
		upstreamTotal:    upstreamTotal,
		deliveryFailures: deliveryFailures,
	}, nil
}

// RecordFetch records an upstream fetch. It matches airquality.FetchObserver
// once bound to a provider name.
func (m *Metrics) RecordFetch(provider string) airquality.FetchObserver {
	return func(_ location.Key, err error, elapsed time.Duration) {
		if m == nil {
			return
		}
		attrs := []attribute.KeyValue{
			attribute.String("provider.name", provider),
			attribute.String("provider.operation", "air_pollution"),
		}
		if err != nil {
			attrs = append(attrs,
				attribute.Bool("error", true),
				attribute.String("error.kind", string(airquality.KindOf(err))),
			)
		}

		// Background context so a cancelled caller does not drop the sample.
		ctx := context.TODO()
		m.upstreamDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))
		m.upstreamTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *Metrics) clientConnected() {
	if m == nil {
		return
	}
	m.activeClients.Add(context.TODO(), 1)
}

func (m *Metrics) clientDisconnected() {
	if m == nil {
		return
	}
	m.activeClients.Add(context.TODO(), -1)
}

func (m *Metrics) cycleStarted() {
	if m == nil {
		return
	}
	m.activeCycles.Add(context.TODO(), 1)
}

func (m *Metrics) cycleStopped() {
	if m == nil {
		return
	}
	m.activeCycles.Add(context.TODO(), -1)
}

func (m *Metrics) pollSucceeded(source airquality.Source) {
	if m == nil {
		return
	}
	m.polls.Add(context.TODO(), 1, metric.WithAttributes(
		attribute.String("outcome", "success"),
		attribute.String("source", string(source)),
	))
}

func (m *Metrics) pollFailed(kind airquality.ErrorKind) {
	if m == nil {
		return
	}
	m.polls.Add(context.TODO(), 1, metric.WithAttributes(
		attribute.String("outcome", "failure"),
		attribute.String("error.kind", string(kind)),
	))
}

func (m *Metrics) deliveryFailed(reason string) {
	if m == nil {
		return
	}
	m.deliveryFailures.Add(context.TODO(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}
