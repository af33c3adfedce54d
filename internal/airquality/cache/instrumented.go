package cache

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/climateaction/airstream/internal/airquality"
	"github.com/climateaction/airstream/internal/location"
)

// Metrics holds the Prometheus collectors shared by instrumented stores.
type Metrics struct {
	Hits     *prometheus.CounterVec
	Misses   *prometheus.CounterVec
	Errors   *prometheus.CounterVec
	Requests *prometheus.CounterVec
	Latency  *prometheus.HistogramVec
}

// NewMetrics registers cache collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Hits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "airquality_cache_hits_total",
				Help: "The total number of reading cache hits",
			},
			[]string{"cache_type"},
		),
		Misses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "airquality_cache_misses_total",
				Help: "The total number of reading cache misses",
			},
			[]string{"cache_type"},
		),
		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "airquality_cache_errors_total",
				Help: "The total number of failed cache operations",
			},
			[]string{"cache_type", "operation"},
		),
		Requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "airquality_cache_requests_total",
				Help: "The total number of reading cache lookups",
			},
			[]string{"cache_type"},
		),
		Latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "airquality_cache_duration_seconds",
				Help:    "Cache operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"cache_type", "operation"},
		),
	}
}

// Instrumented wraps a Store and records hit, miss and latency metrics.
type Instrumented struct {
	next      Store
	cacheType string
	metrics   *Metrics
}

// NewInstrumented wraps next, labelling its metrics with cacheType.
func NewInstrumented(next Store, cacheType string, metrics *Metrics) *Instrumented {
	return &Instrumented{next: next, cacheType: cacheType, metrics: metrics}
}

func (i *Instrumented) Get(ctx context.Context, key location.Key) (*airquality.Reading, bool, error) {
	start := time.Now()
	reading, ok, err := i.next.Get(ctx, key)
	i.metrics.Latency.WithLabelValues(i.cacheType, "get").Observe(time.Since(start).Seconds())
	i.metrics.Requests.WithLabelValues(i.cacheType).Inc()

	switch {
	case err != nil:
		i.metrics.Errors.WithLabelValues(i.cacheType, "get").Inc()
	case ok:
		i.metrics.Hits.WithLabelValues(i.cacheType).Inc()
	default:
		i.metrics.Misses.WithLabelValues(i.cacheType).Inc()
	}
	return reading, ok, err
}

func (i *Instrumented) Put(ctx context.Context, key location.Key, reading *airquality.Reading) error {
	start := time.Now()
	err := i.next.Put(ctx, key, reading)
	i.metrics.Latency.WithLabelValues(i.cacheType, "put").Observe(time.Since(start).Seconds())
	if err != nil {
		i.metrics.Errors.WithLabelValues(i.cacheType, "put").Inc()
	}
	return err
}
