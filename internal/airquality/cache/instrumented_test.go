package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/climateaction/airstream/internal/airquality"
	"github.com/climateaction/airstream/internal/airquality/cache"
	"github.com/climateaction/airstream/internal/location"
)

type failingStore struct{}

func (failingStore) Get(context.Context, location.Key) (*airquality.Reading, bool, error) {
	return nil, false, errors.New("boom")
}

func (failingStore) Put(context.Context, location.Key, *airquality.Reading) error {
	return errors.New("boom")
}

func TestInstrumented_RecordsHitsAndMisses(t *testing.T) {
	ctx := context.Background()
	metrics := cache.NewMetrics(prometheus.NewRegistry())
	store := cache.NewInstrumented(cache.NewMemory(cache.MemoryConfig{}), "memory", metrics)
	key := location.MustNormalize(5, 5)

	_, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, key, reading(1, time.Now())))
	_, ok, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Hits.WithLabelValues("memory")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Misses.WithLabelValues("memory")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Requests.WithLabelValues("memory")))
}

func TestInstrumented_RecordsErrors(t *testing.T) {
	ctx := context.Background()
	metrics := cache.NewMetrics(prometheus.NewRegistry())
	store := cache.NewInstrumented(failingStore{}, "redis", metrics)
	key := location.MustNormalize(5, 5)

	_, _, err := store.Get(ctx, key)
	assert.Error(t, err)
	assert.Error(t, store.Put(ctx, key, reading(1, time.Now())))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Errors.WithLabelValues("redis", "get")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Errors.WithLabelValues("redis", "put")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.Misses.WithLabelValues("redis")))
}
