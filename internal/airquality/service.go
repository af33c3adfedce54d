package airquality

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/climateaction/airstream/internal/location"
)

// Provider fetches a fresh reading for a location key from an upstream source.
// Implementations must not retry and must classify failures as UpstreamError.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, key location.Key) (*Reading, error)
}

// Cache stores the most recent reading per location key. Get must never
// return an expired reading.
type Cache interface {
	Get(ctx context.Context, key location.Key) (*Reading, bool, error)
	Put(ctx context.Context, key location.Key, reading *Reading) error
}

// Source tells where a reading returned by the service came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceUpstream Source = "upstream"
)

// FetchObserver is notified after every upstream fetch the service performs.
type FetchObserver func(key location.Key, err error, elapsed time.Duration)

// ServiceConfig holds configuration for the air quality service.
type ServiceConfig struct {
	// Provider is the upstream air quality provider.
	Provider Provider

	// Cache holds recent readings per location key.
	Cache Cache

	// Logger for service operations.
	Logger zerolog.Logger

	// OnFetch, if set, observes upstream fetch outcomes.
	OnFetch FetchObserver
}

// Service serves readings from the cache and falls back to the provider on a
// miss. Concurrent misses for one key share a single upstream fetch.
type Service struct {
	provider Provider
	cache    Cache
	logger   zerolog.Logger
	onFetch  FetchObserver
	group    singleflight.Group
}

// NewService creates a new air quality service.
func NewService(cfg ServiceConfig) *Service {
	return &Service{
		provider: cfg.Provider,
		cache:    cfg.Cache,
		logger:   cfg.Logger,
		onFetch:  cfg.OnFetch,
	}
}

// ProviderName returns the name of the upstream provider.
func (s *Service) ProviderName() string {
	return s.provider.Name()
}

// Current returns a fresh reading for key, fetching from the provider on a
// cache miss. Cache errors degrade to a miss.
func (s *Service) Current(ctx context.Context, key location.Key) (*Reading, Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if reading, ok := s.Cached(ctx, key); ok {
		return reading, SourceCache, nil
	}

	ch := s.group.DoChan(key.String(), func() (interface{}, error) {
		// Another caller may have filled the cache while we waited for the flight.
		if reading, ok := s.Cached(ctx, key); ok {
			return reading, nil
		}
		// The shared fetch outlives any single caller's cancellation.
		return s.fetch(context.WithoutCancel(ctx), key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, "", res.Err
		}
		return res.Val.(*Reading), SourceUpstream, nil
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

// Cached returns the cached reading for key without contacting the provider.
// Cache errors are logged and reported as a miss.
func (s *Service) Cached(ctx context.Context, key location.Key) (*Reading, bool) {
	if s.cache == nil {
		return nil, false
	}
	reading, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn().Err(err).Str("location_key", key.String()).Msg("cache lookup failed")
		return nil, false
	}
	return reading, ok
}

func (s *Service) fetch(ctx context.Context, key location.Key) (*Reading, error) {
	start := time.Now()
	reading, err := s.provider.Fetch(ctx, key)
	if s.onFetch != nil {
		s.onFetch(key, err, time.Since(start))
	}
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("location_key", key.String()).
			Str("kind", string(KindOf(err))).
			Msg("upstream fetch failed")
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Put(ctx, key, reading); err != nil {
			s.logger.Warn().Err(err).Str("location_key", key.String()).Msg("cache store failed")
		}
	}

	s.logger.Debug().
		Str("location_key", key.String()).
		Float64("aqi", reading.AQI).
		Dur("elapsed", time.Since(start)).
		Msg("air quality reading fetched")

	return reading, nil
}
