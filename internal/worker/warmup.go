package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/climateaction/airstream/internal/airquality"
	"github.com/climateaction/airstream/internal/location"
)

// ReadingSource returns the current reading for a key, consulting the shared
// cache before the upstream provider. *airquality.Service satisfies it.
type ReadingSource interface {
	Current(ctx context.Context, key location.Key) (*airquality.Reading, airquality.Source, error)
}

// WarmupJob fetches readings for the configured targets so the shared cache
// holds a fresh entry for each of them.
type WarmupJob struct {
	config  WarmupConfig
	source  ReadingSource
	logger  zerolog.Logger
	metrics *WarmupMetrics
}

// WarmupMetrics tracks warm-up statistics across runs.
type WarmupMetrics struct {
	mu sync.RWMutex

	TotalRuns       int64
	SuccessfulKeys  int64
	FailedKeys      int64
	CacheHits       int64
	UpstreamFetches int64

	LastRunAt       time.Time
	LastRunDuration time.Duration
	TotalDuration   time.Duration
}

// WarmupJobConfig holds configuration for creating a WarmupJob.
type WarmupJobConfig struct {
	Config WarmupConfig
	Source ReadingSource
	Logger zerolog.Logger
}

// NewWarmupJob creates a new warm-up job.
func NewWarmupJob(cfg WarmupJobConfig) *WarmupJob {
	config := cfg.Config
	if len(config.Targets) == 0 {
		config.Targets = DefaultWarmupTargets()
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 3
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &WarmupJob{
		config:  config,
		source:  cfg.Source,
		logger:  cfg.Logger,
		metrics: &WarmupMetrics{},
	}
}

// WarmupResult contains the result of one warm-up run.
type WarmupResult struct {
	StartTime       time.Time
	EndTime         time.Time
	Duration        time.Duration
	TotalKeys       int
	Successful      int
	Failed          int
	CacheHits       int
	UpstreamFetches int
	Errors          []WarmupError
}

// WarmupError describes a key that could not be warmed.
type WarmupError struct {
	Key   string
	Kind  airquality.ErrorKind
	Error string
}

// Run warms every configured key and returns a summary. Failures are
// collected, never returned; a cancelled ctx ends the run early.
func (j *WarmupJob) Run(ctx context.Context) *WarmupResult {
	return j.run(ctx, j.config.Keys())
}

// HealthCheck warms a single key to verify the provider and cache are reachable.
func (j *WarmupJob) HealthCheck(ctx context.Context) error {
	keys := j.config.Keys()
	if len(keys) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, j.config.Timeout)
	defer cancel()

	_, _, err := j.source.Current(ctx, keys[0])
	return err
}

func (j *WarmupJob) run(ctx context.Context, keys []location.Key) *WarmupResult {
	startTime := time.Now()
	result := &WarmupResult{
		StartTime: startTime,
		TotalKeys: len(keys),
	}

	j.logger.Info().
		Int("total_keys", result.TotalKeys).
		Int("concurrency", j.config.Concurrency).
		Msg("starting cache warm-up")

	keysChan := make(chan location.Key, len(keys))
	resultsChan := make(chan keyResult, len(keys))

	var wg sync.WaitGroup
	for i := 0; i < j.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.warmWorker(ctx, keysChan, resultsChan)
		}()
	}

	for _, k := range keys {
		keysChan <- k
	}
	close(keysChan)

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	for kr := range resultsChan {
		if kr.err != nil {
			result.Failed++
			result.Errors = append(result.Errors, WarmupError{
				Key:   kr.key.String(),
				Kind:  airquality.KindOf(kr.err),
				Error: kr.err.Error(),
			})
			continue
		}
		result.Successful++
		if kr.source == airquality.SourceCache {
			result.CacheHits++
		} else {
			result.UpstreamFetches++
		}
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(startTime)

	j.updateMetrics(result)

	j.logger.Info().
		Dur("duration", result.Duration).
		Int("successful", result.Successful).
		Int("failed", result.Failed).
		Int("cache_hits", result.CacheHits).
		Int("upstream_fetches", result.UpstreamFetches).
		Msg("cache warm-up completed")

	return result
}

type keyResult struct {
	key    location.Key
	source airquality.Source
	err    error
}

func (j *WarmupJob) warmWorker(ctx context.Context, keys <-chan location.Key, results chan<- keyResult) {
	for key := range keys {
		if ctx.Err() != nil {
			return
		}
		results <- j.warmKey(ctx, key)
	}
}

func (j *WarmupJob) warmKey(ctx context.Context, key location.Key) keyResult {
	keyCtx, cancel := context.WithTimeout(ctx, j.config.Timeout)
	defer cancel()

	_, source, err := j.source.Current(keyCtx, key)
	if err != nil {
		j.logger.Warn().
			Err(err).
			Str("location_key", key.String()).
			Str("kind", string(airquality.KindOf(err))).
			Msg("warm-up fetch failed")
	}
	return keyResult{key: key, source: source, err: err}
}

func (j *WarmupJob) updateMetrics(result *WarmupResult) {
	j.metrics.mu.Lock()
	defer j.metrics.mu.Unlock()

	j.metrics.TotalRuns++
	j.metrics.SuccessfulKeys += int64(result.Successful)
	j.metrics.FailedKeys += int64(result.Failed)
	j.metrics.CacheHits += int64(result.CacheHits)
	j.metrics.UpstreamFetches += int64(result.UpstreamFetches)
	j.metrics.LastRunAt = result.EndTime
	j.metrics.LastRunDuration = result.Duration
	j.metrics.TotalDuration += result.Duration
}

// GetMetrics returns a copy of the current metrics.
func (j *WarmupJob) GetMetrics() WarmupMetrics {
	j.metrics.mu.RLock()
	defer j.metrics.mu.RUnlock()

	return WarmupMetrics{
		TotalRuns:       j.metrics.TotalRuns,
		SuccessfulKeys:  j.metrics.SuccessfulKeys,
		FailedKeys:      j.metrics.FailedKeys,
		CacheHits:       j.metrics.CacheHits,
		UpstreamFetches: j.metrics.UpstreamFetches,
		LastRunAt:       j.metrics.LastRunAt,
		LastRunDuration: j.metrics.LastRunDuration,
		TotalDuration:   j.metrics.TotalDuration,
	}
}

// MetricsSnapshot returns the current metrics as a map for JSON status output.
func (j *WarmupJob) MetricsSnapshot() map[string]interface{} {
	m := j.GetMetrics()
	return map[string]interface{}{
		"total_runs":        m.TotalRuns,
		"successful_keys":   m.SuccessfulKeys,
		"failed_keys":       m.FailedKeys,
		"cache_hits":        m.CacheHits,
		"upstream_fetches":  m.UpstreamFetches,
		"last_run_at":       m.LastRunAt,
		"last_run_duration": m.LastRunDuration.String(),
		"total_duration":    m.TotalDuration.String(),
	}
}
