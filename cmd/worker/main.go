// Package main provides the entrypoint for the cache warm-up worker.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/climateaction/airstream/internal/airquality"
	"github.com/climateaction/airstream/internal/airquality/cache"
	"github.com/climateaction/airstream/internal/airquality/openweathermap"
	"github.com/climateaction/airstream/internal/api/response"
	"github.com/climateaction/airstream/internal/config"
	"github.com/climateaction/airstream/internal/provider/resilience"
	"github.com/climateaction/airstream/internal/telemetry"
	"github.com/climateaction/airstream/internal/worker"
)

// Version and BuildTime are set at compile time via ldflags
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "airstream-worker"

	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.App.LogLevel); err == nil {
		log = log.Level(level)
	}

	log.Info().Str("build_time", BuildTime).Msg("starting warm-up worker")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := telemetry.Init(ctx, telemetry.FromConfig(serviceName, Version, cfg))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	// The worker has no subscriber waiting on it, so transient upstream
	// failures are retried at the HTTP layer.
	providers := resilience.NewRegistry()
	httpCfg := resilience.DefaultClientConfig(openweathermap.ProviderName)
	httpCfg.Timeout = cfg.Upstream.Timeout
	httpCfg.MaxRetries = uint64(cfg.Worker.MaxRetries)
	httpCfg.DisableRetry = cfg.Worker.MaxRetries == 0
	httpCfg.Registry = providers

	provider := openweathermap.NewClient(openweathermap.ClientConfig{
		APIKey:     cfg.Upstream.APIKey,
		BaseURL:    cfg.Upstream.BaseURL,
		Timeout:    cfg.Upstream.Timeout,
		HTTPClient: resilience.NewClient(httpCfg),
		Logger:     log,
	})

	var store cache.Store
	if cfg.Cache.Type == config.CacheTypeRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		store = cache.NewRedis(cache.RedisConfig{
			Client:    client,
			TTL:       cfg.Cache.TTL,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
	} else {
		// Warming a process-local cache only helps this process; it still
		// exercises the upstream path and reports its health.
		log.Warn().Msg("CACHE_TYPE is memory - warm-up results are not shared with the API")
		store = cache.NewMemory(cache.MemoryConfig{
			TTL:        cfg.Cache.TTL,
			MaxEntries: cfg.Cache.MaxEntries,
		})
	}

	readings := airquality.NewService(airquality.ServiceConfig{
		Provider: provider,
		Cache:    store,
		Logger:   log,
	})

	warmupCfg := worker.DefaultWarmupConfig()
	warmupCfg.Concurrency = cfg.Worker.Concurrency
	warmupCfg.Timeout = cfg.Worker.Timeout
	job := worker.NewWarmupJob(worker.WarmupJobConfig{
		Config: warmupCfg,
		Source: readings,
		Logger: log,
	})

	scheduler := worker.NewScheduler(job, cfg.Worker.WarmupInterval, log)
	if err := scheduler.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start warm-up scheduler")
	}

	var subscriber *worker.PubSubHandler
	if cfg.PubSub.Enabled {
		subscriber, err = worker.NewPubSubHandler(ctx, worker.PubSubConfig{
			ProjectID:        cfg.PubSub.ProjectID,
			SubscriptionName: cfg.PubSub.Subscription,
			WarmupJob:        job,
			Logger:           log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create pubsub handler")
		}
		go func() {
			if err := subscriber.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("pubsub receive stopped")
			}
		}()
	}

	// Worker also exposes a health endpoint for Cloud Run
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		status := http.StatusOK
		circuits := make(map[string]string)
		for _, h := range providers.GetAllHealth() {
			circuits[h.Name] = h.Status()
			if h.IsUnhealthy() {
				status = http.StatusServiceUnavailable
			}
		}
		response.JSON(w, req, status, map[string]interface{}{
			"version":   Version,
			"warmup":    job.MetricsSnapshot(),
			"providers": circuits,
		})
	})

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.App.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("health server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("health server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down worker")
	cancel()
	scheduler.Stop()

	if subscriber != nil {
		if err := subscriber.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close pubsub client")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server forced to shutdown")
	}

	log.Info().Msg("worker stopped")
}
