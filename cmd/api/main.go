// Package main provides the entrypoint for the air quality API server.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/climateaction/airstream/internal/airquality"
	"github.com/climateaction/airstream/internal/airquality/cache"
	"github.com/climateaction/airstream/internal/airquality/openweathermap"
	"github.com/climateaction/airstream/internal/api"
	"github.com/climateaction/airstream/internal/api/handler"
	"github.com/climateaction/airstream/internal/api/middleware"
	"github.com/climateaction/airstream/internal/auth"
	"github.com/climateaction/airstream/internal/config"
	"github.com/climateaction/airstream/internal/database"
	"github.com/climateaction/airstream/internal/provider/resilience"
	"github.com/climateaction/airstream/internal/report"
	"github.com/climateaction/airstream/internal/stream"
	"github.com/climateaction/airstream/internal/telemetry"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "airstream-api"

	// Setup structured logging
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

	log.Info().
		Str("build_time", BuildTime).
		Str("env", cfg.App.Env).
		Msg("starting air quality API")

	if cfg.Upstream.APIKey == "" {
		log.Warn().Msg("OPENWEATHERMAP_API_KEY is not set - upstream fetches will fail")
	}
	if cfg.Auth.SigningKey == config.DefaultSigningKey {
		log.Warn().Msg("using default JWT signing key - not secure for production")
	}

	// Initialize OpenTelemetry
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	tp, err := telemetry.Init(ctx, telemetry.FromConfig(serviceName, Version, cfg))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	if cfg.Telemetry.Enabled {
		log.Info().
			Str("otlp_endpoint", cfg.Telemetry.OTLPEndpoint).
			Msg("OpenTelemetry initialized")
	}

	// Initialize metrics
	httpMetrics, err := middleware.NewMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize HTTP metrics")
	}
	streamMetrics, err := stream.NewMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize stream metrics")
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var checks []handler.DependencyCheck

	// Reading cache
	store, redisClient := newCache(ctx, cfg, log)
	if redisClient != nil {
		defer redisClient.Close()
	}
	if shared, ok := store.(*cache.Redis); ok {
		checks = append(checks, handler.DependencyCheck{Name: "redis", Ping: shared.Ping})
	}
	instrumented := cache.NewInstrumented(store, string(cfg.Cache.Type), cache.NewMetrics(promRegistry))

	// Upstream provider
	providers := resilience.NewRegistry()
	provider := openweathermap.NewClient(openweathermap.ClientConfig{
		APIKey:   cfg.Upstream.APIKey,
		BaseURL:  cfg.Upstream.BaseURL,
		Timeout:  cfg.Upstream.Timeout,
		Registry: providers,
		Logger:   log,
	})

	readings := airquality.NewService(airquality.ServiceConfig{
		Provider: provider,
		Cache:    instrumented,
		Logger:   log,
		OnFetch:  streamMetrics.RecordFetch(provider.Name()),
	})

	// Subscription engine
	engine := stream.NewEngine(stream.EngineConfig{
		Fetcher:         readings,
		RefreshInterval: cfg.Stream.RefreshInterval,
		RetryInterval:   cfg.Stream.RetryInterval,
		RateLimitDelay:  cfg.Stream.RateLimitDelay,
		SendTimeout:     cfg.Stream.SendTimeout,
		OutboxSize:      cfg.Stream.OutboxSize,
		Logger:          log,
		Metrics:         streamMetrics,
	})
	log.Info().
		Dur("refresh_interval", cfg.Stream.RefreshInterval).
		Str("cache_type", string(cfg.Cache.Type)).
		Msg("subscription engine initialized")

	// Report store
	repo, pool := newReportRepository(ctx, cfg, log)
	if pool != nil {
		defer pool.Close()
		checks = append(checks, handler.DependencyCheck{Name: "postgres", Ping: pool.Ping})
	}

	reports := report.NewService(report.ServiceConfig{
		Repository: repo,
		Readings:   engine,
		Logger:     log,
	})

	jwtService := auth.NewJWTService(auth.JWTConfig{
		SigningKey: cfg.Auth.SigningKey,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
	})

	// Create router with configuration
	router := api.NewRouter(api.RouterConfig{
		Version:        Version,
		BuildTime:      BuildTime,
		Logger:         log,
		ServiceName:    serviceName,
		Metrics:        httpMetrics,
		Auth:           jwtService,
		Reports:        reports,
		Stream:         engine,
		Providers:      providers,
		Checks:         checks,
		MetricsHandler: promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		RequireTLS:     cfg.App.RequireTLS,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.App.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Str("addr", server.Addr).
			Msg("server listening")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")
	stop()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Streaming connections are hijacked and not tracked by the server, so
	// the engine closes them first.
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("subscription engine forced to shutdown")
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// newCache builds the configured reading store. The Redis client is returned
// so the caller can close and health-check it; it is nil for the memory store.
func newCache(ctx context.Context, cfg *config.Config, log zerolog.Logger) (cache.Store, *redis.Client) {
	if cfg.Cache.Type == config.CacheTypeRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			// Cache errors degrade to misses, so an unreachable Redis is not fatal.
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis is unreachable")
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("using redis reading cache")
		return cache.NewRedis(cache.RedisConfig{
			Client:    client,
			TTL:       cfg.Cache.TTL,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}), client
	}

	mem := cache.NewMemory(cache.MemoryConfig{
		TTL:        cfg.Cache.TTL,
		MaxEntries: cfg.Cache.MaxEntries,
	})
	if cfg.Cache.SweepInterval > 0 {
		go mem.Sweep(ctx, cfg.Cache.SweepInterval)
	}
	log.Info().Int("max_entries", cfg.Cache.MaxEntries).Msg("using in-memory reading cache")
	return mem, nil
}

// newReportRepository connects to PostgreSQL when enabled and falls back to an
// in-memory repository otherwise.
func newReportRepository(ctx context.Context, cfg *config.Config, log zerolog.Logger) (report.Repository, *pgxpool.Pool) {
	if !cfg.Database.Enabled {
		log.Warn().Msg("database disabled - reports are kept in memory")
		return report.NewMemoryRepository(), nil
	}

	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	log.Info().
		Str("host", cfg.Database.Host).
		Int("port", cfg.Database.Port).
		Str("database", cfg.Database.Name).
		Msg("database connected")

	repo := report.NewPostgresRepository(pool)
	if cfg.Database.Migrate {
		if err := repo.Migrate(ctx); err != nil {
			pool.Close()
			log.Fatal().Err(err).Msg("failed to apply report schema")
		}
		log.Info().Msg("report schema applied")
	}
	return repo, pool
}
