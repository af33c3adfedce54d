// Package api provides the HTTP API for the air quality service.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/climateaction/airstream/internal/api/handler"
	"github.com/climateaction/airstream/internal/api/middleware"
	"github.com/climateaction/airstream/internal/api/response"
	"github.com/climateaction/airstream/internal/provider/resilience"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version     string
	BuildTime   string
	Logger      zerolog.Logger
	ServiceName string
	Metrics     *middleware.Metrics

	// Auth validates bearer tokens for authenticated routes (required).
	Auth middleware.TokenValidator

	// Reports backs the report and latest-reading endpoints (required).
	Reports handler.ReportService

	// Stream is the live subscription engine (required).
	Stream interface {
		handler.StreamEngine
		handler.StreamStats
	}

	// Providers and Checks feed the ops endpoints (optional).
	Providers *resilience.Registry
	Checks    []handler.DependencyCheck

	// MetricsHandler serves GET /metrics when set, typically promhttp.
	MetricsHandler http.Handler

	// CheckOrigin validates WebSocket Origin headers (optional).
	CheckOrigin func(r *http.Request) bool

	// RequireTLS rejects requests forwarded over plain HTTP.
	RequireTLS bool
}

// NewRouter creates a new chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "airstream-api"
	}

	// Global middleware - order matters
	r.Use(middleware.RequestID)            // Generate/propagate request ID first
	r.Use(middleware.Tracing(serviceName)) // Distributed tracing
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware()) // HTTP metrics
	}
	r.Use(middleware.Logger(cfg.Logger))   // Structured logging
	r.Use(middleware.Recovery(cfg.Logger)) // Panic recovery
	r.Use(chimiddleware.RealIP)            // Real IP extraction
	r.Use(middleware.SecurityHeaders)      // Security headers (HSTS, CSP, etc.)
	r.Use(middleware.RequireTLS(cfg.RequireTLS))

	opsHandler := handler.NewOpsHandler(handler.OpsConfig{
		Version:   cfg.Version,
		BuildTime: cfg.BuildTime,
		Checks:    cfg.Checks,
		Engine:    cfg.Stream,
		Providers: cfg.Providers,
	})
	airQualityHandler := handler.NewAirQualityHandler(cfg.Reports, cfg.Logger)
	streamHandler := handler.NewStreamHandler(handler.StreamConfig{
		Engine:      cfg.Stream,
		Logger:      cfg.Logger,
		CheckOrigin: cfg.CheckOrigin,
	})

	authMiddleware := middleware.Auth(cfg.Auth)
	streamAuthMiddleware := middleware.Auth(cfg.Auth, middleware.WithQueryToken())

	streamRateLimit := middleware.RateLimitByIP(middleware.StreamRateLimit)         // 10 req/min
	expensiveRateLimit := middleware.RateLimitByUser(middleware.ExpensiveRateLimit) // 30 req/min per user
	standardRateLimit := middleware.RateLimitByUser(middleware.StandardRateLimit)   // 100 req/min per user

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.NotFound(w, r, "no resource at "+r.URL.Path)
	})
	r.MethodNotAllowed(response.MethodNotAllowed)

	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		// Ops endpoints (public)
		r.Route("/ops", func(r chi.Router) {
			r.Use(middleware.ContentTypeJSON)
			r.Get("/health", opsHandler.HealthCheck)
			r.Get("/ready", opsHandler.ReadinessCheck)
			// Status endpoint requires authentication
			r.With(authMiddleware).Get("/status", opsHandler.SystemStatus)
		})

		// Air quality endpoints (authenticated)
		r.Route("/air-quality", func(r chi.Router) {
			r.Use(middleware.ContentTypeJSON)
			r.Use(authMiddleware)

			r.Route("/reports", func(r chi.Router) {
				r.Use(standardRateLimit)
				r.With(middleware.RequireJSON).Post("/", airQualityHandler.CreateReport)
				r.Get("/", airQualityHandler.ListReports)
			})

			// May reach the upstream provider on a cache miss
			r.With(expensiveRateLimit).Get("/latest", airQualityHandler.Latest)
		})

		// Live stream. Browsers cannot set headers on WebSocket requests, so
		// the token may also arrive as a query parameter.
		r.With(streamRateLimit, streamAuthMiddleware).Get("/ws/air-quality", streamHandler.Subscribe)
	})

	return r
}
