// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const maxPortNumber = 65535

// ErrInvalidConfig is returned when configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete configuration for the API server and the worker.
type Config struct {
	App       AppConfig
	Upstream  UpstreamConfig
	Stream    StreamConfig
	Cache     CacheConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
	PubSub    PubSubConfig
	Worker    WorkerConfig
}

// AppConfig holds process-level settings.
type AppConfig struct {
	Env        string `envconfig:"APP_ENV" default:"development"`
	Port       int    `envconfig:"APP_PORT" default:"8080"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
	RequireTLS bool   `envconfig:"REQUIRE_TLS" default:"false"`
}

// UpstreamConfig configures the OpenWeatherMap air pollution client.
type UpstreamConfig struct {
	APIKey  string        `envconfig:"OPENWEATHERMAP_API_KEY"`
	BaseURL string        `envconfig:"OPENWEATHERMAP_BASE_URL" default:"https://api.openweathermap.org/data/2.5"`
	Timeout time.Duration `envconfig:"UPSTREAM_TIMEOUT" default:"10s"`
}

// StreamConfig configures the subscription engine.
type StreamConfig struct {
	RefreshInterval time.Duration `envconfig:"STREAM_REFRESH_INTERVAL" default:"300s"`
	RetryInterval   time.Duration `envconfig:"STREAM_RETRY_INTERVAL" default:"5s"`
	RateLimitDelay  time.Duration `envconfig:"STREAM_RATE_LIMIT_DELAY" default:"30s"`
	SendTimeout     time.Duration `envconfig:"STREAM_SEND_TIMEOUT" default:"5s"`
	OutboxSize      int           `envconfig:"STREAM_OUTBOX_SIZE" default:"16"`
}

// CacheType selects the poll cache backend.
type CacheType string

const (
	CacheTypeMemory CacheType = "memory"
	CacheTypeRedis  CacheType = "redis"
)

// CacheConfig configures the location poll cache.
type CacheConfig struct {
	Type          CacheType     `envconfig:"CACHE_TYPE" default:"memory"`
	TTL           time.Duration `envconfig:"CACHE_TTL" default:"300s"`
	MaxEntries    int           `envconfig:"CACHE_MAX_ENTRIES" default:"10000"`
	SweepInterval time.Duration `envconfig:"CACHE_SWEEP_INTERVAL" default:"1m"`
}

// RedisConfig configures the shared Redis cache.
type RedisConfig struct {
	Addr      string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password  string `envconfig:"REDIS_PASSWORD"`
	DB        int    `envconfig:"REDIS_DB" default:"0"`
	KeyPrefix string `envconfig:"REDIS_KEY_PREFIX" default:"aq:reading:"`
}

// DatabaseConfig configures the PostgreSQL report store. When disabled, reports
// are kept in memory.
type DatabaseConfig struct {
	Enabled         bool          `envconfig:"DB_ENABLED" default:"true"`
	Host            string        `envconfig:"DB_HOST" default:"localhost"`
	Port            int           `envconfig:"DB_PORT" default:"5432"`
	User            string        `envconfig:"DB_USER" default:"airstream"`
	Password        string        `envconfig:"DB_PASSWORD" default:"localdev"`
	Name            string        `envconfig:"DB_NAME" default:"airstream"`
	SSLMode         string        `envconfig:"DB_SSL_MODE" default:"disable"`
	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"10"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
	Migrate         bool          `envconfig:"DB_MIGRATE" default:"false"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled        bool          `envconfig:"OTEL_ENABLED" default:"false"`
	OTLPEndpoint   string        `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4317"`
	SampleRatio    float64       `envconfig:"OTEL_TRACES_SAMPLER_RATIO" default:"1"`
	MetricInterval time.Duration `envconfig:"OTEL_METRIC_EXPORT_INTERVAL" default:"15s"`
}

// AuthConfig configures access token validation.
type AuthConfig struct {
	SigningKey string `envconfig:"JWT_SIGNING_KEY" default:"local-dev-signing-key-change-in-production"`
	Issuer     string `envconfig:"JWT_ISSUER" default:"https://api.airstream.local"`
	Audience   string `envconfig:"JWT_AUDIENCE" default:"airstream-api"`
}

// PubSubConfig configures the worker's job subscription.
type PubSubConfig struct {
	Enabled      bool   `envconfig:"PUBSUB_ENABLED" default:"false"`
	ProjectID    string `envconfig:"PUBSUB_PROJECT_ID"`
	Subscription string `envconfig:"PUBSUB_SUBSCRIPTION" default:"airstream-worker-jobs"`
}

// WorkerConfig configures the cache warm-up worker.
type WorkerConfig struct {
	WarmupInterval time.Duration `envconfig:"WORKER_WARMUP_INTERVAL" default:"5m"`
	Concurrency    int           `envconfig:"WORKER_CONCURRENCY" default:"3"`
	Timeout        time.Duration `envconfig:"WORKER_TIMEOUT" default:"30s"`
	MaxRetries     int           `envconfig:"WORKER_MAX_RETRIES" default:"3"`
}

// DefaultSigningKey is the development signing key. It is rejected in production.
const DefaultSigningKey = "local-dev-signing-key-change-in-production"

// Load reads a .env file when one exists in the working directory, then
// processes the environment into a validated Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv processes the current environment into a validated Config.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.App.Env, "production")
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if c.App.Port < 1 || c.App.Port > maxPortNumber {
		problems = append(problems, "APP_PORT must be between 1 and 65535")
	}
	if c.Upstream.BaseURL == "" {
		problems = append(problems, "OPENWEATHERMAP_BASE_URL cannot be empty")
	}
	if c.Upstream.Timeout <= 0 {
		problems = append(problems, "UPSTREAM_TIMEOUT must be positive")
	}
	if c.Stream.RefreshInterval <= 0 || c.Stream.RetryInterval <= 0 || c.Stream.RateLimitDelay <= 0 {
		problems = append(problems, "stream intervals must be positive")
	}
	if c.Stream.SendTimeout <= 0 {
		problems = append(problems, "STREAM_SEND_TIMEOUT must be positive")
	}
	if c.Stream.OutboxSize < 1 {
		problems = append(problems, "STREAM_OUTBOX_SIZE must be at least 1")
	}
	switch c.Cache.Type {
	case CacheTypeMemory, CacheTypeRedis:
	default:
		problems = append(problems, fmt.Sprintf("CACHE_TYPE %q must be memory or redis", c.Cache.Type))
	}
	if c.Cache.TTL <= 0 {
		problems = append(problems, "CACHE_TTL must be positive")
	}
	if c.Cache.Type == CacheTypeRedis && c.Redis.Addr == "" {
		problems = append(problems, "REDIS_ADDR is required when CACHE_TYPE is redis")
	}
	if c.Database.Enabled && (c.Database.Port < 1 || c.Database.Port > maxPortNumber) {
		problems = append(problems, "DB_PORT must be between 1 and 65535")
	}
	if c.Auth.SigningKey == "" {
		problems = append(problems, "JWT_SIGNING_KEY cannot be empty")
	}
	if c.IsProduction() && c.Auth.SigningKey == DefaultSigningKey {
		problems = append(problems, "JWT_SIGNING_KEY must be set in production")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		problems = append(problems, "OTEL_TRACES_SAMPLER_RATIO must be between 0 and 1")
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		problems = append(problems, "PUBSUB_PROJECT_ID is required when PUBSUB_ENABLED is true")
	}
	if c.Worker.Concurrency < 1 {
		problems = append(problems, "WORKER_CONCURRENCY must be at least 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
