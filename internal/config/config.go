// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// At least one of openai/anthropic/gemini may be configured; the local
// adapter has no external dependency and is always available as a fallback.
// Redis is optional — set CACHE_MODE=memory to use the built-in in-process
// cache with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider API keys — registering zero of these still leaves the local
	// adapter available, so the gateway always has at least one.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	Local LocalConfig

	// TensorAPIKey gates POST /v1/embed (Authorization: Bearer <key>).
	TensorAPIKey string

	// PreferLocal biases adapter selection toward the local adapter when no
	// explicit provider is requested (internal/registry.Choose).
	PreferLocal bool

	// Batch controls the embedding batcher's size/time bounds.
	Batch BatchConfig

	// Redis holds the connection URL for the Redis-backed cache and rate limiter.
	// Required only when CacheMode is "redis".
	Redis RedisConfig

	// Cache controls caching behaviour.
	Cache CacheConfig

	// CircuitBreaker controls per-provider circuit breaker thresholds (chat failover).
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls request-rate limiting on chat/summarize.
	RateLimit RateLimitConfig

	// Failover controls multi-provider chat fallback behaviour.
	Failover FailoverConfig

	// ClickHouseDSN, when set, redirects the async request logger's flush
	// target from structured slog records to a ClickHouse INSERT.
	ClickHouseDSN string

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// ProviderConfig holds configuration for a single upstream LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// LocalConfig configures the dependency-free local adapter, which is always
// registered.
type LocalConfig struct {
	// EmbedModel names the deterministic-embedding model identity folded
	// into the cache fingerprint. Default: "all-MiniLM-L6-v2".
	EmbedModel string
}

// BatchConfig controls the embedding batcher's dispatch bounds.
type BatchConfig struct {
	// MaxBatch is the maximum number of work items per dispatch. Default: 64.
	MaxBatch int
	// MaxBatchWait bounds how long a batch accumulates before dispatch. Default: 25ms.
	MaxBatchWait time.Duration
	// SubmitTimeout bounds how long Submit waits for a result. Default: 30s.
	SubmitTimeout time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the vector cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is read from CACHE_TTL. Default: 720h (30 days). The batcher does
	// not consult it: it writes entries with batcher.CacheTTL (30 days).
	TTL time.Duration
}

// CircuitBreakerConfig controls per-provider circuit breaker settings
// (chat failover path only).
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of consecutive errors that trip the breaker.
	// Default: 5.
	ErrorThreshold int

	// TimeWindow is the length of the fixed window over which errors are
	// counted; the first failure after it has elapsed starts a new window.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally on
	// chat/summarize. 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// FailoverConfig controls multi-provider chat failover.
type FailoverConfig struct {
	// MaxRetries is the maximum number of provider attempts per request
	// (including the first). Default: 3.
	MaxRetries int

	// ProviderTimeout bounds each summarize call and each chat request's
	// whole failover sequence (all attempts share it); the adapters' HTTP
	// clients use the fixed providers.ProviderTimeout instead. Default: 30s.
	ProviderTimeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "720h") // 30 days
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("TENSOR_API_KEY", "dev-key-change-me")
	v.SetDefault("TENSOR_MAX_BATCH", 64)
	v.SetDefault("TENSOR_BATCH_WAIT_MS", 25)
	v.SetDefault("TENSOR_SUBMIT_TIMEOUT_MS", 30000)
	v.SetDefault("PREFER_LOCAL", true)
	v.SetDefault("LOCAL_EMBED_MODEL", "all-MiniLM-L6-v2")
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")

	// Circuit breaker defaults.
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	// Failover defaults.
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("PROVIDER_TIMEOUT", "30s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},

		Local: LocalConfig{EmbedModel: v.GetString("LOCAL_EMBED_MODEL")},

		TensorAPIKey: v.GetString("TENSOR_API_KEY"),
		PreferLocal:  v.GetBool("PREFER_LOCAL"),

		Batch: BatchConfig{
			MaxBatch:      v.GetInt("TENSOR_MAX_BATCH"),
			MaxBatchWait:  time.Duration(v.GetInt("TENSOR_BATCH_WAIT_MS")) * time.Millisecond,
			SubmitTimeout: time.Duration(v.GetInt("TENSOR_SUBMIT_TIMEOUT_MS")) * time.Millisecond,
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode: strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:  v.GetDuration("CACHE_TTL"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		Failover: FailoverConfig{
			MaxRetries:      v.GetInt("MAX_RETRIES"),
			ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		},

		ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
		CORSOrigins:   v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.Failover.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 1, got %d", c.Failover.MaxRetries)
	}
	if c.Batch.MaxBatch < 1 {
		return fmt.Errorf("config: TENSOR_MAX_BATCH must be ≥ 1, got %d", c.Batch.MaxBatch)
	}
	if c.Batch.MaxBatchWait <= 0 {
		return fmt.Errorf("config: TENSOR_BATCH_WAIT_MS must be a positive duration")
	}
	if c.Batch.SubmitTimeout <= 0 {
		return fmt.Errorf("config: TENSOR_SUBMIT_TIMEOUT_MS must be a positive duration")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
