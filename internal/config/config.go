// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example ANTHROPIC_API_KEY becomes
// anthropic_api_key in YAML.
//
// Exactly one model provider is active per deployment, selected by
// UPSTREAM_PROVIDER. Redis is optional — set CACHE_MODE=memory to use the
// built-in in-process cache with no external dependencies.
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

	// Provider selects the active model API: "anthropic", "openai", or
	// "gemini". Default: "anthropic".
	Provider string

	// Per-provider credentials and overrides. Only the key for the selected
	// Provider is required.
	Anthropic ProviderConfig
	OpenAI    ProviderConfig
	Gemini    ProviderConfig

	// Token controls single-use capability tokens.
	Token TokenConfig

	// RateLimit controls per-origin admission.
	RateLimit RateLimitConfig

	// Fetch controls the SSRF-guarded URL fetcher.
	Fetch FetchConfig

	// Upstream controls the model call.
	Upstream UpstreamConfig

	// Cache controls the extraction result cache.
	Cache CacheConfig

	// Redis holds the connection URL for the Redis-backed result cache.
	// Required only when Cache.Mode is "redis".
	Redis RedisConfig

	// CircuitBreaker controls the upstream circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// Audit configures the audit log sink.
	Audit AuditConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// MaxBodyBytes bounds the HTTP request body. Default: 12 MiB
	// (an 8 MiB image plus base64 overhead).
	MaxBodyBytes int
}

// ProviderConfig holds configuration for a single model provider.
type ProviderConfig struct {
	// APIKey is the provider API key.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string

	// Model overrides the provider's default extraction model.
	Model string
}

// TokenConfig controls capability token issuance.
type TokenConfig struct {
	// SigningSecret is the HMAC key for token signatures. Leaving it empty
	// disables the token check entirely — a development mode that is logged
	// loudly at startup and must never be used in production.
	SigningSecret string

	// TTL is how long an issued token stays valid. Default: 5m.
	TTL time.Duration
}

// RateLimitConfig controls per-origin admission.
type RateLimitConfig struct {
	// Max is the request budget per origin per window. 0 disables the
	// limiter. Default: 20.
	Max int

	// Window is the budget period. Default: 1m.
	Window time.Duration
}

// FetchConfig controls the SSRF-guarded URL fetcher.
type FetchConfig struct {
	// Timeout is the hard deadline for one URL fetch. Default: 10s.
	Timeout time.Duration

	// AllowHosts exempts exact hostnames from the SSRF blocklist.
	// Local development and integration tests only; keep empty in prod.
	AllowHosts []string

	// AllowHTTP permits plain http:// URLs. Local development only.
	AllowHTTP bool
}

// UpstreamConfig controls the single model call per request.
type UpstreamConfig struct {
	// Timeout bounds one completion call. Default: 60s.
	Timeout time.Duration
}

// CacheConfig controls the extraction result cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the time-to-live for cached extractions. Default: 1h.
	TTL time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CircuitBreakerConfig controls the upstream circuit breaker.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of upstream failures within TimeWindow
	// that trip the breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// AuditConfig configures the async audit logger.
type AuditConfig struct {
	// ClickHouseDSN enables the ClickHouse audit sink when set,
	// e.g. "clickhouse://default:@localhost:9000/gateway".
	// Empty means audit records go to the structured log instead.
	ClickHouseDSN string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// The API key for the selected UPSTREAM_PROVIDER must be configured.
// REDIS_URL is only required when CACHE_MODE=redis.
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
	v.SetDefault("UPSTREAM_PROVIDER", "anthropic")

	v.SetDefault("TOKEN_TTL", "5m")

	v.SetDefault("RATE_LIMIT_MAX", 20)
	v.SetDefault("RATE_LIMIT_WINDOW", "1m")

	v.SetDefault("FETCH_TIMEOUT", "10s")
	v.SetDefault("FETCH_ALLOW_HTTP", false)

	v.SetDefault("UPSTREAM_TIMEOUT", "60s")

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("MAX_BODY_BYTES", 12<<20)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
		Provider: strings.ToLower(v.GetString("UPSTREAM_PROVIDER")),

		Anthropic: ProviderConfig{
			APIKey:  v.GetString("ANTHROPIC_API_KEY"),
			BaseURL: v.GetString("ANTHROPIC_BASE_URL"),
			Model:   v.GetString("ANTHROPIC_MODEL"),
		},
		OpenAI: ProviderConfig{
			APIKey:  v.GetString("OPENAI_API_KEY"),
			BaseURL: v.GetString("OPENAI_BASE_URL"),
			Model:   v.GetString("OPENAI_MODEL"),
		},
		Gemini: ProviderConfig{
			APIKey: v.GetString("GOOGLE_API_KEY"),
			Model:  v.GetString("GEMINI_MODEL"),
		},

		Token: TokenConfig{
			SigningSecret: v.GetString("TOKEN_SIGNING_SECRET"),
			TTL:           v.GetDuration("TOKEN_TTL"),
		},

		RateLimit: RateLimitConfig{
			Max:    v.GetInt("RATE_LIMIT_MAX"),
			Window: v.GetDuration("RATE_LIMIT_WINDOW"),
		},

		Fetch: FetchConfig{
			Timeout:    v.GetDuration("FETCH_TIMEOUT"),
			AllowHosts: v.GetStringSlice("FETCH_ALLOW_HOSTS"),
			AllowHTTP:  v.GetBool("FETCH_ALLOW_HTTP"),
		},

		Upstream: UpstreamConfig{
			Timeout: v.GetDuration("UPSTREAM_TIMEOUT"),
		},

		Cache: CacheConfig{
			Mode: strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:  v.GetDuration("CACHE_TTL"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		Audit: AuditConfig{
			ClickHouseDSN: v.GetString("AUDIT_CLICKHOUSE_DSN"),
		},

		CORSOrigins:  v.GetStringSlice("CORS_ORIGINS"),
		MaxBodyBytes: v.GetInt("MAX_BODY_BYTES"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	// The selected provider must have a credential.
	switch c.Provider {
	case "anthropic":
		if c.Anthropic.APIKey == "" {
			return fmt.Errorf("config: ANTHROPIC_API_KEY is required when UPSTREAM_PROVIDER=anthropic")
		}
	case "openai":
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("config: OPENAI_API_KEY is required when UPSTREAM_PROVIDER=openai")
		}
	case "gemini":
		if c.Gemini.APIKey == "" {
			return fmt.Errorf("config: GOOGLE_API_KEY is required when UPSTREAM_PROVIDER=gemini")
		}
	default:
		return fmt.Errorf(
			"config: invalid UPSTREAM_PROVIDER %q; must be one of: anthropic, openai, gemini",
			c.Provider,
		)
	}

	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	// Validate cache mode value.
	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.RateLimit.Max < 0 {
		return fmt.Errorf("config: RATE_LIMIT_MAX must be ≥ 0, got %d", c.RateLimit.Max)
	}
	if c.RateLimit.Max > 0 && c.RateLimit.Window <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_WINDOW must be a positive duration")
	}

	if c.Token.TTL <= 0 {
		return fmt.Errorf("config: TOKEN_TTL must be a positive duration")
	}

	// Circuit breaker sanity checks.
	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}

	if c.MaxBodyBytes < 1<<10 {
		return fmt.Errorf("config: MAX_BODY_BYTES must be ≥ 1024, got %d", c.MaxBodyBytes)
	}

	return nil
}

// TokensEnabled reports whether single-use token checks are active.
func (c *Config) TokensEnabled() bool {
	return c.Token.SigningSecret != ""
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
