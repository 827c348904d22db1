package app

import (
	"context"
	"fmt"
	"log/slog"

	pwCache "github.com/platewise/recipe-gateway/internal/cache"
	"github.com/platewise/recipe-gateway/internal/fetch"
	"github.com/platewise/recipe-gateway/internal/gateway"
	"github.com/platewise/recipe-gateway/internal/logger"
	"github.com/platewise/recipe-gateway/internal/metrics"
	anthropicprov "github.com/platewise/recipe-gateway/internal/providers/anthropic"
	geminiprov "github.com/platewise/recipe-gateway/internal/providers/gemini"
	openaiprov "github.com/platewise/recipe-gateway/internal/providers/openai"
	"github.com/platewise/recipe-gateway/internal/ratelimit"
	"github.com/platewise/recipe-gateway/internal/token"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis; ClickHouse only when an
// audit DSN is configured.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	// Audit sink: ClickHouse when configured, structured log otherwise.
	var sink logger.Sink
	if dsn := a.cfg.Audit.ClickHouseDSN; dsn != "" {
		a.log.Info("connecting to clickhouse", slog.String("dsn", redactURL(dsn)))
		ch, err := logger.NewClickHouseSink(ctx, dsn)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		sink = ch
		a.log.Info("clickhouse connected")
	}

	audit, err := logger.New(ctx, sink, a.log)
	if err != nil {
		return fmt.Errorf("audit logger: %w", err)
	}
	a.audit = audit

	return nil
}

// initProvider builds the single active model provider client. The
// credential for the selected provider is enforced by config validation.
func (a *App) initProvider(ctx context.Context) error {
	switch a.cfg.Provider {
	case "anthropic":
		var opts []anthropicprov.Option
		if a.cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(a.cfg.Anthropic.BaseURL))
		}
		if a.cfg.Anthropic.Model != "" {
			opts = append(opts, anthropicprov.WithModel(a.cfg.Anthropic.Model))
		}
		a.provider = anthropicprov.New(a.cfg.Anthropic.APIKey, opts...)

	case "openai":
		var opts []openaiprov.Option
		if a.cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(a.cfg.OpenAI.BaseURL))
		}
		if a.cfg.OpenAI.Model != "" {
			opts = append(opts, openaiprov.WithModel(a.cfg.OpenAI.Model))
		}
		a.provider = openaiprov.New(a.cfg.OpenAI.APIKey, opts...)

	case "gemini":
		var opts []geminiprov.Option
		if a.cfg.Gemini.Model != "" {
			opts = append(opts, geminiprov.WithModel(a.cfg.Gemini.Model))
		}
		p, err := geminiprov.New(ctx, a.cfg.Gemini.APIKey, opts...)
		if err != nil {
			return fmt.Errorf("gemini client: %w", err)
		}
		a.provider = p

	default:
		return fmt.Errorf("unknown provider: %s", a.cfg.Provider)
	}

	a.log.Info("provider loaded", slog.String("provider", a.provider.Name()))
	return nil
}

// initServices creates the token service, admission limiter, URL fetcher,
// cache backend, and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	// Token service. An empty secret is a deliberate development mode;
	// shout about it so it never ships silently.
	a.tokens = token.NewService(a.cfg.Token.SigningSecret, a.cfg.Token.TTL)
	if a.tokens.SigningDisabled() {
		a.log.Warn("TOKEN_SIGNING_SECRET is empty — token checks are DISABLED; do not run this in production")
	}

	if a.cfg.RateLimit.Max > 0 {
		a.limiter = ratelimit.NewLimiter(a.cfg.RateLimit.Max, a.cfg.RateLimit.Window)
		a.log.Info("rate limiting enabled",
			slog.Int("max", a.cfg.RateLimit.Max),
			slog.Duration("window", a.cfg.RateLimit.Window),
		)
	} else {
		a.log.Warn("rate limiting disabled (RATE_LIMIT_MAX=0)")
	}

	var fetchOpts []fetch.Option
	if a.cfg.Fetch.Timeout > 0 {
		fetchOpts = append(fetchOpts, fetch.WithTimeout(a.cfg.Fetch.Timeout))
	}
	if a.cfg.Fetch.AllowHTTP {
		a.log.Warn("FETCH_ALLOW_HTTP is set — plain http:// URLs are accepted; development only")
		fetchOpts = append(fetchOpts, fetch.WithAllowInsecureHTTP(true))
	}
	if len(a.cfg.Fetch.AllowHosts) > 0 {
		a.log.Warn("FETCH_ALLOW_HOSTS is set — SSRF blocklist exemptions active; development only",
			slog.Any("hosts", a.cfg.Fetch.AllowHosts))
		fetchOpts = append(fetchOpts, fetch.WithAllowHosts(a.cfg.Fetch.AllowHosts))
	}
	a.fetcher = fetch.New(fetchOpts...)

	switch a.cfg.Cache.Mode {
	case "redis":
		a.store = pwCache.NewRedisFromClient(a.rdb)
		a.log.Info("cache backend: redis")
	case "memory":
		a.memCache = pwCache.NewMemory(ctx)
		a.store = a.memCache
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	var cacheReady func() bool
	switch a.cfg.Cache.Mode {
	case "redis":
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheReady = func() bool { return true }
	}

	a.gw = gateway.New(a.baseCtx, a.provider, gateway.Options{
		Logger:          a.log,
		Tokens:          a.tokens,
		Limiter:         a.limiter,
		Fetcher:         a.fetcher,
		Cache:           a.store,
		CacheReady:      cacheReady,
		Audit:           a.audit,
		Metrics:         a.prom,
		UpstreamTimeout: a.cfg.Upstream.Timeout,
		CacheTTL:        a.cfg.Cache.TTL,
		CORSOrigins:     a.cfg.CORSOrigins,
		MaxBodyBytes:    a.cfg.MaxBodyBytes,
		CBConfig: gateway.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
	})

	a.mgmt = &gateway.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}
