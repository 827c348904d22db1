// Package gateway is the hardened front door for recipe extraction.
//
// The Gateway receives a submission (raw text, a URL, or an image), admits
// or rejects it (rate limit, capability token, input validation), fetches
// URL content through the SSRF guard, calls the configured model API exactly
// once, and returns a validated, bounded recipe object.
//
// Key design constraints:
//   - A request triggers at most one upstream model call. There is no retry.
//   - Raw caller identities are never stored; only their hashes are.
//   - Error responses never leak upstream or infrastructure detail.
//   - Token service, limiter, cache, metrics, and audit logger are optional
//     and nil-safe.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/platewise/recipe-gateway/internal/cache"
	"github.com/platewise/recipe-gateway/internal/fetch"
	"github.com/platewise/recipe-gateway/internal/logger"
	"github.com/platewise/recipe-gateway/internal/metrics"
	"github.com/platewise/recipe-gateway/internal/providers"
	"github.com/platewise/recipe-gateway/internal/ratelimit"
	"github.com/platewise/recipe-gateway/internal/recipe"
	"github.com/platewise/recipe-gateway/internal/sanitize"
	"github.com/platewise/recipe-gateway/internal/token"
	"github.com/platewise/recipe-gateway/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	// MinTextLen is the floor for inline recipe text. Anything shorter
	// cannot be a recipe and is rejected before any upstream spend.
	MinTextLen = 10

	// MaxTextLen caps inline recipe text.
	MaxTextLen = 32 << 10 // 32 KiB

	// MaxImageBytes caps a decoded image submission.
	MaxImageBytes = 8 << 20 // 8 MiB

	// DefaultMaxBodyBytes bounds the request body at the transport layer.
	// Sized for MaxImageBytes plus base64 overhead and envelope slack.
	DefaultMaxBodyBytes = 12 << 20

	// DefaultCacheTTL is how long a successful extraction is reusable.
	DefaultCacheTTL = time.Hour
)

// allowedImageMIME lists the media types the model APIs accept for vision
// input. Anything else is rejected before decoding.
var allowedImageMIME = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/webp": {},
	"image/gif":  {},
}

// Options holds optional dependencies and tuning for a Gateway. All fields
// have nil-safe or sensible defaults.
type Options struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// Tokens verifies single-use capability tokens. When nil the token
	// check is skipped entirely (development mode).
	Tokens *token.Service

	// Limiter is the per-origin admission controller. Nil disables it.
	Limiter *ratelimit.Limiter

	// Fetcher retrieves caller-supplied URLs through the SSRF guard.
	// Required for the url variant; requests with a url fail when nil.
	Fetcher *fetch.Fetcher

	// Cache is the extraction result cache. Nil disables caching.
	Cache cache.Store

	// CacheReady is the cache readiness probe for /health. Nil means
	// "not configured" and reports ok.
	CacheReady func() bool

	// Audit is the async audit logger. Nil disables audit records.
	Audit *logger.Logger

	// Metrics enables Prometheus collection. Nil disables it.
	Metrics *metrics.Registry

	// UpstreamTimeout bounds one model call. Default: providers.Timeout.
	UpstreamTimeout time.Duration

	// CacheTTL is the result cache lifetime. Default: DefaultCacheTTL.
	CacheTTL time.Duration

	// CBConfig tunes the upstream circuit breaker.
	CBConfig CBConfig

	// CORSOrigins is the browser origin allowlist. Empty means "*".
	CORSOrigins []string

	// MaxBodyBytes bounds the request body. Default: DefaultMaxBodyBytes.
	MaxBodyBytes int
}

// Gateway is the request orchestrator — all dependencies are injected via
// the constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	provider providers.Provider
	tokens   *token.Service
	limiter  *ratelimit.Limiter
	fetcher  *fetch.Fetcher
	cache    cache.Store
	cb       *Breaker
	health   *HealthChecker
	baseCtx  context.Context
	log      *slog.Logger
	metrics  *metrics.Registry
	audit    *logger.Logger

	upstreamTimeout time.Duration
	cacheTTL        time.Duration
	corsOrigins     []string
	maxBodyBytes    int
}

// New creates a fully configured Gateway for the given model provider and
// starts its background health probes.
func New(baseCtx context.Context, prov providers.Provider, opts Options) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	upstreamTimeout := opts.UpstreamTimeout
	if upstreamTimeout <= 0 {
		upstreamTimeout = providers.Timeout
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}

	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	gw := &Gateway{
		provider:        prov,
		tokens:          opts.Tokens,
		limiter:         opts.Limiter,
		fetcher:         opts.Fetcher,
		cache:           opts.Cache,
		cb:              NewBreaker(opts.CBConfig),
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		audit:           opts.Audit,
		upstreamTimeout: upstreamTimeout,
		cacheTTL:        cacheTTL,
		corsOrigins:     opts.CORSOrigins,
		maxBodyBytes:    maxBody,
	}

	if gw.metrics != nil && prov != nil {
		gw.metrics.SetCircuitBreaker(prov.Name(), int64(gw.cb.State()))
	}

	if prov != nil {
		gw.health = NewHealthChecker(baseCtx, prov, opts.CacheReady)
	}

	return gw
}

// Close stops background work. The audit logger is owned by the caller and
// is not closed here.
func (g *Gateway) Close() {
	if g.health != nil {
		g.health.Close()
	}
}

// ── Request / response types ──────────────────────────────────────────────

type (
	// inboundImage is the image submission variant: base64 payload plus
	// its declared media type.
	inboundImage struct {
		Data      string `json:"data"`
		MediaType string `json:"media_type"`

		// decoded holds the base64-decoded payload after resolveVariant.
		decoded []byte
	}

	// inboundRequest mirrors the POST /v1/recipe body. Exactly one of
	// Text, URL, or Image must be set.
	inboundRequest struct {
		Token *token.Token  `json:"token"`
		Text  string        `json:"text"`
		URL   string        `json:"url"`
		Image *inboundImage `json:"image"`
	}

	recipeResponse struct {
		OK     bool           `json:"ok"`
		Recipe *recipe.Recipe `json:"recipe"`
	}

	tokenResponse struct {
		OK    bool         `json:"ok"`
		Token *token.Token `json:"token"`
	}
)

// clientIdentity returns the caller's apparent network identity: the first
// hop of X-Forwarded-For when present (the gateway runs behind a trusted
// proxy in production), otherwise the remote address.
func clientIdentity(ctx *fasthttp.RequestCtx) string {
	if fwd := string(ctx.Request.Header.Peek("X-Forwarded-For")); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	addr := ctx.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// admit runs admission control for the caller and writes the 429 response
// itself on denial. Returns the origin fingerprint and whether to proceed.
func (g *Gateway) admit(ctx *fasthttp.RequestCtx, route string) (string, bool) {
	fp := ratelimit.Fingerprint(clientIdentity(ctx))
	if g.limiter == nil {
		return fp, true
	}

	ok, retryAfter := g.limiter.Admit(fp)
	if ok {
		return fp, true
	}

	sec := int((retryAfter + time.Second - 1) / time.Second)
	if sec < 1 {
		sec = 1
	}
	if g.metrics != nil {
		g.metrics.RecordRateLimitDenial()
	}
	g.log.WarnContext(ctx, "rate_limited",
		slog.String("route", route),
		slog.String("fingerprint", fp),
		slog.Int("retry_after", sec),
	)
	apierr.WriteRateLimited(ctx, "rate limited, retry later", sec)
	return fp, false
}

// handleToken issues one single-use capability token. Token issuance is
// itself rate limited so the nonce ledger cannot be flooded.
func (g *Gateway) handleToken(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer g.observe(ctx, "token", start)

	fp, ok := g.admit(ctx, "token")
	if !ok {
		g.auditRecord(fp, "token", "", apierr.New(apierr.KindRateLimited, "rate limited"), ctx.Response.StatusCode(), start, false)
		return
	}

	var tok *token.Token
	if g.tokens != nil {
		t, err := g.tokens.Issue()
		if err != nil {
			g.log.ErrorContext(ctx, "token_issue_failed", slog.String("error", err.Error()))
			g.writeError(ctx, fp, "token", "", apierr.Wrap(apierr.KindInternal, "token issue failed", err), start, false)
			return
		}
		tok = t
	}

	writeJSON(ctx, fasthttp.StatusOK, tokenResponse{OK: true, Token: tok})
	g.auditRecord(fp, "token", "", nil, fasthttp.StatusOK, start, false)
}

// handleRecipe runs the full extraction pipeline for POST /v1/recipe.
func (g *Gateway) handleRecipe(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer g.observe(ctx, "recipe", start)

	// Transport-shape checks come before any stateful work.
	if ct := string(ctx.Request.Header.ContentType()); !strings.HasPrefix(ct, "application/json") {
		apierr.Write(ctx, fasthttp.StatusUnsupportedMediaType, "unsupported content type, use application/json")
		return
	}
	body := ctx.PostBody()
	if len(body) > g.maxBodyBytes {
		apierr.Write(ctx, fasthttp.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	fp, ok := g.admit(ctx, "recipe")
	if !ok {
		g.auditRecord(fp, "recipe", "", apierr.New(apierr.KindRateLimited, "rate limited"), ctx.Response.StatusCode(), start, false)
		return
	}

	var req inboundRequest
	if err := json.Unmarshal(body, &req); err != nil {
		g.writeError(ctx, fp, "recipe", "",
			apierr.Wrap(apierr.KindInputInvalid, "invalid json in request body", err), start, false)
		return
	}

	// Token check. A missing or failed token is indistinguishable to the
	// client; the audit record keeps the real reason.
	if err := g.verifyToken(req.Token); err != nil {
		g.writeError(ctx, fp, "recipe", "", err, start, false)
		return
	}

	variant, payload, err := resolveVariant(&req)
	if err != nil {
		g.writeError(ctx, fp, "recipe", variant, err, start, false)
		return
	}

	reqID, _ := ctx.UserValue("request_id").(string)
	g.log.InfoContext(ctx, "recipe_request",
		slog.String("request_id", reqID),
		slog.String("variant", variant),
		slog.String("fingerprint", fp),
	)

	// Cache lookup — after the token is consumed, so cached results never
	// weaken the single-use guarantee.
	cacheKey := ""
	if g.cache != nil {
		cacheKey = cache.Key(variant, payload)
		if cached, hit := g.cache.Get(ctx, cacheKey); hit {
			if g.metrics != nil {
				g.metrics.RecordCacheHit()
			}
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetContentType("application/json")
			ctx.SetBody(cached)
			g.auditRecord(fp, "recipe", variant, nil, fasthttp.StatusOK, start, true)
			return
		}
		if g.metrics != nil {
			g.metrics.RecordCacheMiss()
		}
	}

	compReq, err := g.buildCompletion(ctx, &req, variant, reqID)
	if err != nil {
		if g.metrics != nil && apierr.KindOf(err) == apierr.KindUnsafeURL {
			g.metrics.RecordSSRFRejection()
		}
		g.writeError(ctx, fp, "recipe", variant, err, start, false)
		return
	}

	rec, err := g.extractOnce(ctx, compReq, reqID)
	if err != nil {
		g.writeError(ctx, fp, "recipe", variant, err, start, false)
		return
	}

	respBody, err := json.Marshal(recipeResponse{OK: true, Recipe: rec})
	if err != nil {
		g.writeError(ctx, fp, "recipe", variant,
			apierr.Wrap(apierr.KindInternal, "response serialization failed", err), start, false)
		return
	}

	if g.cache != nil && cacheKey != "" {
		if err := g.cache.Set(ctx, cacheKey, respBody, g.cacheTTL); err != nil {
			g.log.WarnContext(ctx, "cache_set_failed", slog.String("error", err.Error()))
		}
	}

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(respBody)
	g.auditRecord(fp, "recipe", variant, nil, fasthttp.StatusOK, start, false)
}

// verifyToken checks the capability token when signing is configured.
func (g *Gateway) verifyToken(t *token.Token) error {
	if g.tokens == nil || g.tokens.SigningDisabled() {
		return nil
	}
	if t == nil {
		g.recordTokenOutcome("missing")
		return apierr.New(apierr.KindOriginRejected, "invalid token: missing")
	}
	if err := g.tokens.Verify(t); err != nil {
		g.recordTokenOutcome(tokenOutcome(err))
		return apierr.Wrap(apierr.KindOriginRejected, "invalid token", err)
	}
	g.recordTokenOutcome("ok")
	return nil
}

func (g *Gateway) recordTokenOutcome(outcome string) {
	if g.metrics != nil {
		g.metrics.RecordTokenVerification(outcome)
	}
}

func tokenOutcome(err error) string {
	switch {
	case errors.Is(err, token.ErrReplayed):
		return "replayed"
	case errors.Is(err, token.ErrExpired):
		return "expired"
	case errors.Is(err, token.ErrNotYetValid):
		return "bad_expiry"
	case errors.Is(err, token.ErrBadSignature):
		return "bad_signature"
	default:
		return "malformed"
	}
}

// resolveVariant enforces the exactly-one-submission rule and returns the
// variant name with its canonical payload bytes (used for the cache key).
func resolveVariant(req *inboundRequest) (string, []byte, error) {
	n := 0
	if req.Text != "" {
		n++
	}
	if req.URL != "" {
		n++
	}
	if req.Image != nil {
		n++
	}
	if n != 1 {
		return "", nil, apierr.New(apierr.KindInputInvalid,
			"exactly one of 'text', 'url' or 'image' must be provided")
	}

	switch {
	case req.Text != "":
		text := strings.TrimSpace(req.Text)
		if len([]rune(text)) < MinTextLen {
			return "text", nil, apierr.New(apierr.KindInputInvalid, "text too short to be a recipe")
		}
		if len(text) > MaxTextLen {
			return "text", nil, apierr.New(apierr.KindInputInvalid, "text too long")
		}
		req.Text = text
		return "text", []byte(text), nil

	case req.URL != "":
		return "url", []byte(req.URL), nil

	default:
		if _, ok := allowedImageMIME[req.Image.MediaType]; !ok {
			return "image", nil, apierr.Newf(apierr.KindInputInvalid,
				"invalid image media type %q", req.Image.MediaType)
		}
		data, err := base64.StdEncoding.DecodeString(req.Image.Data)
		if err != nil {
			return "image", nil, apierr.Wrap(apierr.KindInputInvalid, "invalid image data: not valid base64", err)
		}
		if len(data) == 0 {
			return "image", nil, apierr.New(apierr.KindInputInvalid, "invalid image data: empty")
		}
		if len(data) > MaxImageBytes {
			return "image", nil, apierr.New(apierr.KindInputInvalid, "invalid image: too large")
		}
		// Stash decoded bytes so buildCompletion does not decode twice.
		req.Image.Data = ""
		req.Image.decoded = data
		return "image", data, nil
	}
}

// buildCompletion assembles the single upstream request for the variant.
// For the url variant this is where the SSRF-guarded fetch happens.
func (g *Gateway) buildCompletion(ctx *fasthttp.RequestCtx, req *inboundRequest, variant, reqID string) (*providers.CompletionRequest, error) {
	comp := &providers.CompletionRequest{
		System:    recipe.SystemPrompt,
		MaxTokens: providers.DefaultMaxTokens,
		RequestID: reqID,
	}

	switch variant {
	case "text":
		comp.Prompt = recipe.TextPrompt(req.Text)

	case "url":
		if g.fetcher == nil {
			return nil, apierr.New(apierr.KindInputInvalid, "service not configured for url submissions")
		}
		pageText, err := g.fetcher.FetchText(ctx, req.URL)
		if err != nil {
			return nil, err
		}
		comp.Prompt = recipe.PagePrompt(pageText)

	case "image":
		comp.Prompt = recipe.ImagePrompt
		comp.ImageData = req.Image.decoded
		comp.ImageMIME = req.Image.MediaType
	}

	return comp, nil
}

// extractOnce makes exactly one model call and turns the reply into a
// validated recipe. Failures surface immediately; there is no second attempt.
func (g *Gateway) extractOnce(ctx *fasthttp.RequestCtx, comp *providers.CompletionRequest, reqID string) (*recipe.Recipe, error) {
	if g.provider == nil {
		return nil, apierr.New(apierr.KindInternal, "no model provider configured")
	}

	if !g.cb.Allow() {
		g.publishBreakerState()
		return nil, apierr.New(apierr.KindUpstreamUnavailable, "model busy, circuit open")
	}

	upCtx, cancel := context.WithTimeout(ctx, g.upstreamTimeout)
	defer cancel()

	upStart := time.Now()
	result, err := g.provider.Complete(upCtx, comp)
	upDur := time.Since(upStart)

	if err != nil {
		g.cb.RecordFailure()
		g.publishBreakerState()
		if g.metrics != nil {
			g.metrics.ObserveUpstream(g.provider.Name(), apierr.KindOf(err).String(), upDur)
		}
		g.log.ErrorContext(ctx, "upstream_error",
			slog.String("request_id", reqID),
			slog.String("provider", g.provider.Name()),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", upDur),
		)
		return nil, err
	}

	g.cb.RecordSuccess()
	g.publishBreakerState()
	if g.metrics != nil {
		g.metrics.ObserveUpstream(g.provider.Name(), "success", upDur)
	}
	g.log.DebugContext(ctx, "upstream_ok",
		slog.String("request_id", reqID),
		slog.String("provider", g.provider.Name()),
		slog.Int("input_tokens", result.InputTokens),
		slog.Int("output_tokens", result.OutputTokens),
		slog.Duration("elapsed", upDur),
	)

	draft, err := recipe.Extract(result.Text)
	if err != nil {
		return nil, err
	}
	return recipe.Validate(draft)
}

func (g *Gateway) publishBreakerState() {
	if g.metrics != nil && g.provider != nil {
		g.metrics.SetCircuitBreaker(g.provider.Name(), int64(g.cb.State()))
	}
}

// writeError maps err onto the sanitized client envelope, then records the
// full classified detail in the audit log.
func (g *Gateway) writeError(ctx *fasthttp.RequestCtx, fp, route, variant string, err error, start time.Time, cached bool) {
	kind := apierr.KindOf(err)
	status := kind.HTTPStatus()
	apierr.Write(ctx, status, sanitize.ClientMessage(err))
	g.auditRecord(fp, route, variant, err, status, start, cached)
}

// auditRecord enqueues one audit entry. Never blocks.
func (g *Gateway) auditRecord(fp, route, variant string, err error, status int, start time.Time, cached bool) {
	if g.audit == nil {
		return
	}

	rec := logger.AuditRecord{
		ID:          uuid.New(),
		Fingerprint: fp,
		Route:       route,
		Variant:     variant,
		Status:      uint16(status),
		LatencyMs:   clampLatency(time.Since(start)),
		Cached:      cached,
		CreatedAt:   time.Now(),
	}
	if err != nil {
		rec.ErrorKind = apierr.KindOf(err).String()
		rec.Detail = err.Error()
	}
	g.audit.Log(rec)
}

func clampLatency(d time.Duration) uint32 {
	ms := d.Milliseconds()
	if ms < 0 {
		return 0
	}
	if ms > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(ms)
}

// observe finalizes per-request metrics. Runs via defer in each handler.
func (g *Gateway) observe(ctx *fasthttp.RequestCtx, route string, start time.Time) {
	if g.metrics == nil {
		return
	}
	g.metrics.DecInFlight()
	g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
}
