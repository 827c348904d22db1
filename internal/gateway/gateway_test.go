package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/platewise/recipe-gateway/internal/cache"
	"github.com/platewise/recipe-gateway/internal/fetch"
	"github.com/platewise/recipe-gateway/internal/providers"
	"github.com/platewise/recipe-gateway/internal/ratelimit"
	"github.com/platewise/recipe-gateway/internal/recipe"
	"github.com/platewise/recipe-gateway/internal/token"
)

const stubReply = `{"title":"Pancakes","ingredients":["2 eggs","1 cup flour","1 cup milk"],"steps":["Whisk everything together","Fry until golden"]}`

// stubProvider counts Complete calls and returns a canned reply, so tests
// can assert exactly how many upstream calls a request triggered and what
// payload reached the model.
type stubProvider struct {
	calls atomic.Int64
	reply string
	err   error

	mu   sync.Mutex
	last *providers.CompletionRequest
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResult, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.last = req
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return &providers.CompletionResult{Text: p.reply, InputTokens: 100, OutputTokens: 50}, nil
}

func (p *stubProvider) lastRequest() *providers.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *stubProvider) HealthCheck(ctx context.Context) error { return nil }

// serveGateway starts the full server (router + middleware) on an in-memory
// listener and returns an HTTP client plus cleanup.
func serveGateway(t *testing.T, gw *Gateway) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := gw.buildServer(nil)

	go func() {
		_ = srv.Serve(ln)
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return client, func() {
		ln.Close()
		gw.Close()
	}
}

func postRecipe(t *testing.T, client *http.Client, body any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := client.Post("http://gw/v1/recipe", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST /v1/recipe: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return resp, raw
}

func TestRecipeTextExtraction(t *testing.T) {
	prov := &stubProvider{reply: stubReply}
	gw := New(context.Background(), prov, Options{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp, raw := postRecipe(t, client, map[string]any{
		"text": "Pancakes: whisk 2 eggs with a cup of flour and milk, fry until golden.",
	})

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	if got := resp.Header.Get("X-Cache"); got != xCacheMISS {
		t.Errorf("expected X-Cache=MISS, got %q", got)
	}

	var out struct {
		OK     bool           `json:"ok"`
		Recipe *recipe.Recipe `json:"recipe"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if !out.OK || out.Recipe == nil {
		t.Fatalf("expected ok recipe payload, got %s", raw)
	}
	if out.Recipe.Title != "Pancakes" {
		t.Errorf("expected title Pancakes, got %q", out.Recipe.Title)
	}
	if len(out.Recipe.Ingredients) != 3 || len(out.Recipe.Steps) != 2 {
		t.Errorf("unexpected recipe shape: %+v", out.Recipe)
	}
	if n := prov.calls.Load(); n != 1 {
		t.Errorf("expected exactly 1 upstream call, got %d", n)
	}
}

func TestShortTextRejectedBeforeUpstream(t *testing.T) {
	prov := &stubProvider{reply: stubReply}
	gw := New(context.Background(), prov, Options{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp, raw := postRecipe(t, client, map[string]any{"text": "hi"})

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", resp.StatusCode, raw)
	}
	if n := prov.calls.Load(); n != 0 {
		t.Errorf("short text must not reach upstream; got %d calls", n)
	}

	var out struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if out.OK || out.Error == "" {
		t.Errorf("expected error envelope, got %s", raw)
	}
}

func TestExactlyOneVariantRequired(t *testing.T) {
	prov := &stubProvider{reply: stubReply}
	gw := New(context.Background(), prov, Options{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	// Both text and url set.
	resp, _ := postRecipe(t, client, map[string]any{
		"text": "a perfectly long enough recipe text",
		"url":  "https://example.com/recipe",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("two variants: expected 400, got %d", resp.StatusCode)
	}

	// Nothing set.
	resp, _ = postRecipe(t, client, map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("no variant: expected 400, got %d", resp.StatusCode)
	}

	if n := prov.calls.Load(); n != 0 {
		t.Errorf("invalid variants must not reach upstream; got %d calls", n)
	}
}

func TestTokenSingleUseOverHTTP(t *testing.T) {
	prov := &stubProvider{reply: stubReply}
	gw := New(context.Background(), prov, Options{
		Tokens: token.NewService("test-secret", time.Minute),
	})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	// Issue a token.
	resp, err := client.Get("http://gw/v1/token")
	if err != nil {
		t.Fatalf("GET /v1/token: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token issue: expected 200, got %d: %s", resp.StatusCode, raw)
	}
	var issued struct {
		OK    bool         `json:"ok"`
		Token *token.Token `json:"token"`
	}
	if err := json.Unmarshal(raw, &issued); err != nil {
		t.Fatalf("parse token response: %v", err)
	}
	if issued.Token == nil {
		t.Fatal("expected a token in the response")
	}

	body := map[string]any{
		"token": issued.Token,
		"text":  "Pancakes: whisk 2 eggs with a cup of flour and milk, fry until golden.",
	}

	// First use succeeds.
	first, firstRaw := postRecipe(t, client, body)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first use: expected 200, got %d: %s", first.StatusCode, firstRaw)
	}

	// Replay is rejected and never reaches the model.
	second, _ := postRecipe(t, client, body)
	if second.StatusCode != http.StatusForbidden {
		t.Fatalf("replay: expected 403, got %d", second.StatusCode)
	}
	if n := prov.calls.Load(); n != 1 {
		t.Errorf("expected exactly 1 upstream call across both requests, got %d", n)
	}
}

func TestMissingTokenRejected(t *testing.T) {
	prov := &stubProvider{reply: stubReply}
	gw := New(context.Background(), prov, Options{
		Tokens: token.NewService("test-secret", time.Minute),
	})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp, _ := postRecipe(t, client, map[string]any{
		"text": "Pancakes: whisk 2 eggs with a cup of flour and milk, fry until golden.",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if n := prov.calls.Load(); n != 0 {
		t.Errorf("missing token must not reach upstream; got %d calls", n)
	}
}

func TestRateLimitReturns429WithRetryAfter(t *testing.T) {
	prov := &stubProvider{reply: stubReply}
	gw := New(context.Background(), prov, Options{
		Limiter: ratelimit.NewLimiter(1, time.Minute),
	})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	body := map[string]any{
		"text": "Pancakes: whisk 2 eggs with a cup of flour and milk, fry until golden.",
	}

	first, _ := postRecipe(t, client, body)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", first.StatusCode)
	}

	second, raw := postRecipe(t, client, body)
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", second.StatusCode)
	}

	var out struct {
		OK         bool   `json:"ok"`
		Error      string `json:"error"`
		RetryAfter int    `json:"retry_after"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("parse 429 body: %v", err)
	}
	if out.RetryAfter < 1 {
		t.Errorf("expected retry_after >= 1, got %d", out.RetryAfter)
	}
}

func TestPreflightBypassesAdmission(t *testing.T) {
	prov := &stubProvider{reply: stubReply}
	gw := New(context.Background(), prov, Options{
		Limiter: ratelimit.NewLimiter(1, time.Minute),
	})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	// Preflights never count against the limit.
	for i := 0; i < 5; i++ {
		req, _ := http.NewRequest(http.MethodOptions, "http://gw/v1/recipe", nil)
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("OPTIONS: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("preflight %d: expected 204, got %d", i, resp.StatusCode)
		}
	}

	// The real request still has its full budget.
	resp, _ := postRecipe(t, client, map[string]any{
		"text": "Pancakes: whisk 2 eggs with a cup of flour and milk, fry until golden.",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after preflights, got %d", resp.StatusCode)
	}
}

func TestOversizedBodyReturns413(t *testing.T) {
	prov := &stubProvider{reply: stubReply}
	gw := New(context.Background(), prov, Options{MaxBodyBytes: 2048})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp, raw := postRecipe(t, client, map[string]any{
		"text": strings.Repeat("a", 4096),
	})

	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", resp.StatusCode, raw)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("expected JSON content type, got %q", ct)
	}

	var out struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("parse 413 body: %v", err)
	}
	if out.OK || out.Error == "" {
		t.Errorf("expected error envelope, got %s", raw)
	}
	if n := prov.calls.Load(); n != 0 {
		t.Errorf("oversized body must not reach upstream; got %d calls", n)
	}
}

func TestImageExtraction(t *testing.T) {
	prov := &stubProvider{reply: stubReply}
	gw := New(context.Background(), prov, Options{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	imgBytes := bytes.Repeat([]byte{0x89, 0x50, 0x4E, 0x47}, 64)
	resp, raw := postRecipe(t, client, map[string]any{
		"image": map[string]string{
			"data":       base64.StdEncoding.EncodeToString(imgBytes),
			"media_type": "image/png",
		},
	})

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	var out struct {
		OK     bool           `json:"ok"`
		Recipe *recipe.Recipe `json:"recipe"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if !out.OK || out.Recipe == nil || out.Recipe.Title != "Pancakes" {
		t.Fatalf("expected ok recipe payload, got %s", raw)
	}

	last := prov.lastRequest()
	if last == nil {
		t.Fatal("expected an upstream call")
	}
	if !bytes.Equal(last.ImageData, imgBytes) {
		t.Errorf("decoded image bytes did not reach the provider")
	}
	if last.ImageMIME != "image/png" {
		t.Errorf("expected ImageMIME image/png, got %q", last.ImageMIME)
	}
}

func TestImageRejectedBadBase64(t *testing.T) {
	prov := &stubProvider{reply: stubReply}
	gw := New(context.Background(), prov, Options{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp, raw := postRecipe(t, client, map[string]any{
		"image": map[string]string{
			"data":       "this is !!! not base64",
			"media_type": "image/jpeg",
		},
	})

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", resp.StatusCode, raw)
	}
	if n := prov.calls.Load(); n != 0 {
		t.Errorf("bad base64 must not reach upstream; got %d calls", n)
	}
}

func TestImageRejectedMediaType(t *testing.T) {
	prov := &stubProvider{reply: stubReply}
	gw := New(context.Background(), prov, Options{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp, raw := postRecipe(t, client, map[string]any{
		"image": map[string]string{
			"data":       base64.StdEncoding.EncodeToString([]byte("<svg/>")),
			"media_type": "image/svg+xml",
		},
	})

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", resp.StatusCode, raw)
	}

	var out struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("parse error body: %v", err)
	}
	if !strings.HasPrefix(out.Error, "invalid image") {
		t.Errorf("expected invalid image message, got %q", out.Error)
	}
	if n := prov.calls.Load(); n != 0 {
		t.Errorf("disallowed media type must not reach upstream; got %d calls", n)
	}
}

func TestImageRejectedTooLarge(t *testing.T) {
	prov := &stubProvider{reply: stubReply}
	gw := New(context.Background(), prov, Options{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	// One byte over the decoded-size cap.
	big := bytes.Repeat([]byte{0xAB}, MaxImageBytes+1)
	resp, raw := postRecipe(t, client, map[string]any{
		"image": map[string]string{
			"data":       base64.StdEncoding.EncodeToString(big),
			"media_type": "image/jpeg",
		},
	})

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", resp.StatusCode, raw)
	}
	if n := prov.calls.Load(); n != 0 {
		t.Errorf("oversized image must not reach upstream; got %d calls", n)
	}
}

func TestBlockedURLRejected(t *testing.T) {
	prov := &stubProvider{reply: stubReply}
	gw := New(context.Background(), prov, Options{
		Fetcher: fetch.New(),
	})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp, raw := postRecipe(t, client, map[string]any{
		"url": "https://169.254.169.254/latest/meta-data",
	})

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", resp.StatusCode, raw)
	}

	var out struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("parse error body: %v", err)
	}
	if out.OK || !strings.HasPrefix(out.Error, "unsafe url") {
		t.Errorf("expected unsafe url envelope, got %s", raw)
	}
	if n := prov.calls.Load(); n != 0 {
		t.Errorf("blocked url must not reach upstream; got %d calls", n)
	}
}

func TestUnsupportedContentType(t *testing.T) {
	prov := &stubProvider{reply: stubReply}
	gw := New(context.Background(), prov, Options{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp, err := client.Post("http://gw/v1/recipe", "text/plain",
		bytes.NewReader([]byte("not json")))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("expected 415, got %d", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	prov := &stubProvider{reply: stubReply}
	gw := New(context.Background(), prov, Options{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp, err := client.Get("http://gw/v1/recipe")
	if err != nil {
		t.Fatalf("GET /v1/recipe: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}

func TestCacheHitSkipsUpstream(t *testing.T) {
	prov := &stubProvider{reply: stubReply}
	store := cache.NewMemory(context.Background())
	defer store.Close()

	gw := New(context.Background(), prov, Options{Cache: store})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	body := map[string]any{
		"text": "Pancakes: whisk 2 eggs with a cup of flour and milk, fry until golden.",
	}

	first, _ := postRecipe(t, client, body)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", first.StatusCode)
	}
	if got := first.Header.Get("X-Cache"); got != xCacheMISS {
		t.Errorf("first request: expected X-Cache=MISS, got %q", got)
	}

	second, secondRaw := postRecipe(t, client, body)
	if second.StatusCode != http.StatusOK {
		t.Fatalf("second request: expected 200, got %d", second.StatusCode)
	}
	if got := second.Header.Get("X-Cache"); got != xCacheHIT {
		t.Errorf("second request: expected X-Cache=HIT, got %q", got)
	}
	if n := prov.calls.Load(); n != 1 {
		t.Errorf("expected 1 upstream call total, got %d", n)
	}

	var out struct {
		Recipe *recipe.Recipe `json:"recipe"`
	}
	if err := json.Unmarshal(secondRaw, &out); err != nil {
		t.Fatalf("parse cached response: %v", err)
	}
	if out.Recipe == nil || out.Recipe.Title != "Pancakes" {
		t.Errorf("cached payload mismatch: %s", secondRaw)
	}
}

func TestUpstreamErrorIsSanitized(t *testing.T) {
	prov := &stubProvider{
		err: context.DeadlineExceeded,
	}
	gw := New(context.Background(), prov, Options{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp, raw := postRecipe(t, client, map[string]any{
		"text": "Pancakes: whisk 2 eggs with a cup of flour and milk, fry until golden.",
	})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}

	var out struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("parse error body: %v", err)
	}
	if out.Error != "request failed, please try again" {
		t.Errorf("expected generic error message, got %q", out.Error)
	}
}

func TestUnparsableModelReplyIs500(t *testing.T) {
	prov := &stubProvider{reply: "I'm sorry, I could not find a recipe on that page."}
	gw := New(context.Background(), prov, Options{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp, raw := postRecipe(t, client, map[string]any{
		"text": "Pancakes: whisk 2 eggs with a cup of flour and milk, fry until golden.",
	})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", resp.StatusCode, raw)
	}
}

func TestHandleHealth(t *testing.T) {
	prov := &stubProvider{reply: stubReply}
	gw := New(context.Background(), prov, Options{})
	defer gw.Close()

	ctx := &fasthttp.RequestCtx{}
	gw.handleHealth(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", ctx.Response.StatusCode())
	}
	var snap HealthSnapshot
	if err := json.Unmarshal(ctx.Response.Body(), &snap); err != nil {
		t.Fatalf("parse health snapshot: %v", err)
	}
	if snap.Status != "ok" || snap.Upstream != "ok" {
		t.Errorf("expected healthy snapshot, got %+v", snap)
	}
}

func TestHandleReadiness_NoHealthChecker(t *testing.T) {
	gw := New(context.Background(), nil, Options{})
	defer gw.Close()

	ctx := &fasthttp.RequestCtx{}
	gw.handleReadiness(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}
}
