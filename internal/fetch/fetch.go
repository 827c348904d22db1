// Package fetch retrieves caller-supplied URLs with server-side request
// forgery protection.
//
// Every URL is validated before any network I/O: scheme restricted to HTTPS,
// hostname checked against loopback, link-local, private-range, unique-local
// and cloud-metadata patterns. The same validation runs again on every
// redirect hop, which closes the classic "safe URL redirects to the metadata
// endpoint" bypass. This is the single most security-critical path in the
// gateway — its absence is a direct route to cloud-credential exfiltration.
package fetch

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/platewise/recipe-gateway/pkg/apierr"
)

const (
	// DefaultTimeout is the hard wall-clock bound on one fetch, redirects
	// included. Deliberately much shorter than the upstream model timeout.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxTextLen bounds the plain text returned after markup
	// stripping. Prevents a hostile page from inflating the model prompt.
	DefaultMaxTextLen = 16 * 1024

	// maxResponseBytes bounds how much of the raw body is read at all.
	maxResponseBytes = 2 << 20

	// maxRedirects bounds the redirect chain.
	maxRedirects = 5
)

// blockedExact lists hostnames rejected outright, independent of resolution.
// Covers loopback aliases and the metadata endpoints of the major clouds.
var blockedExact = map[string]struct{}{
	"localhost":                {},
	"metadata":                 {},
	"instance-data":            {},
	"metadata.google.internal": {},
	"metadata.goog":            {},
	"metadata.azure.com":       {},
	"metadata.packet.net":      {},
	"169.254.169.254":          {},
	"fd00:ec2::254":            {},
}

// blockedSuffixes rejects whole private naming zones.
var blockedSuffixes = []string{".local", ".internal", ".localhost"}

// Fetcher validates and retrieves caller-supplied URLs.
type Fetcher struct {
	client     *http.Client
	timeout    time.Duration
	maxTextLen int

	// allowHTTP permits plain http:// schemes. Local development only.
	allowHTTP bool

	// allowHosts exempts exact hostnames from the blocklist. Intended for
	// local development and tests; empty in production.
	allowHosts map[string]struct{}
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithTimeout overrides the hard fetch deadline.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithMaxTextLen overrides the plain-text length bound.
func WithMaxTextLen(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxTextLen = n
		}
	}
}

// WithAllowInsecureHTTP permits http:// URLs. Local development only.
func WithAllowInsecureHTTP(allow bool) Option {
	return func(f *Fetcher) { f.allowHTTP = allow }
}

// WithAllowHosts exempts exact hostnames from the blocklist.
// Local development and tests only; leave empty in production.
func WithAllowHosts(hosts []string) Option {
	return func(f *Fetcher) {
		for _, h := range hosts {
			f.allowHosts[strings.ToLower(h)] = struct{}{}
		}
	}
}

// New creates a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		timeout:    DefaultTimeout,
		maxTextLen: DefaultMaxTextLen,
		allowHosts: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(f)
	}

	f.client = &http.Client{
		// No Timeout here — the per-request context carries the deadline so
		// cancellation releases the connection immediately.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return apierr.New(apierr.KindFetchFailed, "url fetch failed: too many redirects")
			}
			// Re-run the full guard against the redirect target before the
			// client follows it.
			return f.validate(req.URL)
		},
	}

	return f
}

// ValidateURL parses and validates a raw URL without fetching it.
// Returns a classified KindUnsafeURL error on any violation.
func (f *Fetcher) ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUnsafeURL, "invalid url", err)
	}
	if err := f.validate(u); err != nil {
		return nil, err
	}
	return u, nil
}

func (f *Fetcher) validate(u *url.URL) error {
	switch u.Scheme {
	case "https":
	case "http":
		if !f.allowHTTP {
			return apierr.New(apierr.KindUnsafeURL, "invalid url: scheme must be https")
		}
	default:
		return apierr.Newf(apierr.KindUnsafeURL, "invalid url: unsupported scheme %q", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return apierr.New(apierr.KindUnsafeURL, "invalid url: missing host")
	}
	if _, ok := f.allowHosts[host]; ok {
		return nil
	}
	if reason := hostBlocked(host); reason != "" {
		return apierr.Newf(apierr.KindUnsafeURL, "unsafe url: %s", reason)
	}
	return nil
}

// hostBlocked returns a non-empty reason when host must not be fetched.
func hostBlocked(host string) string {
	if _, ok := blockedExact[host]; ok {
		return "host is blocked"
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return "private host suffix"
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		switch {
		case ip.IsLoopback():
			return "loopback address"
		case ip.IsPrivate(): // 10/8, 172.16/12, 192.168/16, fc00::/7
			return "private address range"
		case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
			return "link-local address"
		case ip.IsUnspecified():
			return "unspecified address"
		}
	}
	return ""
}

// FetchText retrieves the URL and returns its content as bounded plain text.
// Fails with KindUnsafeURL (guard tripped, on the original URL or any
// redirect hop), KindFetchTimeout (deadline exceeded) or KindFetchFailed.
func (f *Fetcher) FetchText(ctx context.Context, rawURL string) (string, error) {
	u, err := f.ValidateURL(rawURL)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", apierr.Wrap(apierr.KindFetchFailed, "url fetch failed", err)
	}
	req.Header.Set("User-Agent", "recipe-gateway/1.0")
	req.Header.Set("Accept", "text/html, text/plain;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", classifyFetchError(err)
	}
	defer resp.Body.Close()

	// The client followed redirects, each hop validated by CheckRedirect.
	// Re-check the final URL anyway — the response is only trusted once the
	// address it actually came from passed the guard.
	if resp.Request != nil && resp.Request.URL != nil {
		if err := f.validate(resp.Request.URL); err != nil {
			return "", err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", apierr.Newf(apierr.KindFetchFailed, "url fetch failed: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", classifyFetchError(err)
	}

	text := StripMarkup(string(body))
	if len(text) > f.maxTextLen {
		// Back up to a rune boundary so the cut never leaves a partial
		// UTF-8 sequence at the end of the prompt.
		cut := f.maxTextLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	if strings.TrimSpace(text) == "" {
		return "", apierr.New(apierr.KindFetchFailed, "url fetch failed: page has no text content")
	}
	return text, nil
}

// classifyFetchError separates guard trips and deadline expiry from generic
// network failures. CheckRedirect errors arrive wrapped in *url.Error, so the
// apierr kind is recovered through the chain.
func classifyFetchError(err error) error {
	var classified *apierr.Error
	if errors.As(err, &classified) {
		return classified
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apierr.Wrap(apierr.KindFetchTimeout, "url fetch timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apierr.Wrap(apierr.KindFetchTimeout, "url fetch timed out", err)
	}
	return apierr.Wrap(apierr.KindFetchFailed, "url fetch failed", err)
}

// ── Markup stripping ──────────────────────────────────────────────────────────

var (
	reScript = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`)
	reStyle  = regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style>`)
	reTag    = regexp.MustCompile(`(?s)<[^>]*>`)
	reSpace  = regexp.MustCompile(`\s+`)
)

var entityReplacer = strings.NewReplacer(
	"&nbsp;", " ",
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&apos;", "'",
)

// StripMarkup removes script and style blocks, then all remaining tags,
// decodes the common entities and collapses whitespace runs to single spaces.
func StripMarkup(s string) string {
	s = reScript.ReplaceAllString(s, " ")
	s = reStyle.ReplaceAllString(s, " ")
	s = reTag.ReplaceAllString(s, " ")
	s = entityReplacer.Replace(s)
	s = reSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
