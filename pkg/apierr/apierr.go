// Package apierr defines the gateway's internal error taxonomy and the JSON
// envelope written to clients.
//
// Every failure inside the gateway is classified into a Kind. The Kind alone
// decides the HTTP status and whether the client may retry — the message text
// never does. Client-visible text is produced separately by the sanitize
// package; this package never serializes wrapped causes into a response.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Kind classifies a gateway failure.
type Kind uint8

const (
	// KindInternal is the default for unclassified failures. Never echoed.
	KindInternal Kind = iota

	// KindInputInvalid — bad shape, size, or type from the caller.
	KindInputInvalid

	// KindOriginRejected — CORS or capability-token failure.
	KindOriginRejected

	// KindRateLimited — admission control denied the request.
	KindRateLimited

	// KindUnsafeURL — the SSRF guard refused a caller-supplied URL.
	KindUnsafeURL

	// KindFetchFailed — a safe URL could not be retrieved.
	KindFetchFailed

	// KindFetchTimeout — the URL fetch exceeded its deadline.
	KindFetchTimeout

	// KindUpstreamUnavailable — network failure or 5xx from the model API.
	KindUpstreamUnavailable

	// KindUpstreamRateLimited — 429 from the model API.
	KindUpstreamRateLimited

	// KindUpstreamAuth — 401/403 from the model API; operator action needed.
	KindUpstreamAuth

	// KindUpstreamTimeout — the model call exceeded its deadline.
	KindUpstreamTimeout

	// KindEmptyResponse — the model reply carried no text.
	KindEmptyResponse

	// KindUnparsableResponse — no JSON object could be recovered from the
	// model text under any extraction strategy.
	KindUnparsableResponse

	// KindMissingField — the recovered object failed a required-field check.
	KindMissingField
)

// String returns a stable label used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindInputInvalid:
		return "input_invalid"
	case KindOriginRejected:
		return "origin_rejected"
	case KindRateLimited:
		return "rate_limited"
	case KindUnsafeURL:
		return "unsafe_url"
	case KindFetchFailed:
		return "fetch_failed"
	case KindFetchTimeout:
		return "fetch_timeout"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindUpstreamRateLimited:
		return "upstream_rate_limited"
	case KindUpstreamAuth:
		return "upstream_auth"
	case KindUpstreamTimeout:
		return "upstream_timeout"
	case KindEmptyResponse:
		return "empty_response"
	case KindUnparsableResponse:
		return "unparsable_response"
	case KindMissingField:
		return "missing_field"
	default:
		return "internal"
	}
}

// HTTPStatus maps a Kind to the status surfaced to the client.
// The external contract allows exactly 400, 403, 429 and 500 for errors
// raised through this package; 405/413/415 are written directly by the
// gateway's method, size and content-type checks.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInputInvalid, KindUnsafeURL, KindFetchFailed, KindFetchTimeout:
		return fasthttp.StatusBadRequest
	case KindOriginRejected:
		return fasthttp.StatusForbidden
	case KindRateLimited:
		return fasthttp.StatusTooManyRequests
	default:
		return fasthttp.StatusInternalServerError
	}
}

// Retryable reports whether the caller may usefully retry.
// Model-output failures are retryable because generation is nondeterministic;
// an SSRF rejection or auth failure never is.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited,
		KindUpstreamUnavailable, KindUpstreamRateLimited, KindUpstreamTimeout,
		KindEmptyResponse, KindUnparsableResponse, KindMissingField:
		return true
	default:
		return false
	}
}

// Error is a classified gateway error.
type Error struct {
	Kind Kind

	// Msg is the internal message. It reaches the client only when the
	// sanitize package allow-lists its prefix.
	Msg string

	// RetryAfterSec is set for KindRateLimited denials.
	RetryAfterSec int

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a classified error with no underlying cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. The cause is preserved for server-side
// logging but never reaches a client.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, cause: cause}
}

// KindOf extracts the Kind from any error chain.
// Unclassified errors are KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns the internal message of a classified error, or the plain
// Error() text for anything else. Pass the result through sanitize before
// echoing it to a client.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return err.Error()
}

// RetryAfter returns the retry hint in seconds, or 0 when none applies.
func RetryAfter(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfterSec
	}
	return 0
}

// envelope is the fixed error response body: {"ok":false,"error":"..."}.
type envelope struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// Write writes a JSON error envelope with the given status and client-safe
// message. The message must already be sanitized.
func Write(ctx *fasthttp.RequestCtx, status int, msg string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{OK: false, Error: msg})
	ctx.SetBody(body)
}

// WriteRateLimited writes a 429 envelope with a Retry-After header and the
// same hint duplicated in the body for clients that cannot read headers.
func WriteRateLimited(ctx *fasthttp.RequestCtx, msg string, retryAfterSec int) {
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	ctx.Response.Header.Set("Retry-After", fmt.Sprintf("%d", retryAfterSec))
	ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{OK: false, Error: msg, RetryAfter: retryAfterSec})
	ctx.SetBody(body)
}
