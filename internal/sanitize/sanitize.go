// Package sanitize is the last line of defense between internal errors and
// the client. It guarantees two properties:
//
//  1. Every message echoed to a caller either starts with an allow-listed
//     safe prefix or is exactly the generic fallback string. Upstream error
//     bodies, stack traces and secrets can never leak, even when a future
//     code path forgets to sanitize locally.
//  2. Everything written to the server-side log channel passes through a
//     log-injection filter: control characters and ANSI escape sequences are
//     stripped and the length is capped.
package sanitize

import (
	"strings"

	"github.com/platewise/recipe-gateway/pkg/apierr"
)

// Generic is the fixed fallback shown for any message outside the allow-list.
const Generic = "request failed, please try again"

// maxLogLen caps a single logged message after filtering.
const maxLogLen = 512

// safePrefixes is the explicit allow-list of message prefixes that may be
// echoed verbatim. Matching is case-sensitive on purpose: internal messages
// are lowercase by convention, so an upstream body starting with
// "Invalid URL ..." still falls through to the generic fallback.
var safePrefixes = []string{
	"invalid url",
	"invalid json",
	"invalid token",
	"invalid image",
	"invalid request",
	"unsafe url",
	"url fetch",
	"recipe missing",
	"rate limited",
	"text too short",
	"text too long",
	"request body",
	"unsupported content type",
	"method not allowed",
	"exactly one of",
	"model returned",
	"model busy",
	"service not configured",
}

// ClientMessage maps any internal error to a string safe to echo to the
// caller. nil maps to the generic fallback so callers never branch on it.
func ClientMessage(err error) string {
	if err == nil {
		return Generic
	}
	msg := apierr.Message(err)
	for _, p := range safePrefixes {
		if strings.HasPrefix(msg, p) {
			return msg
		}
	}
	return Generic
}

// LogSafe filters a string for the server-side log channel. Control
// characters (including CR/LF and the ESC that starts ANSI sequences) are
// replaced with a space so a malicious upstream body cannot forge log lines
// or drive the operator's terminal. The result is capped at maxLogLen runes.
func LogSafe(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	n := 0
	for _, r := range s {
		if n >= maxLogLen {
			break
		}
		if r < 0x20 || r == 0x7f {
			b.WriteByte(' ')
		} else {
			b.WriteRune(r)
		}
		n++
	}
	return b.String()
}
