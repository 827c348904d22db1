package sanitize

import (
	"errors"
	"strings"
	"testing"

	"github.com/platewise/recipe-gateway/pkg/apierr"
)

func TestClientMessage_AllowListedPrefixesPassThrough(t *testing.T) {
	cases := []string{
		"invalid url: scheme must be https",
		"recipe missing title",
		"rate limited, retry later",
		"text too short, need at least 10 characters",
		"unsafe url: host is not allowed",
	}
	for _, msg := range cases {
		got := ClientMessage(apierr.New(apierr.KindInputInvalid, msg))
		if got != msg {
			t.Errorf("ClientMessage(%q) = %q, want verbatim", msg, got)
		}
	}
}

func TestClientMessage_UnsafeMessagesBecomeGeneric(t *testing.T) {
	cases := []error{
		errors.New("pq: connection refused at 10.0.3.7:5432"),
		apierr.Wrap(apierr.KindUpstreamUnavailable, "anthropic: 500 internal error, request id req-123", nil),
		errors.New("panic: runtime error: index out of range"),
		apierr.New(apierr.KindInternal, "Invalid URL supplied by upstream"), // wrong case — not allow-listed
	}
	for _, err := range cases {
		if got := ClientMessage(err); got != Generic {
			t.Errorf("ClientMessage(%v) = %q, want generic fallback", err, got)
		}
	}
}

func TestClientMessage_NilError(t *testing.T) {
	if got := ClientMessage(nil); got != Generic {
		t.Errorf("ClientMessage(nil) = %q, want %q", got, Generic)
	}
}

func TestLogSafe_StripsControlCharacters(t *testing.T) {
	in := "line1\nFAKE-LOG-ENTRY level=error\r\x1b[31mred\x1b[0m\ttab"
	out := LogSafe(in)

	for _, bad := range []string{"\n", "\r", "\x1b", "\t"} {
		if strings.Contains(out, bad) {
			t.Errorf("LogSafe output still contains %q: %q", bad, out)
		}
	}
}

func TestLogSafe_CapsLength(t *testing.T) {
	in := strings.Repeat("a", 10_000)
	out := LogSafe(in)
	if len([]rune(out)) > 512 {
		t.Errorf("LogSafe output is %d runes, want <= 512", len([]rune(out)))
	}
}
