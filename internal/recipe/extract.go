package recipe

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/platewise/recipe-gateway/pkg/apierr"
)

// reFence matches a fenced code block with an optional language tag and
// captures its content.
var reFence = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\\s*\\n?(.*?)```")

// strategies is the ordered list of candidate locators. Each returns a
// substring that might be a JSON object; the first one that also parses
// wins. Every strategy still requires a successful JSON parse — none of
// them accepts garbage on mere text matching.
var strategies = []struct {
	name string
	fn   func(string) (string, bool)
}{
	{"whole_text", wholeText},
	{"fenced_block", fencedBlock},
	{"brace_span", braceSpan},
}

// Extract recovers a Draft from free-form model text.
// Fails with KindUnparsableResponse when no strategy yields valid JSON.
func Extract(raw string) (*Draft, error) {
	for _, s := range strategies {
		candidate, ok := s.fn(raw)
		if !ok {
			continue
		}
		var d Draft
		dec := json.NewDecoder(strings.NewReader(candidate))
		if err := dec.Decode(&d); err != nil {
			continue
		}
		return &d, nil
	}
	return nil, apierr.New(apierr.KindUnparsableResponse, "model returned no parsable recipe")
}

// wholeText proposes the entire trimmed text, provided it looks like an
// object at all.
func wholeText(raw string) (string, bool) {
	t := strings.TrimSpace(raw)
	if !strings.HasPrefix(t, "{") {
		return "", false
	}
	return t, true
}

// fencedBlock proposes the content of the first fenced code block.
func fencedBlock(raw string) (string, bool) {
	m := reFence.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// braceSpan proposes the substring between the first '{' and the last '}'.
func braceSpan(raw string) (string, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}
