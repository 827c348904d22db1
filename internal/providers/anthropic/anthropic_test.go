package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/platewise/recipe-gateway/internal/providers"
	"github.com/platewise/recipe-gateway/pkg/apierr"
)

func newTestProvider(srv *httptest.Server) *Provider {
	return New("mock-api-key", WithBaseURL(srv.URL))
}

func baseRequest() *providers.CompletionRequest {
	return &providers.CompletionRequest{
		System:    "extract recipes",
		Prompt:    "Extract the recipe from: pasta with eggs",
		RequestID: "req-mock-1",
	}
}

func isMessagesPath(p string) bool {
	return p == "/messages" || p == "/v1/messages"
}

func respondMessageJSON(w http.ResponseWriter, text string, inTok, outTok int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":    "msg-1",
		"type":  "message",
		"role":  "assistant",
		"model": defaultModel,
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
		"usage": map[string]any{
			"input_tokens":  inTok,
			"output_tokens": outTok,
		},
	})
}

func TestComplete_ReturnsText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isMessagesPath(r.URL.Path) {
			http.NotFound(w, r)
			return
		}
		respondMessageJSON(w, `{"title":"Pasta"}`, 12, 34)
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	res, err := p.Complete(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Text != `{"title":"Pasta"}` {
		t.Errorf("text = %q", res.Text)
	}
	if res.InputTokens != 12 || res.OutputTokens != 34 {
		t.Errorf("usage = %d/%d, want 12/34", res.InputTokens, res.OutputTokens)
	}
}

func TestComplete_EmptyContentMapsToEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondMessageJSON(w, "", 1, 0)
	}))
	defer srv.Close()

	p := newTestProvider(srv)
	_, err := p.Complete(context.Background(), baseRequest())
	if kind := apierr.KindOf(err); kind != apierr.KindEmptyResponse {
		t.Fatalf("kind = %v (%v), want empty_response", kind, err)
	}
}

func TestComplete_StatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   apierr.Kind
	}{
		{http.StatusTooManyRequests, apierr.KindUpstreamRateLimited},
		{http.StatusUnauthorized, apierr.KindUpstreamAuth},
		{http.StatusInternalServerError, apierr.KindUpstreamUnavailable},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"err","message":"upstream detail"}}`))
		}))

		p := newTestProvider(srv)
		_, err := p.Complete(context.Background(), baseRequest())
		if kind := apierr.KindOf(err); kind != tc.want {
			t.Errorf("status %d: kind = %v (%v), want %v", tc.status, kind, err, tc.want)
		}
		srv.Close()
	}
}

func TestBuildParams_ImagePayload(t *testing.T) {
	p := New("k")
	req := baseRequest()
	req.ImageData = []byte{0xFF, 0xD8, 0xFF}
	req.ImageMIME = "image/jpeg"

	params := p.buildParams(req)
	if len(params.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(params.Messages))
	}
	blocks := params.Messages[0].Content
	if len(blocks) != 2 {
		t.Fatalf("content blocks = %d, want image + text", len(blocks))
	}
	if blocks[0].OfImage == nil {
		t.Error("first block should be the image")
	}
	if blocks[1].OfText == nil || blocks[1].OfText.Text == "" {
		t.Error("second block should carry the prompt text")
	}
}
