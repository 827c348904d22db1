// Package providers defines the common interface and types implemented by
// the upstream model clients (Anthropic, OpenAI, Gemini).
//
// Each provider lives in its own sub-package. The gateway talks to exactly
// one configured provider per deployment; providers map their SDK error
// surfaces onto the apierr taxonomy so the rest of the system never inspects
// SDK types.
package providers

import (
	"context"
	"time"
)

// Default timeouts and generation limits.
const (
	// Timeout bounds one completion call. Generation is slow, so this is
	// deliberately much longer than the URL-fetch timeout.
	Timeout = 60 * time.Second

	// DefaultMaxTokens caps the model reply. A valid recipe fits comfortably.
	DefaultMaxTokens = 2048
)

type (
	// CompletionRequest is a normalized extraction request. Exactly one
	// completion is made per gateway call — there is no retry or failover
	// walking; a failed attempt surfaces immediately.
	CompletionRequest struct {
		// System is the extraction instruction (schema contract).
		System string

		// Prompt is the user-visible text: recipe text, scraped page text,
		// or the caption accompanying an image.
		Prompt string

		// ImageData holds decoded image bytes for the image variant;
		// nil for text-only requests.
		ImageData []byte

		// ImageMIME is the media type of ImageData, e.g. "image/jpeg".
		ImageMIME string

		MaxTokens   int
		Temperature float64
		RequestID   string
	}

	// CompletionResult is a normalized provider reply.
	CompletionResult struct {
		Text         string
		InputTokens  int
		OutputTokens int
	}
)

// Provider is the upstream model client interface.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error)
	HealthCheck(ctx context.Context) error
}
