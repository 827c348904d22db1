// Package openai implements providers.Provider on the official OpenAI SDK.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/platewise/recipe-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	providerName   = "openai"
)

// Provider is the OpenAI upstream client.
type Provider struct {
	apiKey  string
	baseURL string
	model   string
	client  openaiSDK.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// New creates an OpenAI Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
	}
	for _, o := range opts {
		o(p)
	}

	httpClient := &http.Client{Timeout: providers.Timeout}
	if p.baseURL != "" && p.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, p.baseURL)
	}

	p.client = openaiSDK.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(httpClient),
	)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", toTaxonomy(err))
	}
	return nil
}

func (p *Provider) Complete(ctx context.Context, req *providers.CompletionRequest) (*providers.CompletionResult, error) {
	params := p.buildParams(req)

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, toTaxonomy(err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, providers.EmptyReply(providerName)
	}

	return &providers.CompletionResult{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}, nil
}

func (p *Provider) buildParams(req *providers.CompletionRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, 2)

	if req.System != "" {
		msgs = append(msgs, openaiSDK.SystemMessage(req.System))
	}

	if len(req.ImageData) > 0 {
		dataURL := fmt.Sprintf("data:%s;base64,%s",
			req.ImageMIME, base64.StdEncoding.EncodeToString(req.ImageData))
		msgs = append(msgs, openaiSDK.UserMessage(
			[]openaiSDK.ChatCompletionContentPartUnionParam{
				openaiSDK.ImageContentPart(openaiSDK.ChatCompletionContentPartImageImageURLParam{
					URL: dataURL,
				}),
				openaiSDK.TextContentPart(req.Prompt),
			},
		))
	} else {
		msgs = append(msgs, openaiSDK.UserMessage(req.Prompt))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    p.model,
	}
	if req.Temperature > 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = providers.DefaultMaxTokens
	}
	params.MaxCompletionTokens = openaiSDK.Int(int64(maxTokens))

	return params
}

func toTaxonomy(err error) error {
	var sdkErr *openaiSDK.Error
	if errors.As(err, &sdkErr) {
		return providers.ClassifyStatus(providerName, sdkErr.StatusCode, err)
	}
	return providers.ClassifyTransport(providerName, err)
}

// baseURLTransport rewrites every outgoing request to the configured base
// URL while keeping the SDK's path and query intact. Lets tests point the
// official SDK at a local mock.
type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.URL.Scheme = t.base.Scheme
	clone.URL.Host = t.base.Host
	if t.base.Path != "" && t.base.Path != "/" {
		clone.URL.Path = strings.TrimSuffix(t.base.Path, "/") + clone.URL.Path
	}
	return t.rt.RoundTrip(clone)
}
