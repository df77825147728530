// Package openai adapts the official OpenAI Go SDK to the providers.Provider,
// providers.EmbeddingProvider and providers.ChatProvider interfaces.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	providerName      = "openai"
	defaultEmbedModel = "text-embedding-3-small"
	defaultChatModel  = "gpt-4o-mini"
)

// Provider implements the embedding and chat capabilities for OpenAI.
type Provider struct {
	apiKey     string
	baseURL    string
	embedModel string
	chatModel  string
	client     openaiSDK.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// WithEmbedModel overrides the embedding model. The model name is folded
// into the adapter's Version(), so switching models invalidates previously
// cached vectors instead of silently mixing embedding spaces.
func WithEmbedModel(model string) Option {
	return func(p *Provider) { p.embedModel = model }
}

// WithChatModel overrides the default chat completion model.
func WithChatModel(model string) Option {
	return func(p *Provider) { p.chatModel = model }
}

// New creates a new OpenAI Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		embedModel: defaultEmbedModel,
		chatModel:  defaultChatModel,
	}
	for _, o := range opts {
		o(p)
	}

	httpClient := &http.Client{Timeout: providers.ProviderTimeout}
	if p.baseURL != "" && p.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, p.baseURL)
	}

	p.client = openaiSDK.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(httpClient),
	)

	return p
}

func (p *Provider) Name() string    { return providerName }
func (p *Provider) Version() string { return p.embedModel }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", toProviderError(err))
	}
	return nil
}

// EmbedBatch implements providers.EmbeddingProvider. A single call carries
// the whole batch — the OpenAI embeddings endpoint natively accepts an
// array input, so the batcher's fan-in maps directly onto one API call.
func (p *Provider) EmbedBatch(ctx context.Context, inputs []string) ([][]float32, error) {
	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(p.embedModel),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: inputs,
		},
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("openai: embed: provider returned %d vectors for %d inputs", len(resp.Data), len(inputs))
	}

	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		f32 := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			f32[j] = float32(v)
		}
		out[d.Index] = f32
	}
	return out, nil
}

// Chat implements providers.ChatProvider.
func (p *Provider) Chat(ctx context.Context, messages []providers.Message, maxTokens int) (providers.ChatReply, error) {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    p.chatModel,
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(maxTokens))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return providers.ChatReply{}, toProviderError(err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return providers.ChatReply{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: content,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "openai_error",
		}
	}
	return err
}

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
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2

	return t.rt.RoundTrip(r2)
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	case "user":
		fallthrough
	default:
		return openaiSDK.UserMessage(content)
	}
}
