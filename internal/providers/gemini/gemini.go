// Package gemini adapts the official Google GenAI Go SDK to the
// providers.Provider, providers.EmbeddingProvider and providers.ChatProvider
// interfaces.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

const (
	defaultBaseURL    = "https://generativelanguage.googleapis.com/v1beta"
	providerName      = "gemini"
	defaultEmbedModel = "text-embedding-004"
	defaultChatModel  = "gemini-1.5-flash"
)

// Provider implements providers.Provider, providers.EmbeddingProvider and
// providers.ChatProvider for Google Gemini (official GenAI SDK).
type Provider struct {
	apiKey     string
	baseURL    string
	embedModel string
	chatModel  string
	client     *genai.Client
	httpClient *http.Client
	base       string
	apiVersion string
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

// WithChatModel overrides the default chat model.
func WithChatModel(model string) Option {
	return func(p *Provider) { p.chatModel = model }
}

// New creates a new Gemini Provider.
func New(ctx context.Context, apiKey string, opts ...Option) *Provider {
	if ctx == nil {
		panic("gemini: context must not be nil")
	}
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
	p.httpClient = httpClient

	base, ver := splitBaseURLAndVersion(p.baseURL)
	p.base = base
	p.apiVersion = ver

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  p.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: p.base, APIVersion: p.apiVersion},
	})
	if err != nil {
		return nil
	}

	p.client = client

	return p
}

func (p *Provider) Name() string    { return providerName }
func (p *Provider) Version() string { return p.embedModel }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", toProviderError(err))
	}
	return nil
}

// EmbedBatch implements providers.EmbeddingProvider. All input strings are
// sent in a single EmbedContent call as a batch of Contents.
func (p *Provider) EmbedBatch(ctx context.Context, inputs []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(inputs))
	for i, text := range inputs {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	resp, err := p.client.Models.EmbedContent(ctx, p.embedModel, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: embed: %w", toProviderError(err))
	}
	if resp == nil {
		return nil, fmt.Errorf("gemini: embed: empty response")
	}
	if len(resp.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("gemini: embed: provider returned %d vectors for %d inputs", len(resp.Embeddings), len(inputs))
	}

	out := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			continue
		}
		out[i] = emb.Values
	}
	return out, nil
}

// Chat implements providers.ChatProvider.
func (p *Provider) Chat(ctx context.Context, messages []providers.Message, maxTokens int) (providers.ChatReply, error) {
	contents, cfg := p.buildContentsAndConfig(messages, maxTokens)

	resp, err := p.client.Models.GenerateContent(ctx, p.chatModel, contents, cfg)
	if err != nil {
		return providers.ChatReply{}, toProviderError(err)
	}

	id := ""
	out := ""
	var inTok, outTok int
	if resp != nil {
		id = resp.ResponseID
		out = resp.Text()
		if resp.UsageMetadata != nil {
			inTok = int(resp.UsageMetadata.PromptTokenCount)
			outTok = int(resp.UsageMetadata.CandidatesTokenCount)
		}
	}

	return providers.ChatReply{
		ID:      id,
		Model:   p.chatModel,
		Content: out,
		Usage: providers.Usage{
			InputTokens:  inTok,
			OutputTokens: outTok,
		},
	}, nil
}

func (p *Provider) buildContentsAndConfig(messages []providers.Message, maxTokens int) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(messages))

	for _, m := range messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content

		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))

		default: // user / unknown
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" || maxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
	}

	if cfg != nil && systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}

	if cfg != nil && maxTokens > 0 {
		cfg.MaxOutputTokens = int32(maxTokens)
	}

	return contents, cfg
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

// ProviderError is a structured error returned by the Gemini API (SDK wrapper).
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Type:       apiErr.Status,
			Code:       fmt.Sprintf("%d", apiErr.Code),
		}
	}
	return err
}
