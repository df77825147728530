// Package local implements an in-process adapter with no external API
// dependency: deterministic pseudo-random embeddings and a naive truncation
// summarizer. It exists as the always-available fallback when no provider
// API key is configured, and does not implement providers.ChatProvider.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

const (
	providerName        = "local"
	defaultModel        = "all-MiniLM-L6-v2"
	defaultDimensions   = 384
	defaultConfidence   = 0.5
	minSummaryLenStrict = 10
	insufficientContext = "INSUFFICIENT CONTEXT"
)

// Provider implements providers.Provider, providers.EmbeddingProvider and
// providers.SummarizeProvider. It has no chat capability.
type Provider struct {
	model      string
	dimensions int
}

// Option configures a Provider.
type Option func(*Provider)

// WithModel overrides the reported model identifier.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithDimensions overrides the embedding vector width.
func WithDimensions(n int) Option {
	return func(p *Provider) { p.dimensions = n }
}

// New creates a new local Provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		model:      defaultModel,
		dimensions: defaultDimensions,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string    { return providerName }
func (p *Provider) Version() string { return p.model }

// HealthCheck always succeeds: there is no remote backend to reach.
func (p *Provider) HealthCheck(_ context.Context) error { return nil }

// EmbedBatch returns one deterministic pseudo-random vector per input. The
// vector for a given input and model is always the same, so this adapter's
// vectors are as cacheable as a real embedding model's — a requirement the
// batcher's dedup/cache layer relies on regardless of which adapter served
// the request.
func (p *Provider) EmbedBatch(_ context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, text := range inputs {
		out[i] = p.deterministicVector(text)
	}
	return out, nil
}

func (p *Provider) deterministicVector(text string) []float32 {
	seed := seedFromText(p.model, text)
	rng := rand.New(rand.NewSource(seed))

	vec := make([]float32, p.dimensions)
	var sumSq float64
	for i := range vec {
		v := rng.Float64()*2 - 1
		vec[i] = float32(v)
		sumSq += v * v
	}

	norm := float32(1)
	if sumSq > 0 {
		norm = float32(1 / sqrt(sumSq))
	}
	for i := range vec {
		vec[i] *= norm
	}
	return vec
}

func seedFromText(model, text string) int64 {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

func sqrt(x float64) float64 {
	if x == 0 {
		return 0
	}
	z := x
	for range 10 {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

// Summarize implements providers.SummarizeProvider with naive truncation:
// the first sentence, capped at maxTokens characters. strict mode rejects
// results shorter than a minimum length instead of returning a fragment.
func (p *Provider) Summarize(_ context.Context, text string, strict bool, maxTokens int) (providers.Summary, error) {
	if maxTokens <= 0 {
		maxTokens = 120
	}

	clean := strings.ReplaceAll(strings.TrimSpace(text), "\n", " ")
	if maxLen := maxTokens * 10; len(clean) > maxLen {
		clean = clean[:maxLen]
	}

	summary := clean
	if idx := strings.Index(clean, "."); idx >= 0 {
		summary = clean[:idx]
	}
	summary = strings.TrimSpace(truncate(summary, maxTokens))

	if strict && len(summary) < minSummaryLenStrict {
		return providers.Summary{
			Model:      p.model,
			Summary:    insufficientContext,
			Confidence: 0,
		}, nil
	}

	return providers.Summary{
		Model:      p.model,
		Summary:    summary,
		Confidence: defaultConfidence,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
