// Package proxy is the HTTP surface over the embedding batcher and the chat/
// summarize pass-throughs.
//
// The Gateway resolves the target adapter through the registry, routes embed
// requests through the batcher, and routes chat requests through ordered
// failover with a per-provider circuit breaker. Summarize is a direct,
// unbatched adapter call. All three completion routes share one async
// request logger and one Prometheus registry.
package proxy

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-gateway/internal/batcher"
	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/logger"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/ratelimit"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and failover
	// diagnostics. Defaults to slog.Default() when nil.
	Logger *slog.Logger

	// Version is reported on GET /v1/health.
	Version string

	// TensorAPIKey gates POST /v1/embed. Requests must carry
	// "Authorization: Bearer <TensorAPIKey>" with an exact match.
	TensorAPIKey string

	// PreferLocal biases adapter selection toward "local" when no explicit
	// provider is requested.
	PreferLocal bool

	// MaxRetries is the maximum number of provider attempts per chat request
	// (including the first). Must be ≥ 1. Default: providers.MaxRetries (3).
	MaxRetries int

	// ProviderTimeout bounds each summarize call and, for chat, the whole
	// failover sequence: all chat attempts share one deadline rather than
	// each getting its own. Default: providers.ProviderTimeout (30s).
	ProviderTimeout time.Duration

	// CBConfig configures the per-provider circuit breaker thresholds.
	// Zero values use the package-level defaults.
	CBConfig CBConfig

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry
}

// Gateway is the HTTP-facing dispatcher — all dependencies are injected via
// the constructor so they can be replaced with mock doubles in unit tests.
type Gateway struct {
	registry *registry.Registry
	batcher  *batcher.Batcher
	cache    cache.Cache
	cb       *CircuitBreaker
	health   *HealthChecker
	baseCtx  context.Context
	log      *slog.Logger
	metrics  *metrics.Registry

	version      string
	tensorAPIKey string
	preferLocal  bool

	maxRetries      int
	providerTimeout time.Duration

	rpmLimiter *ratelimit.RPMLimiter
	reqLogger  *logger.Logger

	corsOrigins []string
}

// NewGatewayWithOptions creates a fully configured Gateway.
func NewGatewayWithOptions(
	baseCtx context.Context,
	reg *registry.Registry,
	bat *batcher.Batcher,
	c cache.Cache,
	cacheReady func() bool,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = providers.MaxRetries
	}

	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = providers.ProviderTimeout
	}

	gw := &Gateway{
		registry:        reg,
		batcher:         bat,
		cache:           c,
		cb:              NewCircuitBreakerWithConfig(opts.CBConfig),
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		version:         opts.Version,
		tensorAPIKey:    opts.TensorAPIKey,
		preferLocal:     opts.PreferLocal,
		maxRetries:      maxRetries,
		providerTimeout: providerTimeout,
	}

	if gw.metrics != nil && gw.cb != nil {
		for _, name := range providers.DefaultFallbackOrder {
			gw.metrics.SetCircuitBreaker(name, int64(gw.cb.State(name)))
		}
	}

	if reg != nil && reg.Len() > 0 {
		provs := make(map[string]providers.Provider, reg.Len())
		for _, p := range reg.All() {
			provs[p.Name()] = p
		}
		gw.health = NewHealthChecker(baseCtx, provs, cacheReady, gw.metrics)
		gw.health.SetVersion(opts.Version)
	}

	return gw
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// SetRateLimiters injects the RPM rate limiter applied to chat/summarize.
func (g *Gateway) SetRateLimiters(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetLogger injects the async request logger.
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// ── /v1/embed ────────────────────────────────────────────────────────────────

type (
	embedRequest struct {
		Provider string   `json:"provider"`
		Model    string   `json:"model"`
		Input    []string `json:"input"`
	}

	embedResponse struct {
		Model        string      `json:"model"`
		ModelVersion string      `json:"model_version"`
		Vectors      [][]float32 `json:"vectors"`
		Cached       []bool      `json:"cached"`
		TimingsMs    int64       `json:"timings_ms"`
	}
)

func (g *Gateway) handleEmbed(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)

	if !g.authorizeEmbed(ctx) {
		apierr.Write(ctx, fasthttp.StatusUnauthorized,
			"missing or invalid bearer token", apierr.TypeInvalidRequest, "unauthorized")
		return
	}

	if g.metrics != nil {
		g.metrics.IncInFlight()
		defer g.metrics.DecInFlight()
	}

	var req embedRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if len(req.Input) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'input' must not be empty", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	prov, err := g.registry.Choose(req.Provider, req.Model, g.preferLocal)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	embedder, ok := prov.(providers.EmbeddingProvider)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			providers.ErrCapabilityMissing.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	res, err := g.batcher.Submit(ctx, embedder, req.Input)
	if err != nil {
		g.log.ErrorContext(ctx, "embed_error",
			slog.String("request_id", reqID),
			slog.String("provider", embedder.Name()),
			slog.String("error", err.Error()),
		)
		writeBatcherError(ctx, err)
		return
	}

	elapsed := time.Since(start)
	out := embedResponse{
		Model:        embedder.Name(),
		ModelVersion: res.AdapterVersion,
		Vectors:      res.Vectors,
		Cached:       res.Cached,
		TimingsMs:    elapsed.Milliseconds(),
	}
	body, _ := json.Marshal(out)

	if g.reqLogger != nil {
		g.logRequest(reqID, embedder.Name(), embedder.Version(), 0, 0, elapsed, fasthttp.StatusOK, allCached(res.Cached))
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func (g *Gateway) authorizeEmbed(ctx *fasthttp.RequestCtx) bool {
	if g.tensorAPIKey == "" {
		return true
	}
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	token := parseBearerToken(raw)
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(g.tensorAPIKey)) == 1
}

func allCached(flags []bool) bool {
	for _, c := range flags {
		if !c {
			return false
		}
	}
	return len(flags) > 0
}

func writeBatcherError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, batcher.ErrSubmitTimeout):
		apierr.WriteTimeout(ctx)
	case errors.Is(err, batcher.ErrShutdown):
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			err.Error(), apierr.TypeServerError, "shutting_down")
	case errors.Is(err, batcher.ErrLengthMismatch):
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
	default:
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
	}
}

// ── /v1/chat ─────────────────────────────────────────────────────────────────

type (
	chatMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	chatRequest struct {
		Provider  string        `json:"provider"`
		Model     string        `json:"model"`
		Messages  []chatMessage `json:"messages"`
		MaxTokens int           `json:"max_tokens"`
	}

	chatResponse struct {
		Model        string `json:"model"`
		ModelVersion string `json:"model_version"`
		Reply        string `json:"reply"`
		TimingsMs    int64  `json:"timings_ms"`
	}
)

func (g *Gateway) handleChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)

	if g.metrics != nil {
		g.metrics.IncInFlight()
		defer g.metrics.DecInFlight()
	}

	if blocked := g.checkRateLimit(ctx, reqID); blocked {
		return
	}

	var req chatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if len(req.Messages) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'messages' must not be empty", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}

	primary, err := g.registry.Choose(req.Provider, req.Model, g.preferLocal)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	reply, used, err := g.chatWithFailover(provCtx, reqID, primary.Name(), msgs, req.MaxTokens)
	if err != nil {
		g.log.ErrorContext(ctx, "chat_error",
			slog.String("request_id", reqID),
			slog.String("primary_provider", primary.Name()),
			slog.String("error", err.Error()),
		)
		handleProviderError(ctx, err)
		return
	}

	elapsed := time.Since(start)
	out := chatResponse{
		Model:        used.Name(),
		ModelVersion: used.Version(),
		Reply:        reply.Content,
		TimingsMs:    elapsed.Milliseconds(),
	}
	body, _ := json.Marshal(out)

	if g.reqLogger != nil {
		g.logRequest(reqID, used.Name(), used.Version(), reply.Usage.InputTokens, reply.Usage.OutputTokens, elapsed, fasthttp.StatusOK, false)
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// ── /v1/summarize ────────────────────────────────────────────────────────────

type (
	summarizeRequest struct {
		Model     string `json:"model"`
		Text      string `json:"text"`
		Strict    bool   `json:"strict"`
		MaxTokens int    `json:"max_tokens"`
	}

	summarizeResponse struct {
		Model        string  `json:"model"`
		ModelVersion string  `json:"model_version"`
		Summary      string  `json:"summary"`
		Confidence   float64 `json:"confidence"`
		TimingsMs    int64   `json:"timings_ms"`
	}
)

func (g *Gateway) handleSummarize(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)

	if g.metrics != nil {
		g.metrics.IncInFlight()
		defer g.metrics.DecInFlight()
	}

	if blocked := g.checkRateLimit(ctx, reqID); blocked {
		return
	}

	var req summarizeRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Text == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'text' must not be empty", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	prov, err := g.registry.Choose("", req.Model, g.preferLocal)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	summarizer, ok := prov.(providers.SummarizeProvider)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			providers.ErrCapabilityMissing.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	summary, err := summarizer.Summarize(provCtx, req.Text, req.Strict, req.MaxTokens)
	if err != nil {
		g.log.ErrorContext(ctx, "summarize_error",
			slog.String("request_id", reqID),
			slog.String("provider", summarizer.Name()),
			slog.String("error", err.Error()),
		)
		handleProviderError(ctx, err)
		return
	}

	elapsed := time.Since(start)
	out := summarizeResponse{
		Model:        summarizer.Name(),
		ModelVersion: summarizer.Version(),
		Summary:      summary.Summary,
		Confidence:   summary.Confidence,
		TimingsMs:    elapsed.Milliseconds(),
	}
	body, _ := json.Marshal(out)

	if g.reqLogger != nil {
		g.logRequest(reqID, summarizer.Name(), summarizer.Version(), 0, 0, elapsed, fasthttp.StatusOK, false)
	}

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// ── Shared helpers ───────────────────────────────────────────────────────────

func (g *Gateway) checkRateLimit(ctx *fasthttp.RequestCtx, reqID string) bool {
	if g.rpmLimiter == nil {
		return false
	}
	allowed, err := g.rpmLimiter.Allow(ctx)
	if err == nil && !allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("blocked")
		}
		g.log.WarnContext(ctx, "rate_limit_exceeded", slog.String("request_id", reqID))
		apierr.WriteRateLimit(ctx)
		return true
	}
	if g.metrics != nil {
		if err != nil {
			g.metrics.RecordRateLimit("error")
		} else {
			g.metrics.RecordRateLimit("allowed")
		}
	}
	return false
}

func parseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(
	requestID, provider, modelVersion string,
	inputTokens, outputTokens int,
	latency time.Duration,
	status int,
	isCached bool,
) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	latencyMs := uint16(latency.Milliseconds())
	if latency.Milliseconds() > 65535 {
		latencyMs = 65535
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:           reqUUID,
		Provider:     provider,
		Model:        modelVersion,
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    latencyMs,
		Status:       uint16(status),
		Cached:       isCached,
		CreatedAt:    time.Now(),
	})
}

// handleProviderError maps provider/chat errors to the appropriate HTTP response.
func handleProviderError(ctx *fasthttp.RequestCtx, err error) {
	if errors.Is(err, providers.ErrCapabilityMissing) {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}
	apierr.Write(ctx, fasthttp.StatusBadGateway,
		err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
}
