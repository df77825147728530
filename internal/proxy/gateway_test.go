package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/batcher"
	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/providers"
	"github.com/nulpointcorp/llm-gateway/internal/registry"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// --- stub providers -----------------------------------------------------------

// providerError is a provider error carrying an HTTP status, mirroring how
// real adapters surface upstream failures.
type providerError struct {
	status int
	msg    string
}

func (e *providerError) Error() string  { return e.msg }
func (e *providerError) HTTPStatus() int { return e.status }

// stubProvider is a fully pluggable providers.Provider: each optional
// capability is wired in only when the corresponding *Fn field is set,
// exactly like a real adapter that implements a subset of the capability
// interfaces.
type stubProvider struct {
	name, version string
	healthErr     error

	chatFn      func(context.Context, []providers.Message, int) (providers.ChatReply, error)
	embedFn     func(context.Context, []string) ([][]float32, error)
	summarizeFn func(context.Context, string, bool, int) (providers.Summary, error)
}

func (p *stubProvider) Name() string    { return p.name }
func (p *stubProvider) Version() string { return p.version }
func (p *stubProvider) HealthCheck(context.Context) error { return p.healthErr }

func (p *stubProvider) Chat(ctx context.Context, msgs []providers.Message, maxTokens int) (providers.ChatReply, error) {
	return p.chatFn(ctx, msgs, maxTokens)
}

func (p *stubProvider) EmbedBatch(ctx context.Context, inputs []string) ([][]float32, error) {
	return p.embedFn(ctx, inputs)
}

func (p *stubProvider) Summarize(ctx context.Context, text string, strict bool, maxTokens int) (providers.Summary, error) {
	return p.summarizeFn(ctx, text, strict, maxTokens)
}

// chatProvider builds a provider whose Chat call runs fn.
func chatProvider(name string, fn func(context.Context, []providers.Message, int) (providers.ChatReply, error)) *stubProvider {
	return &stubProvider{name: name, version: "v1", chatFn: fn}
}

func okChatProvider(name string) *stubProvider {
	return chatProvider(name, func(_ context.Context, msgs []providers.Message, _ int) (providers.ChatReply, error) {
		return providers.ChatReply{
			ID:      "resp-" + name,
			Model:   name,
			Content: "hello from " + name,
			Usage:   providers.Usage{InputTokens: 10, OutputTokens: 5},
		}, nil
	})
}

func okEmbedProvider(name string) *stubProvider {
	return &stubProvider{
		name: name, version: "v1",
		embedFn: func(_ context.Context, inputs []string) ([][]float32, error) {
			out := make([][]float32, len(inputs))
			for i, text := range inputs {
				out[i] = []float32{float32(len(text))}
			}
			return out, nil
		},
	}
}

func okSummarizeProvider(name string) *stubProvider {
	return &stubProvider{
		name: name, version: "v1",
		summarizeFn: func(_ context.Context, text string, _ bool, _ int) (providers.Summary, error) {
			return providers.Summary{Model: name, Summary: "summary of: " + text, Confidence: 0.9}, nil
		},
	}
}

var _ providers.ChatProvider = (*stubProvider)(nil)
var _ providers.EmbeddingProvider = (*stubProvider)(nil)
var _ providers.SummarizeProvider = (*stubProvider)(nil)

// --- helpers -------------------------------------------------------------------

func testGateway(t *testing.T, provs map[string]providers.Provider, opts GatewayOptions) *Gateway {
	t.Helper()
	reg := registry.New(provs)
	c := cache.NewMemoryCache(context.Background())
	t.Cleanup(func() { _ = c.Close() })
	bat := batcher.New(c, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = bat.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	opts.PreferLocal = false
	gw := NewGatewayWithOptions(context.Background(), reg, bat, c, nil, opts)
	return gw
}

// serveGateway starts the full router on an in-memory listener.
func serveGateway(t *testing.T, gw *Gateway) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	handler := applyMiddleware(
		func(ctx *fasthttp.RequestCtx) {
			switch string(ctx.Path()) {
			case "/v1/embed":
				gw.handleEmbed(ctx)
			case "/v1/chat":
				gw.handleChat(ctx)
			case "/v1/summarize":
				gw.handleSummarize(ctx)
			case "/v1/health":
				gw.handleHealth(ctx)
			default:
				ctx.SetStatusCode(404)
			}
		},
		recovery,
		requestID,
		timing,
	)

	go func() { _ = fasthttp.Serve(ln, handler) }()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
	return client, func() { ln.Close() }
}

func doPost(t *testing.T, client *http.Client, path string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", "http://test"+path, readerFromBytes(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func readerFromBytes(b []byte) io.Reader { return io.NopCloser(bReader(b)) }

type byteReader struct {
	data []byte
	pos  int
}

func bReader(b []byte) *byteReader { return &byteReader{data: b} }

func (r *byteReader) Read(p []byte) (n int, err error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n = copy(p, r.data[r.pos:])
	r.pos += n
	return
}

func contains(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// --- NewGatewayWithOptions ------------------------------------------------------

func TestNewGatewayWithOptions_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	NewGatewayWithOptions(nil, registry.New(nil), nil, nil, nil, GatewayOptions{})
}

func TestNewGatewayWithOptions_NoProviders(t *testing.T) {
	gw := testGateway(t, nil, GatewayOptions{})
	if gw == nil {
		t.Fatal("expected non-nil gateway")
	}
	if gw.health != nil {
		t.Error("health checker should be nil when no providers configured")
	}
}

func TestNewGatewayWithOptions_WithProviders(t *testing.T) {
	gw := testGateway(t, map[string]providers.Provider{"openai": okChatProvider("openai")}, GatewayOptions{})
	if gw.health == nil {
		t.Fatal("health checker should be created when providers exist")
	}
}

// --- setters -------------------------------------------------------------------

func TestGateway_Setters(t *testing.T) {
	gw := testGateway(t, nil, GatewayOptions{})

	gw.SetRateLimiters(nil)
	if gw.rpmLimiter != nil {
		t.Error("expected nil rpm limiter")
	}

	gw.SetLogger(nil)
	if gw.reqLogger != nil {
		t.Error("expected nil logger")
	}

	gw.SetCORSOrigins([]string{"https://example.com"})
	if len(gw.corsOrigins) != 1 || gw.corsOrigins[0] != "https://example.com" {
		t.Error("CORS origins not set correctly")
	}
}

// --- handleEmbed -----------------------------------------------------------------

func TestHandleEmbed_RequiresBearerToken(t *testing.T) {
	gw := testGateway(t, map[string]providers.Provider{"local": okEmbedProvider("local")},
		GatewayOptions{TensorAPIKey: "secret"})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/embed", []byte(`{"input":["hi"]}`), nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestHandleEmbed_WrongBearerToken(t *testing.T) {
	gw := testGateway(t, map[string]providers.Provider{"local": okEmbedProvider("local")},
		GatewayOptions{TensorAPIKey: "secret"})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/embed", []byte(`{"input":["hi"]}`),
		map[string]string{"Authorization": "Bearer wrong"})
	readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestHandleEmbed_Success(t *testing.T) {
	gw := testGateway(t, map[string]providers.Provider{"local": okEmbedProvider("local")},
		GatewayOptions{TensorAPIKey: "secret"})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/embed", []byte(`{"provider":"local","input":["hello","world"]}`),
		map[string]string{"Authorization": "Bearer secret"})
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var out embedResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(out.Vectors) != 2 {
		t.Errorf("expected 2 vectors, got %d", len(out.Vectors))
	}
	if out.Model != "local" {
		t.Errorf("expected model=local, got %s", out.Model)
	}
}

func TestHandleEmbed_EmptyInput(t *testing.T) {
	gw := testGateway(t, map[string]providers.Provider{"local": okEmbedProvider("local")}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/embed", []byte(`{"input":[]}`), nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandleEmbed_CapabilityMissing(t *testing.T) {
	// anthropic has no EmbeddingProvider capability.
	gw := testGateway(t, map[string]providers.Provider{"anthropic": okChatProvider("anthropic")}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/embed", []byte(`{"provider":"anthropic","input":["hi"]}`), nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", resp.StatusCode)
	}
}

// --- handleChat ------------------------------------------------------------------

func TestHandleChat_Success(t *testing.T) {
	gw := testGateway(t, map[string]providers.Provider{"openai": okChatProvider("openai")}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat",
		[]byte(`{"provider":"openai","messages":[{"role":"user","content":"hi"}]}`), nil)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if out.Reply != "hello from openai" {
		t.Errorf("unexpected reply: %s", out.Reply)
	}
}

func TestHandleChat_MissingMessages(t *testing.T) {
	gw := testGateway(t, map[string]providers.Provider{"openai": okChatProvider("openai")}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat", []byte(`{"provider":"openai","messages":[]}`), nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandleChat_ProviderFailure(t *testing.T) {
	failing := chatProvider("openai", func(context.Context, []providers.Message, int) (providers.ChatReply, error) {
		return providers.ChatReply{}, &providerError{status: 503, msg: "unavailable"}
	})
	gw := testGateway(t, map[string]providers.Provider{"openai": failing}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat",
		[]byte(`{"provider":"openai","messages":[{"role":"user","content":"hi"}]}`), nil)
	readBody(t, resp)
	if resp.StatusCode == http.StatusOK {
		t.Error("expected non-200 when every chat-capable provider fails")
	}
}

// --- handleSummarize -------------------------------------------------------------

func TestHandleSummarize_Success(t *testing.T) {
	gw := testGateway(t, map[string]providers.Provider{"local": okSummarizeProvider("local")}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/summarize", []byte(`{"text":"a long document","strict":false}`), nil)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var out summarizeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if out.Summary == "" {
		t.Error("expected non-empty summary")
	}
}

func TestHandleSummarize_EmptyText(t *testing.T) {
	gw := testGateway(t, map[string]providers.Provider{"local": okSummarizeProvider("local")}, GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/summarize", []byte(`{"text":""}`), nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

// --- handleProviderError ----------------------------------------------------------

func TestHandleProviderError_StatusCoder(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"429 rate limit", &providerError{status: 429, msg: "rate limited"}, 429},
		{"503 service unavailable", &providerError{status: 503, msg: "unavailable"}, 502},
		{"500 internal", &providerError{status: 500, msg: "internal"}, 502},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			handleProviderError(ctx, tt.err)
			if ctx.Response.StatusCode() != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, ctx.Response.StatusCode())
			}
		})
	}
}

func TestHandleProviderError_Timeout(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	handleProviderError(ctx, context.DeadlineExceeded)
	if ctx.Response.StatusCode() != fasthttp.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleProviderError_GenericError(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	handleProviderError(ctx, context.Canceled)
	if ctx.Response.StatusCode() != fasthttp.StatusBadGateway {
		t.Errorf("expected 502, got %d", ctx.Response.StatusCode())
	}
}

// --- logRequest nil-safe -----------------------------------------------------------

func TestLogRequest_NilLogger(t *testing.T) {
	gw := testGateway(t, nil, GatewayOptions{})
	gw.logRequest("req-1", "openai", "v1", 10, 5, time.Millisecond, 200, false)
}

func TestParseBearerToken(t *testing.T) {
	cases := []struct{ header, want string }{
		{"Bearer abc123", "abc123"},
		{"bearer abc123", "abc123"},
		{"", ""},
		{"Basic abc123", ""},
		{"Bearer", ""},
	}
	for _, c := range cases {
		if got := parseBearerToken(c.header); got != c.want {
			t.Errorf("parseBearerToken(%q) = %q, want %q", c.header, got, c.want)
		}
	}
}
