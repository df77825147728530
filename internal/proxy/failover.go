package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// chatWithFailover tries primary and, on retryable errors, walks through
// providers.DefaultFallbackOrder until a chat-capable adapter succeeds or
// g.maxRetries is exhausted. Adapters that don't implement
// providers.ChatProvider (e.g. "local") are skipped entirely — narrower
// than the embedding path, since chat has no universal fallback.
//
// It skips providers whose circuit breaker is in the Open state.
func (g *Gateway) chatWithFailover(
	ctx context.Context,
	requestID string,
	primary string,
	messages []providers.Message,
	maxTokens int,
) (providers.ChatReply, providers.Provider, error) {
	candidates := buildCandidateList(primary)

	var lastErr error
	prevProvider, prevReason := "", ""
	havePrevFailure := false
	attempts := 0

	for _, name := range candidates {
		if attempts >= g.maxRetries {
			break
		}

		prov, ok := g.registry.Get(name)
		if !ok {
			continue
		}
		chatProv, ok := prov.(providers.ChatProvider)
		if !ok {
			continue // not chat-capable, skip silently
		}

		if g.cb != nil && !g.cb.Allow(name) {
			g.log.WarnContext(ctx, "circuit_breaker_open",
				slog.String("request_id", requestID),
				slog.String("provider", name),
			)
			if g.metrics != nil {
				g.metrics.RecordCircuitBreakerRejection(name, g.cb.StateLabel(name))
				g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
				g.metrics.ObserveUpstreamAttempt(name, "chat", "circuit_reject", 0)
			}
			continue
		}

		if havePrevFailure && prevProvider != "" && prevProvider != name {
			if g.metrics != nil {
				g.metrics.RecordFailover(primary, prevProvider, name, prevReason)
			}
		}

		start := time.Now()
		reply, err := chatProv.Chat(ctx, messages, maxTokens)
		dur := time.Since(start)
		attempts++

		if err == nil {
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(name, "chat", "success", dur)
				g.metrics.AddTokens(name, "chat", reply.Usage.InputTokens, reply.Usage.OutputTokens, false)
			}
			if g.cb != nil {
				g.cb.RecordSuccess(name)
				if g.metrics != nil {
					g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
				}
			}
			if name != primary {
				g.log.InfoContext(ctx, "failover_success",
					slog.String("request_id", requestID),
					slog.String("from", primary),
					slog.String("to", name),
					slog.Int64("latency_ms", dur.Milliseconds()),
				)
				if g.metrics != nil {
					g.metrics.RecordFailoverSuccess(primary, name)
				}
			}
			return reply, chatProv, nil
		}

		if g.cb != nil {
			g.cb.RecordFailure(name)
			if g.metrics != nil {
				g.metrics.SetCircuitBreaker(name, int64(g.cb.State(name)))
			}
		}

		reason := classifyError(err)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(name, "chat", reason, dur)
			g.metrics.RecordError(name, reason)
		}
		g.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("request_id", requestID),
			slog.String("from", primary),
			slog.String("to", name),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)

		lastErr = err
		prevProvider, prevReason, havePrevFailure = name, reason, true

		if !isRetryable(err) {
			break
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no chat-capable providers available")
	}
	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted(primary)
	}
	return providers.ChatReply{}, nil, fmt.Errorf("failover: all providers failed after %d attempt(s): %w", attempts, lastErr)
}

// buildCandidateList returns an ordered slice starting with primary, followed
// by the remaining providers in DefaultFallbackOrder (deduped).
func buildCandidateList(primary string) []string {
	seen := map[string]bool{primary: true}
	out := []string{primary}
	for _, name := range providers.DefaultFallbackOrder {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// isRetryable returns true for errors that should trigger provider failover.
//
//   - 5xx provider errors → retryable (infrastructure failure)
//   - context.DeadlineExceeded → retryable (timeout, different provider may be faster)
//   - 4xx provider errors → NOT retryable (bad request / auth — won't change)
//   - unknown errors → retryable (conservative default)
func isRetryable(err error) bool {
	if err == context.DeadlineExceeded {
		return true
	}
	if sc, ok := err.(providers.StatusCoder); ok {
		status := sc.HTTPStatus()
		return status >= 500 && status < 600
	}
	return true
}

// classifyError converts an error into a short human-readable category string
// used in log fields and metrics labels.
func classifyError(err error) string {
	if err == context.DeadlineExceeded {
		return "timeout"
	}
	if sc, ok := err.(providers.StatusCoder); ok {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}
