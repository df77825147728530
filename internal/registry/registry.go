// Package registry selects which configured provider adapter should serve a
// given request, and exposes the adapter set to the rest of the gateway
// (health checks, circuit breakers, failover).
package registry

import (
	"fmt"

	"github.com/nulpointcorp/llm-gateway/internal/providers"
)

// preferenceOrder is the tie-breaking order used when the caller does not
// name an explicit provider and does not ask for the local adapter.
var preferenceOrder = []string{"openai", "anthropic", "gemini", "local"}

// Registry holds the set of configured provider adapters, keyed by name.
type Registry struct {
	provs map[string]providers.Provider
	order []string // fixed by New, for stable iteration
}

// New builds a Registry from an already-constructed provider map. Callers
// build the map (typically in internal/app) from whichever API keys are
// configured; New itself performs no conditional construction.
func New(provs map[string]providers.Provider) *Registry {
	order := make([]string, 0, len(provs))
	for _, name := range preferenceOrder {
		if _, ok := provs[name]; ok {
			order = append(order, name)
		}
	}
	for name := range provs {
		if !contains(order, name) {
			order = append(order, name)
		}
	}
	return &Registry{provs: provs, order: order}
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// Get returns the named provider, if configured.
func (r *Registry) Get(name string) (providers.Provider, bool) {
	p, ok := r.provs[name]
	return p, ok
}

// All returns every configured provider in a stable order (preference order
// first, then any remaining providers in the map iteration order seen by New).
func (r *Registry) All() []providers.Provider {
	out := make([]providers.Provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.provs[name])
	}
	return out
}

// Names returns the configured provider names in the same stable order as All.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len reports the number of configured providers.
func (r *Registry) Len() int { return len(r.provs) }

// Choose selects an adapter for a request, mirroring the reference policy:
//
//  1. An explicit provider name wins if it is configured; otherwise fall
//     back to "local" (or, failing that, any configured provider).
//  2. Absent an explicit provider, preferLocal routes to "local" when it is
//     configured.
//  3. Otherwise the first configured name in preferenceOrder wins.
//  4. If nothing matches, any configured provider is returned.
//
// model is accepted for forward compatibility (per-model routing is not yet
// implemented) but does not currently influence the decision.
func (r *Registry) Choose(provider, model string, preferLocal bool) (providers.Provider, error) {
	if len(r.provs) == 0 {
		return nil, fmt.Errorf("registry: no providers configured")
	}

	if provider != "" {
		if p, ok := r.provs[provider]; ok {
			return p, nil
		}
		if p, ok := r.provs["local"]; ok {
			return p, nil
		}
		return r.any(), nil
	}

	if preferLocal {
		if p, ok := r.provs["local"]; ok {
			return p, nil
		}
	}

	for _, name := range preferenceOrder {
		if p, ok := r.provs[name]; ok {
			return p, nil
		}
	}

	return r.any(), nil
}

// any returns an arbitrary configured provider, used as the last-resort
// fallback when nothing else matches. Stable by iteration order.
func (r *Registry) any() providers.Provider {
	for _, name := range r.order {
		return r.provs[name]
	}
	return nil
}
