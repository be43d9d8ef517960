package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loomrun/loom/internal/tokens"
	"github.com/loomrun/loom/pkg/conversation"
)

// Router is a Provider that dispatches to one of several named backends,
// falling back through an ordered candidate list on failure and putting a
// backend that just failed into a cooldown window so a flapping provider
// does not keep absorbing retries. Grounded on the donor's
// internal/agent/routing.Router, narrowed to spec.md §4.B's single active
// Provider contract: this is the supplemented multi-provider routing
// policy SPEC_FULL.md §10 adds on top of it, not a replacement for it.
type Router struct {
	primary  string
	fallback []string
	backends map[string]Provider

	cooldown  time.Duration
	healthMu  sync.Mutex
	unhealthy map[string]time.Time
}

var _ Provider = (*Router)(nil)

// RouterConfig configures a Router.
type RouterConfig struct {
	// Primary names the backend tried first.
	Primary string
	// Fallback lists backends tried in order when Primary (or an earlier
	// fallback) fails.
	Fallback []string
	// Cooldown is how long a backend that just failed is skipped by
	// candidate selection. Zero disables cooldown tracking.
	Cooldown time.Duration
}

// NewRouter builds a Router over backends keyed by name. Primary must be a
// key of backends.
func NewRouter(cfg RouterConfig, backends map[string]Provider) (*Router, error) {
	if _, ok := backends[cfg.Primary]; !ok {
		return nil, fmt.Errorf("provider: router primary %q not in backend set", cfg.Primary)
	}
	return &Router{
		primary:   cfg.Primary,
		fallback:  cfg.Fallback,
		backends:  backends,
		cooldown:  cfg.Cooldown,
		unhealthy: make(map[string]time.Time),
	}, nil
}

func (r *Router) candidates() []string {
	seen := map[string]struct{}{}
	var order []string
	for _, name := range append([]string{r.primary}, r.fallback...) {
		if _, dup := seen[name]; dup {
			continue
		}
		if _, ok := r.backends[name]; !ok {
			continue
		}
		if !r.isHealthy(name) {
			continue
		}
		seen[name] = struct{}{}
		order = append(order, name)
	}
	return order
}

func (r *Router) isHealthy(name string) bool {
	if r.cooldown <= 0 {
		return true
	}
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	until, ok := r.unhealthy[name]
	if !ok {
		return true
	}
	if time.Now().After(until) {
		delete(r.unhealthy, name)
		return true
	}
	return false
}

func (r *Router) markUnhealthy(name string) {
	if r.cooldown <= 0 {
		return
	}
	r.healthMu.Lock()
	r.unhealthy[name] = time.Now().Add(r.cooldown)
	r.healthMu.Unlock()
}

var errNoBackends = errors.New("provider: router has no healthy backends")

// Complete tries each healthy candidate in order, returning the first
// success. A candidate that errors is marked unhealthy for Cooldown before
// the next attempt.
func (r *Router) Complete(ctx context.Context, system string, messages []conversation.Message, tools []tokens.ToolSchema) (conversation.Message, Usage, error) {
	var lastErr error
	for _, name := range r.candidates() {
		msg, usage, err := r.backends[name].Complete(ctx, system, messages, tools)
		if err == nil {
			return msg, usage, nil
		}
		r.markUnhealthy(name)
		lastErr = err
	}
	if lastErr != nil {
		return conversation.Message{}, Usage{}, lastErr
	}
	return conversation.Message{}, Usage{}, errNoBackends
}

// Stream routes to the first healthy candidate only: once a streaming
// response has begun emitting chunks to the caller there is no way to
// retry mid-stream against a fallback without the caller re-issuing the
// request, so Stream does not loop the way Complete does.
func (r *Router) Stream(ctx context.Context, system string, messages []conversation.Message, tools []tokens.ToolSchema) (<-chan StreamChunk, error) {
	candidates := r.candidates()
	if len(candidates) == 0 {
		return nil, errNoBackends
	}
	name := candidates[0]
	ch, err := r.backends[name].Stream(ctx, system, messages, tools)
	if err != nil {
		r.markUnhealthy(name)
	}
	return ch, err
}

// CompleteFast routes to the primary backend's fast path; fast-model
// summarisation calls are latency-sensitive enough that falling back
// through the whole candidate chain is not worth the extra round trips.
func (r *Router) CompleteFast(ctx context.Context, system string, messages []conversation.Message) (conversation.Message, Usage, error) {
	backend, ok := r.backends[r.primary]
	if !ok {
		return conversation.Message{}, Usage{}, errNoBackends
	}
	return backend.CompleteFast(ctx, system, messages)
}

// ModelConfig returns the primary backend's configuration.
func (r *Router) ModelConfig() ModelConfig {
	return r.backends[r.primary].ModelConfig()
}

// SupportsStreaming reports whether the primary backend streams natively.
func (r *Router) SupportsStreaming() bool {
	return r.backends[r.primary].SupportsStreaming()
}

// Metadata returns the primary backend's metadata.
func (r *Router) Metadata() ProviderMetadata {
	return r.backends[r.primary].Metadata()
}
