package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/fault"
)

// Router picks the provider an agent chats through. An agent bound to a
// provider uses it first and then its fallbacks; unbound agents use the
// default provider.
type Router struct {
	providers map[string]Provider
	bindings  map[string]string   // agentID -> providerID
	fallbacks map[string][]string // agentID -> ordered fallback providers
	defaultID string
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[string]string),
		fallbacks: make(map[string][]string),
		logger:    logger,
	}
}

// Register adds p. The first registered provider becomes the default.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaultID == "" {
		r.defaultID = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultID = providerID
}

func (r *Router) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultID
}

// Bind routes agentID to providerID.
func (r *Router) Bind(agentID, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[agentID] = providerID
}

func (r *Router) SetFallbacks(agentID string, providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[agentID] = append([]string(nil), providerIDs...)
}

// candidates lists the providers to try for agentID in order, each once.
// Unknown ids are skipped.
func (r *Router) candidates(agentID string) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, 1+len(r.fallbacks[agentID]))
	if pid, ok := r.bindings[agentID]; ok && r.providers[pid] != nil {
		ids = append(ids, pid)
	} else {
		ids = append(ids, r.defaultID)
	}
	ids = append(ids, r.fallbacks[agentID]...)

	seen := make(map[string]bool, len(ids))
	out := make([]Provider, 0, len(ids))
	for _, id := range ids {
		p, ok := r.providers[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, p)
	}
	return out
}

// Route sends req through the agent's providers until one answers. A
// cancelled context stops the walk; otherwise the last error is returned.
func (r *Router) Route(ctx context.Context, agentID string, req *ChatRequest) (*ChatResponse, error) {
	chain := r.candidates(agentID)
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: no provider for agent %s", fault.ErrUnavailable, agentID)
	}

	var lastErr error
	for i, p := range chain {
		resp, err := p.Chat(ctx, req)
		if err == nil {
			if i > 0 {
				r.logger.Info("fallback provider answered",
					zap.String("agent", agentID), zap.String("provider", p.ID()))
			}
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		if i+1 < len(chain) {
			r.logger.Warn("provider failed, trying next",
				zap.String("agent", agentID), zap.String("provider", p.ID()), zap.Error(err))
		}
	}
	return nil, fmt.Errorf("all providers failed for agent %s: %w", agentID, lastErr)
}

// ListProviders returns the registered providers ordered by id.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
