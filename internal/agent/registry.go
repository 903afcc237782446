package agent

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry holds the agents available to sessions.
type Registry struct {
	agents   map[string]Agent
	priority map[string]int
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		agents:   make(map[string]Agent),
		priority: make(map[string]int),
		logger:   logger,
	}
}

// Register adds an agent. Lower priority values take earlier turns under the
// priority turn order.
func (r *Registry) Register(a Agent, priority int) error {
	if a.ID() == "" {
		return fmt.Errorf("agent without id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.agents[a.ID()]; dup {
		return fmt.Errorf("agent %s already registered", a.ID())
	}
	r.agents[a.ID()] = a
	r.priority[a.ID()] = priority
	r.logger.Info("registered agent",
		zap.String("id", a.ID()),
		zap.String("kind", a.Kind()),
		zap.Int("priority", priority))
	return nil
}

// Get returns an agent by ID.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// Priority returns the registered priority of id.
func (r *Registry) Priority(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.priority[id]
}

// List returns all registered agents sorted by ID.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID() < result[j].ID() })
	return result
}

// IDs returns the IDs of all registered agents, sorted.
func (r *Registry) IDs() []string {
	agents := r.List()
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID()
	}
	return ids
}
