package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/fault"
)

type relKey struct {
	src, dst, typ string
}

// InMemory is a process-local Client backed by adjacency maps.
type InMemory struct {
	mu        sync.RWMutex
	entities  map[string]Entity
	relations map[relKey]Relation
	adjacent  map[string][]relKey
	logger    *zap.Logger
}

// NewInMemory creates an empty graph.
func NewInMemory(logger *zap.Logger) *InMemory {
	return &InMemory{
		entities:  make(map[string]Entity),
		relations: make(map[relKey]Relation),
		adjacent:  make(map[string][]relKey),
		logger:    logger,
	}
}

func (g *InMemory) UpsertEntity(ctx context.Context, e Entity) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if e.Type == "" {
		return "", fault.Invalid("entity type is required")
	}
	if e.ID == "" {
		if e.Name() == "" {
			return "", fault.Invalid("entity without id needs a name")
		}
		e.ID = DeriveID(e.Type, e.Name())
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	cur, exists := g.entities[e.ID]
	if !exists {
		attrs, _ := mergeAttributes(nil, e.Attributes)
		g.entities[e.ID] = Entity{ID: e.ID, Type: e.Type, Attributes: attrs}
		return e.ID, nil
	}
	attrs, changed := mergeAttributes(cur.Attributes, e.Attributes)
	if !changed && cur.Type == e.Type {
		return e.ID, nil
	}
	g.entities[e.ID] = Entity{ID: e.ID, Type: e.Type, Attributes: attrs}
	return e.ID, nil
}

func (g *InMemory) UpsertRelation(ctx context.Context, r Relation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.Type == "" {
		return fault.Invalid("relation type is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range []string{r.SourceID, r.TargetID} {
		if _, ok := g.entities[id]; !ok {
			return fmt.Errorf("relation endpoint %q: %w", id, fault.ErrNotFound)
		}
	}
	k := relKey{r.SourceID, r.TargetID, r.Type}
	if _, ok := g.relations[k]; !ok {
		g.adjacent[r.SourceID] = append(g.adjacent[r.SourceID], k)
		if r.SourceID != r.TargetID {
			g.adjacent[r.TargetID] = append(g.adjacent[r.TargetID], k)
		}
	}
	g.relations[k] = r
	return nil
}

// Neighborhood walks relations breadth-first in both directions, so every
// entity is reported once at its shortest distance.
func (g *InMemory) Neighborhood(ctx context.Context, entityID string, relationTypes []string, depth int) ([]Neighbor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	maxHops := ClampDepth(depth)

	g.mu.RLock()
	defer g.mu.RUnlock()
	if _, ok := g.entities[entityID]; !ok {
		return nil, nil
	}

	type step struct {
		id    string
		depth int
	}
	visited := map[string]bool{entityID: true}
	queue := []step{{id: entityID}}
	var results []Neighbor

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current.depth >= maxHops {
			continue
		}

		edges := append([]relKey(nil), g.adjacent[current.id]...)
		sort.Slice(edges, func(i, j int) bool {
			a, b := edges[i], edges[j]
			if a.src != b.src {
				return a.src < b.src
			}
			if a.dst != b.dst {
				return a.dst < b.dst
			}
			return a.typ < b.typ
		})
		for _, k := range edges {
			if !typeAllowed(k.typ, relationTypes) {
				continue
			}
			target := k.dst
			if target == current.id {
				target = k.src
			}
			if visited[target] {
				continue
			}
			visited[target] = true
			results = append(results, Neighbor{
				Entity:   g.entities[target],
				Relation: g.relations[k],
				Depth:    current.depth + 1,
			})
			queue = append(queue, step{id: target, depth: current.depth + 1})
		}
	}
	return results, nil
}

func (g *InMemory) Resolve(ctx context.Context, terms []string) ([]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(terms))
	for _, t := range terms {
		if n := normalizeTerm(t); n != "" {
			want[n] = true
		}
	}
	if len(want) == 0 {
		return nil, nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Entity
	for _, e := range g.entities {
		if matchesTerms(e, want) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func matchesTerms(e Entity, want map[string]bool) bool {
	if want[normalizeTerm(e.Name())] {
		return true
	}
	for _, a := range e.Aliases() {
		if want[normalizeTerm(a)] {
			return true
		}
	}
	return false
}
