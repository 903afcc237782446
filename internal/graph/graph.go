// Package graph is the knowledge graph client: typed entities linked by typed,
// weighted relations, queried by bounded neighborhood traversal.
package graph

import (
	"context"
	"strings"
)

// Entity types the bias evaluator reads.
const (
	TypeSensitiveAttribute = "sensitive_attribute"
	TypeGroup              = "group"
)

// Depth limits for Neighborhood.
const (
	MinDepth = 1
	MaxDepth = 3
)

// Entity is a typed node. Attributes "name" and "aliases" drive Resolve.
type Entity struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Name returns the entity's name attribute.
func (e Entity) Name() string {
	s, _ := e.Attributes["name"].(string)
	return s
}

// Aliases returns the entity's alias attribute as strings.
func (e Entity) Aliases() []string {
	switch v := e.Attributes["aliases"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, a := range v {
			if s, ok := a.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Relation is a typed, weighted edge. It is keyed by (SourceID, TargetID, Type).
type Relation struct {
	SourceID string  `json:"source_id"`
	TargetID string  `json:"target_id"`
	Type     string  `json:"type"`
	Weight   float64 `json:"weight"`
}

// Neighbor is an entity reached from a traversal origin. Relation is the last
// edge on a shortest path and Depth that path's length.
type Neighbor struct {
	Entity   Entity   `json:"entity"`
	Relation Relation `json:"relation"`
	Depth    int      `json:"depth"`
}

// Client is the knowledge graph contract.
//
// UpsertEntity merges attributes into an existing entity and returns its id;
// an entity without an id gets one derived from its type and name.
// UpsertRelation fails with fault.ErrNotFound when an endpoint is missing.
// Neighborhood treats relations as undirected, clamps depth to
// [MinDepth, MaxDepth] and returns an empty result for unknown ids.
type Client interface {
	UpsertEntity(ctx context.Context, e Entity) (string, error)
	UpsertRelation(ctx context.Context, r Relation) error
	Neighborhood(ctx context.Context, entityID string, relationTypes []string, depth int) ([]Neighbor, error)
	Resolve(ctx context.Context, terms []string) ([]Entity, error)
}

// ClampDepth bounds a requested traversal depth.
func ClampDepth(depth int) int {
	return min(max(depth, MinDepth), MaxDepth)
}

// DeriveID builds the id of an entity that was upserted without one.
func DeriveID(entityType, name string) string {
	return "ent:" + entityType + ":" + Slug(name)
}

// Slug lowercases s and joins its words with '-'.
func Slug(s string) string {
	return strings.Join(tokenize(s), "-")
}

func mergeAttributes(dst, src map[string]any) (map[string]any, bool) {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	changed := false
	for k, v := range src {
		if old, ok := out[k]; !ok || !sameValue(old, v) {
			changed = true
		}
		out[k] = v
	}
	return out, changed
}

func typeAllowed(t string, types []string) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if t == want {
			return true
		}
	}
	return false
}
