package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/fault"
)

// Neo4j stores entities as :Entity nodes and relations as :RELATES edges
// carrying their type and weight as properties.
type Neo4j struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewNeo4j creates a driver for uri.
func NewNeo4j(uri, user, password string, logger *zap.Logger) (*Neo4j, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Neo4j{driver: driver, logger: logger}, nil
}

// Close shuts down the driver.
func (g *Neo4j) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// Ping verifies connectivity.
func (g *Neo4j) Ping(ctx context.Context) error {
	if err := g.driver.VerifyConnectivity(ctx); err != nil {
		return fault.Unavailable("neo4j ping", err)
	}
	return nil
}

// EnsureSchema creates the id constraint and lookup indexes.
func (g *Neo4j) EnsureSchema(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	stmts := []string{
		`CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE`,
		`CREATE INDEX entity_name IF NOT EXISTS FOR (e:Entity) ON (e.name_lc)`,
	}
	for _, q := range stmts {
		if _, err := session.Run(ctx, q, nil); err != nil {
			return g.wrap("ensure schema", err)
		}
	}
	return nil
}

func (g *Neo4j) UpsertEntity(ctx context.Context, e Entity) (string, error) {
	if e.Type == "" {
		return "", fault.Invalid("entity type is required")
	}
	if e.ID == "" {
		if e.Name() == "" {
			return "", fault.Invalid("entity without id needs a name")
		}
		e.ID = DeriveID(e.Type, e.Name())
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			`OPTIONAL MATCH (e:Entity {id: $id}) RETURN e.type AS type, e.attrs AS attrs`,
			map[string]any{"id": e.ID})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}

		var current map[string]any
		curType, _ := rec.Get("type")
		if raw, ok := rec.Get("attrs"); ok && raw != nil {
			if s, ok := raw.(string); ok {
				if err := json.Unmarshal([]byte(s), &current); err != nil {
					return nil, fmt.Errorf("decode attributes of %s: %w", e.ID, err)
				}
			}
		}
		attrs, changed := mergeAttributes(current, e.Attributes)
		if curType == e.Type && !changed {
			return nil, nil
		}

		merged := Entity{ID: e.ID, Type: e.Type, Attributes: attrs}
		data, err := json.Marshal(attrs)
		if err != nil {
			return nil, fmt.Errorf("encode attributes of %s: %w", e.ID, err)
		}
		aliases := make([]string, 0, len(merged.Aliases()))
		for _, a := range merged.Aliases() {
			aliases = append(aliases, normalizeTerm(a))
		}
		_, err = tx.Run(ctx,
			`MERGE (e:Entity {id: $id})
			 SET e.type = $type, e.name_lc = $name, e.aliases_lc = $aliases, e.attrs = $attrs`,
			map[string]any{
				"id":      e.ID,
				"type":    e.Type,
				"name":    normalizeTerm(merged.Name()),
				"aliases": aliases,
				"attrs":   string(data),
			})
		return nil, err
	})
	if err != nil {
		return "", g.wrap("upsert entity", err)
	}
	return e.ID, nil
}

func (g *Neo4j) UpsertRelation(ctx context.Context, r Relation) error {
	if r.Type == "" {
		return fault.Invalid("relation type is required")
	}
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	n, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			`MATCH (a:Entity {id: $src}), (b:Entity {id: $dst})
			 MERGE (a)-[r:RELATES {type: $type}]->(b)
			 SET r.weight = $weight
			 RETURN count(r) AS n`,
			map[string]any{"src": r.SourceID, "dst": r.TargetID, "type": r.Type, "weight": r.Weight})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		n, _ := rec.Get("n")
		return n, nil
	})
	if err != nil {
		return g.wrap("upsert relation", err)
	}
	if c, _ := n.(int64); c == 0 {
		return fmt.Errorf("relation %s-[%s]->%s endpoint: %w", r.SourceID, r.Type, r.TargetID, fault.ErrNotFound)
	}
	return nil
}

// Neighborhood keeps, for every reachable entity, the shortest path and
// reports the last relation on it.
func (g *Neo4j) Neighborhood(ctx context.Context, entityID string, relationTypes []string, depth int) ([]Neighbor, error) {
	if relationTypes == nil {
		relationTypes = []string{}
	}
	query := fmt.Sprintf(
		`MATCH p = (s:Entity {id: $id})-[:RELATES*1..%d]-(n:Entity)
		 WHERE n.id <> $id AND all(r IN relationships(p) WHERE size($types) = 0 OR r.type IN $types)
		 WITH n, length(p) AS depth, last(relationships(p)) AS r
		 ORDER BY depth ASC
		 WITH n, collect({depth: depth, r: r})[0] AS best
		 WITH n, best.depth AS depth, best.r AS r
		 RETURN n.id AS id, n.type AS type, n.attrs AS attrs, depth,
		        startNode(r).id AS src, endNode(r).id AS dst, r.type AS rtype, r.weight AS weight
		 ORDER BY depth, id`, ClampDepth(depth))

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{"id": entityID, "types": relationTypes})
		if err != nil {
			return nil, err
		}
		var neighbors []Neighbor
		for res.Next(ctx) {
			rec := res.Record()
			e, err := entityFromRecord(rec)
			if err != nil {
				return nil, err
			}
			d, _ := rec.Get("depth")
			src, _ := rec.Get("src")
			dst, _ := rec.Get("dst")
			rtype, _ := rec.Get("rtype")
			weight, _ := rec.Get("weight")
			n := Neighbor{Entity: e}
			n.Depth = int(asInt64(d))
			n.Relation.SourceID, _ = src.(string)
			n.Relation.TargetID, _ = dst.(string)
			n.Relation.Type, _ = rtype.(string)
			n.Relation.Weight = asFloat(weight)
			neighbors = append(neighbors, n)
		}
		return neighbors, res.Err()
	})
	if err != nil {
		return nil, g.wrap("neighborhood", err)
	}
	neighbors, _ := out.([]Neighbor)
	return neighbors, nil
}

func (g *Neo4j) Resolve(ctx context.Context, terms []string) ([]Entity, error) {
	norm := make([]string, 0, len(terms))
	for _, t := range terms {
		if n := normalizeTerm(t); n != "" {
			norm = append(norm, n)
		}
	}
	if len(norm) == 0 {
		return nil, nil
	}

	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			`MATCH (e:Entity)
			 WHERE e.name_lc IN $terms OR any(a IN coalesce(e.aliases_lc, []) WHERE a IN $terms)
			 RETURN e.id AS id, e.type AS type, e.attrs AS attrs
			 ORDER BY id`,
			map[string]any{"terms": norm})
		if err != nil {
			return nil, err
		}
		var entities []Entity
		for res.Next(ctx) {
			e, err := entityFromRecord(res.Record())
			if err != nil {
				return nil, err
			}
			entities = append(entities, e)
		}
		return entities, res.Err()
	})
	if err != nil {
		return nil, g.wrap("resolve", err)
	}
	entities, _ := out.([]Entity)
	return entities, nil
}

func entityFromRecord(rec *neo4j.Record) (Entity, error) {
	id, _ := rec.Get("id")
	typ, _ := rec.Get("type")
	raw, _ := rec.Get("attrs")
	e := Entity{}
	e.ID, _ = id.(string)
	e.Type, _ = typ.(string)
	if s, ok := raw.(string); ok && s != "" {
		if err := json.Unmarshal([]byte(s), &e.Attributes); err != nil {
			return Entity{}, fmt.Errorf("decode attributes of %s: %w", e.ID, err)
		}
	}
	return e, nil
}

// wrap classifies driver errors: client and database errors are returned
// as they are, everything else is treated as an unreachable backend.
func (g *Neo4j) wrap(op string, err error) error {
	var nerr *neo4j.Neo4jError
	if errors.As(err, &nerr) && nerr.Classification() != "TransientError" {
		return fmt.Errorf("neo4j %s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("neo4j %s: %w", op, err)
	}
	g.logger.Warn("neo4j unavailable", zap.String("op", op), zap.Error(err))
	return fault.Unavailable("neo4j "+op, err)
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}
