//go:build integration

package graph

import (
	"context"
	"errors"
	"os"
	"testing"

	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/fault"
)

func startNeo4j(t *testing.T) *Neo4j {
	t.Helper()
	if os.Getenv("FAIRLOOP_INTEGRATION") == "" {
		t.Skip("set FAIRLOOP_INTEGRATION to run container tests")
	}
	ctx := context.Background()
	container, err := tcneo4j.Run(ctx, "neo4j:5-community", tcneo4j.WithoutAuthentication())
	if err != nil {
		t.Fatalf("start neo4j: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })
	uri, err := container.BoltUrl(ctx)
	if err != nil {
		t.Fatalf("bolt url: %v", err)
	}
	g, err := NewNeo4j(uri, "", "", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = g.Close(ctx) })
	if err := g.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return g
}

func TestNeo4j_RoundTrip(t *testing.T) {
	g := startNeo4j(t)
	ctx := context.Background()

	if err := SeedSensitiveAttributes(ctx, g); err != nil {
		t.Fatal(err)
	}
	women, err := g.UpsertEntity(ctx, Entity{Type: TypeGroup, Attributes: map[string]any{"name": "women", "aliases": []any{"female"}}})
	if err != nil {
		t.Fatal(err)
	}
	if again, _ := g.UpsertEntity(ctx, Entity{Type: TypeGroup, Attributes: map[string]any{"name": "women"}}); again != women {
		t.Errorf("re-upsert id = %s, want %s", again, women)
	}

	err = g.UpsertRelation(ctx, Relation{SourceID: women, TargetID: "ent:group:missing", Type: "stereotyped_as"})
	if !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("missing endpoint err = %v", err)
	}
	if err := g.UpsertRelation(ctx, Relation{SourceID: women, TargetID: CategoryID("Gender_identity"), Type: "stereotyped_as", Weight: 0.8}); err != nil {
		t.Fatal(err)
	}

	got, err := g.Neighborhood(ctx, women, nil, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Entity.Type != TypeSensitiveAttribute || got[0].Depth != 1 || got[0].Relation.Weight != 0.8 {
		t.Errorf("neighborhood = %+v", got)
	}

	resolved, err := g.Resolve(ctx, Terms("a female doctor"))
	if err != nil {
		t.Fatal(err)
	}
	if len(resolved) != 1 || resolved[0].ID != women {
		t.Errorf("resolve = %+v", resolved)
	}
}
