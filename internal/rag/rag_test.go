package rag

import (
	"context"
	"errors"
	"slices"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/bias"
	"github.com/nidhogg/fairloop/internal/embedding"
	"github.com/nidhogg/fairloop/internal/memory"
	"github.com/nidhogg/fairloop/internal/vectorstore"
)

// memVectors is an in-process VectorStore doing exact cosine search.
type memVectors struct {
	dim    uint64
	points map[string]vectorstore.Point
	err    error
}

func (m *memVectors) EnsureCollection(_ context.Context, _ string, dimension uint64) error {
	m.dim = dimension
	return m.err
}

func (m *memVectors) Upsert(_ context.Context, _ string, points []vectorstore.Point) error {
	if m.err != nil {
		return m.err
	}
	if m.points == nil {
		m.points = map[string]vectorstore.Point{}
	}
	for _, p := range points {
		m.points[p.ID] = p
	}
	return nil
}

func (m *memVectors) Search(_ context.Context, _ string, vector []float32, filter vectorstore.Filter, topK uint64) ([]*vectorstore.SearchResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	var best *vectorstore.SearchResult
	for id, p := range m.points {
		ok := true
		for k, vals := range filter {
			if !slices.Contains(vals, p.Payload[k]) {
				ok = false
			}
		}
		if !ok {
			continue
		}
		s := float32(embedding.Cosine(vector, p.Vector))
		if best == nil || s > best.Score {
			best = &vectorstore.SearchResult{ID: id, Score: s, Payload: p.Payload}
		}
	}
	if best == nil || topK == 0 {
		return nil, nil
	}
	return []*vectorstore.SearchResult{best}, nil
}

func TestExemplarIndex(t *testing.T) {
	emb := embedding.NewHashProvider(64)
	store := &memVectors{}
	x := NewExemplarIndex(emb, store, "", zap.NewNop())
	ctx := context.Background()

	if err := x.Init(ctx); err != nil || store.dim != 64 {
		t.Fatalf("init: %v dim=%d", err, store.dim)
	}

	recs := []memory.Record{
		{Key: "exemplar:1", Value: bias.ExemplarValue("women are too emotional to lead", bias.LabelViolating, bias.DimStereotyping)},
		{Key: "exemplar:2", Value: bias.ExemplarValue("leaders come from every background", bias.LabelNeutral, "")},
		{Key: "other", Value: memory.Value{Text: "ignored"}},
	}
	n, err := x.Index(ctx, recs)
	if err != nil || n != 2 {
		t.Fatalf("index = %d, %v", n, err)
	}
	// Re-indexing the same keys does not add points.
	if _, err := x.Index(ctx, recs); err != nil || len(store.points) != 2 {
		t.Fatalf("reindex duplicated points: %d", len(store.points))
	}

	q, _ := emb.Embed(ctx, []string{"women are too emotional to lead"})
	sims, err := x.Match(ctx, q[0], []string{bias.DimStereotyping, bias.DimOmission})
	if err != nil {
		t.Fatal(err)
	}
	st := sims[bias.DimStereotyping]
	if st.Violating < 0.99 || st.Closest != "women are too emotional to lead" {
		t.Errorf("stereotyping match = %+v", st)
	}
	om := sims[bias.DimOmission]
	if om.Violating != 0 || om.Closest != "" {
		t.Errorf("dimension-scoped violating exemplar matched omission: %+v", om)
	}

	if PointID("exemplar:1") != PointID("exemplar:1") || PointID("exemplar:1") == PointID("exemplar:2") {
		t.Error("point ids not stable")
	}
}

func TestExemplarIndex_StoreErrors(t *testing.T) {
	down := errors.New("qdrant down")
	x := NewExemplarIndex(embedding.NewHashProvider(8), &memVectors{err: down}, "c", zap.NewNop())
	if _, err := x.Match(context.Background(), make([]float32, 8), []string{"d"}); !errors.Is(err, down) {
		t.Errorf("match err = %v", err)
	}
	if _, err := x.Index(context.Background(), []memory.Record{
		{Key: "exemplar:1", Value: bias.ExemplarValue("x y", bias.LabelNeutral, "")},
	}); !errors.Is(err, down) {
		t.Errorf("index err = %v", err)
	}
}
