// Package rag indexes bias exemplars in Qdrant so the evaluator can match an
// output against the whole exemplar corpus instead of the records in scope.
package rag

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/bias"
	"github.com/nidhogg/fairloop/internal/embedding"
	"github.com/nidhogg/fairloop/internal/memory"
	"github.com/nidhogg/fairloop/internal/vectorstore"
)

// DefaultCollection holds exemplar vectors.
const DefaultCollection = "bias_exemplars"

// anyDimension is the payload value of exemplars that apply to every dimension.
const anyDimension = "*"

// VectorStore is the subset of vectorstore.Client the index needs.
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, dimension uint64) error
	Upsert(ctx context.Context, collection string, points []vectorstore.Point) error
	Search(ctx context.Context, collection string, vector []float32, filter vectorstore.Filter, topK uint64) ([]*vectorstore.SearchResult, error)
}

// ExemplarIndex stores exemplars as points and answers nearest-exemplar
// queries per dimension and label. It implements bias.ExemplarMatcher.
type ExemplarIndex struct {
	embedder   embedding.Provider
	store      VectorStore
	collection string
	logger     *zap.Logger
}

// NewExemplarIndex creates an index over collection (DefaultCollection if empty).
func NewExemplarIndex(embedder embedding.Provider, store VectorStore, collection string, logger *zap.Logger) *ExemplarIndex {
	if collection == "" {
		collection = DefaultCollection
	}
	return &ExemplarIndex{embedder: embedder, store: store, collection: collection, logger: logger}
}

// Init ensures the collection exists.
func (x *ExemplarIndex) Init(ctx context.Context) error {
	dim := uint64(x.embedder.Dimension())
	if dim == 0 {
		dim = 1024
	}
	if err := x.store.EnsureCollection(ctx, x.collection, dim); err != nil {
		return fmt.Errorf("init collection %s: %w", x.collection, err)
	}
	return nil
}

// PointID derives a stable point id from an exemplar key so that re-indexing
// replaces rather than duplicates.
func PointID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("fairloop:"+key)).String()
}

// Index embeds and upserts the exemplar records among recs. It returns the
// number of points written.
func (x *ExemplarIndex) Index(ctx context.Context, recs []memory.Record) (int, error) {
	var exemplars []bias.Exemplar
	for _, r := range recs {
		if ex, ok := bias.ParseExemplar(r); ok {
			exemplars = append(exemplars, ex)
		}
	}
	if len(exemplars) == 0 {
		return 0, nil
	}

	texts := make([]string, len(exemplars))
	for i, ex := range exemplars {
		texts[i] = ex.Text
	}
	vecs, err := x.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed exemplars: %w", err)
	}
	if len(vecs) != len(exemplars) {
		return 0, fmt.Errorf("embed exemplars: got %d vectors for %d texts", len(vecs), len(exemplars))
	}

	points := make([]vectorstore.Point, len(exemplars))
	for i, ex := range exemplars {
		dim := ex.Dimension
		if dim == "" {
			dim = anyDimension
		}
		points[i] = vectorstore.Point{
			ID:     PointID(ex.Key),
			Vector: vecs[i],
			Payload: map[string]string{
				"key":       ex.Key,
				"content":   ex.Text,
				"label":     ex.Label,
				"dimension": dim,
			},
		}
	}
	if err := x.store.Upsert(ctx, x.collection, points); err != nil {
		return 0, err
	}
	x.logger.Debug("indexed exemplars", zap.String("collection", x.collection), zap.Int("count", len(points)))
	return len(points), nil
}

// Match returns, per dimension, the best violating and neutral similarity.
func (x *ExemplarIndex) Match(ctx context.Context, vector []float32, dimensions []string) (map[string]bias.Similarity, error) {
	out := make(map[string]bias.Similarity, len(dimensions))
	for _, d := range dimensions {
		var s bias.Similarity
		for _, label := range []string{bias.LabelViolating, bias.LabelNeutral} {
			hits, err := x.store.Search(ctx, x.collection, vector, vectorstore.Filter{
				"label":     {label},
				"dimension": {d, anyDimension},
			}, 1)
			if err != nil {
				return nil, err
			}
			if len(hits) == 0 {
				continue
			}
			score := float64(hits[0].Score)
			if label == bias.LabelViolating {
				s.ObserveViolating(score, hits[0].Payload["content"])
			} else {
				s.ObserveNeutral(score)
			}
		}
		out[d] = s
	}
	return out, nil
}
