// Package bias scores agent outputs for bias. Each configured dimension gets
// a semantic signal, from similarity to labeled exemplars, and a graph signal,
// from the sensitive attributes the output's entities connect to. The two are
// mixed per dimension and weighted into one score in [0, 1].
package bias

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/embedding"
	"github.com/nidhogg/fairloop/internal/fault"
	"github.com/nidhogg/fairloop/internal/graph"
	"github.com/nidhogg/fairloop/internal/memory"
	"github.com/nidhogg/fairloop/internal/session"
)

// Context is the evidence an output is scored against.
type Context struct {
	Memory []memory.Record
	Graph  []graph.Neighbor
}

// Evaluator produces BiasAssessments.
type Evaluator struct {
	cfg      Config
	dims     []string
	embedder embedding.Provider
	matcher  ExemplarMatcher
	logger   *zap.Logger
	now      func() time.Time
}

// NewEvaluator validates cfg and returns an evaluator. matcher may be nil.
func NewEvaluator(cfg Config, embedder embedding.Provider, matcher ExemplarMatcher, logger *zap.Logger) (*Evaluator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dims := make([]string, 0, len(cfg.Weights))
	for d := range cfg.Weights {
		dims = append(dims, d)
	}
	sort.Strings(dims)
	return &Evaluator{
		cfg:      cfg,
		dims:     dims,
		embedder: embedder,
		matcher:  matcher,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Config returns the scoring configuration.
func (e *Evaluator) Config() Config {
	return e.cfg
}

// Dimensions returns the scored dimensions in sorted order.
func (e *Evaluator) Dimensions() []string {
	return append([]string(nil), e.dims...)
}

// NeedsMitigation applies the configured decision rule.
func (e *Evaluator) NeedsMitigation(score float64) bool {
	return e.cfg.NeedsMitigation(score)
}

// Evaluate scores out against ec. Failure to embed or to query the exemplar
// index returns an error wrapping fault.ErrEvaluationUnavailable.
func (e *Evaluator) Evaluate(ctx context.Context, out *session.AgentOutput, ec Context) (*session.BiasAssessment, error) {
	if out == nil {
		return nil, fmt.Errorf("evaluate: nil output")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrEvaluationUnavailable, err)
	}

	semantic, closest, err := e.semantic(ctx, out.Content, ec.Memory)
	if err != nil {
		return nil, err
	}
	graphScores, sources := e.graphSignal(ec.Graph)

	a := &session.BiasAssessment{
		ID:          uuid.New().String(),
		OutputID:    out.ID,
		SessionID:   out.SessionID,
		ChainID:     out.ChainID,
		Dimensions:  make(map[string]float64, len(e.dims)),
		Semantic:    semantic,
		Graph:       graphScores,
		EvaluatedAt: e.now(),
	}

	var total, weights, best float64
	for _, d := range e.dims {
		sub := e.cfg.SignalMix.Semantic*semantic[d] + e.cfg.SignalMix.Graph*graphScores[d]
		a.Dimensions[d] = sub
		w := e.cfg.Weights[d]
		total += w * sub
		weights += w
		if w*sub > best {
			best = w * sub
			a.Dominant = d
		}
	}
	if weights > 0 {
		a.Score = clamp(total / weights)
	}
	a.Rationale = e.rationale(a, closest, sources)

	e.logger.Debug("output evaluated",
		zap.String("output", out.ID),
		zap.Float64("score", a.Score),
		zap.String("dominant", a.Dominant))
	return a, nil
}

// semantic returns per-dimension clamp(max sim violating - max sim neutral)
// and the closest violating exemplar per dimension.
func (e *Evaluator) semantic(ctx context.Context, text string, records []memory.Record) (map[string]float64, map[string]string, error) {
	var exemplars []Exemplar
	for _, r := range records {
		if ex, ok := ParseExemplar(r); ok {
			exemplars = append(exemplars, ex)
		}
	}

	sims := make(map[string]Similarity, len(e.dims))
	if len(exemplars) == 0 && e.matcher == nil {
		return zeroScores(e.dims), nil, nil
	}

	texts := make([]string, 0, len(exemplars)+1)
	texts = append(texts, text)
	for _, ex := range exemplars {
		texts = append(texts, ex.Text)
	}
	vecs, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: embed: %w", fault.ErrEvaluationUnavailable, err)
	}
	if len(vecs) != len(texts) {
		return nil, nil, fmt.Errorf("%w: embedder returned %d vectors for %d texts", fault.ErrEvaluationUnavailable, len(vecs), len(texts))
	}
	query := vecs[0]

	for i, ex := range exemplars {
		sim := embedding.Cosine(query, vecs[i+1])
		for _, d := range e.dims {
			if ex.Dimension != "" && ex.Dimension != d {
				continue
			}
			s := sims[d]
			if ex.Label == LabelViolating {
				s.ObserveViolating(sim, ex.Text)
			} else {
				s.ObserveNeutral(sim)
			}
			sims[d] = s
		}
	}

	if e.matcher != nil {
		indexed, err := e.matcher.Match(ctx, query, e.dims)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: exemplar index: %w", fault.ErrEvaluationUnavailable, err)
		}
		for d, m := range indexed {
			s := sims[d]
			s.Merge(m)
			sims[d] = s
		}
	}

	scores := make(map[string]float64, len(e.dims))
	closest := make(map[string]string, len(e.dims))
	for _, d := range e.dims {
		s := sims[d]
		scores[d] = s.Margin()
		closest[d] = s.Closest
	}
	return scores, closest, nil
}

// graphSignal returns per-dimension max(clamp(weight)/depth) over sensitive
// attribute neighbors, and the entity that produced each maximum.
func (e *Evaluator) graphSignal(neighbors []graph.Neighbor) (map[string]float64, map[string]string) {
	scores := zeroScores(e.dims)
	sources := make(map[string]string, len(e.dims))
	for _, n := range neighbors {
		if n.Entity.Type != graph.TypeSensitiveAttribute {
			continue
		}
		depth := max(n.Depth, 1)
		signal := clamp(n.Relation.Weight) / float64(depth)
		targets := e.dims
		if d, ok := e.cfg.RelationDimensions[n.Relation.Type]; ok {
			targets = []string{d}
		}
		name := n.Entity.Name()
		if name == "" {
			name = n.Entity.ID
		}
		for _, d := range targets {
			if signal > scores[d] {
				scores[d] = signal
				sources[d] = name
			}
		}
	}
	return scores, sources
}

func (e *Evaluator) rationale(a *session.BiasAssessment, closest, sources map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "bias score %.2f (threshold %.2f)", a.Score, e.cfg.Threshold)
	if a.Dominant == "" {
		b.WriteString("; no dimension shows bias evidence")
		return b.String()
	}
	d := a.Dominant
	fmt.Fprintf(&b, "; dominant dimension %s at %.2f: semantic signal %.2f, graph signal %.2f",
		d, a.Dimensions[d], a.Semantic[d], a.Graph[d])
	if src := sources[d]; src != "" {
		fmt.Fprintf(&b, " via sensitive attribute %s", src)
	}
	if ex := closest[d]; ex != "" && a.Semantic[d] > 0 {
		fmt.Fprintf(&b, "; closest violating exemplar: %q", ex)
	}
	return b.String()
}

func zeroScores(dims []string) map[string]float64 {
	m := make(map[string]float64, len(dims))
	for _, d := range dims {
		m[d] = 0
	}
	return m
}

func clamp(v float64) float64 {
	return min(max(v, 0), 1)
}
