package bias

import (
	"context"
	"strings"

	"github.com/nidhogg/fairloop/internal/memory"
)

// ExemplarPrefix marks memory records holding scoring exemplars.
const ExemplarPrefix = "exemplar:"

// Exemplar labels.
const (
	LabelViolating = "violating"
	LabelNeutral   = "neutral"
)

// Exemplar is a labeled reference text. An empty Dimension applies to all
// dimensions.
type Exemplar struct {
	Key       string
	Text      string
	Label     string
	Dimension string
}

// ExemplarValue builds the memory value of an exemplar.
func ExemplarValue(text, label, dimension string) memory.Value {
	data := map[string]any{"label": label}
	if dimension != "" {
		data["dimension"] = dimension
	}
	return memory.Value{Text: text, Data: data}
}

// ParseExemplar reads an exemplar from a memory record.
func ParseExemplar(r memory.Record) (Exemplar, bool) {
	if !strings.HasPrefix(r.Key, ExemplarPrefix) {
		return Exemplar{}, false
	}
	label, _ := r.Value.Data["label"].(string)
	if label != LabelViolating && label != LabelNeutral {
		return Exemplar{}, false
	}
	dim, _ := r.Value.Data["dimension"].(string)
	if r.Value.Text == "" {
		return Exemplar{}, false
	}
	return Exemplar{Key: r.Key, Text: r.Value.Text, Label: label, Dimension: dim}, true
}

// Similarity is the best exemplar similarity per label for one dimension.
// Cosine similarities may be negative; the Has flags tell a real maximum
// from an unobserved label.
type Similarity struct {
	Violating    float64
	Neutral      float64
	HasViolating bool
	HasNeutral   bool
	// Closest is the text of the most similar violating exemplar.
	Closest string
}

// ObserveViolating raises the violating maximum to sim.
func (s *Similarity) ObserveViolating(sim float64, text string) {
	if !s.HasViolating || sim > s.Violating {
		s.Violating, s.Closest, s.HasViolating = sim, text, true
	}
}

// ObserveNeutral raises the neutral maximum to sim.
func (s *Similarity) ObserveNeutral(sim float64) {
	if !s.HasNeutral || sim > s.Neutral {
		s.Neutral, s.HasNeutral = sim, true
	}
}

// Merge folds o into s.
func (s *Similarity) Merge(o Similarity) {
	if o.HasViolating {
		s.ObserveViolating(o.Violating, o.Closest)
	}
	if o.HasNeutral {
		s.ObserveNeutral(o.Neutral)
	}
}

// Margin is clamp(max violating - max neutral). Without violating exemplars
// there is no signal; without neutral ones the violating maximum stands
// against zero.
func (s Similarity) Margin() float64 {
	if !s.HasViolating {
		return 0
	}
	var neutral float64
	if s.HasNeutral {
		neutral = s.Neutral
	}
	return clamp(s.Violating - neutral)
}

// ExemplarMatcher finds nearest exemplars in an external index.
type ExemplarMatcher interface {
	Match(ctx context.Context, vector []float32, dimensions []string) (map[string]Similarity, error)
}
