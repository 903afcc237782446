package bias

import (
	"math"

	"github.com/nidhogg/fairloop/internal/fault"
)

// Bias dimensions scored by default.
const (
	DimRepresentation = "representation"
	DimStereotyping   = "stereotyping"
	DimOmission       = "omission"
)

// SignalMix splits each dimension's score between the semantic and graph signals.
type SignalMix struct {
	Semantic float64 `json:"semantic" yaml:"semantic"`
	Graph    float64 `json:"graph" yaml:"graph"`
}

// Config parameterizes scoring and the mitigation decision.
type Config struct {
	Threshold          float64            `json:"threshold" yaml:"threshold"`
	Epsilon            float64            `json:"epsilon" yaml:"epsilon"`
	Weights            map[string]float64 `json:"weights" yaml:"weights"`
	SignalMix          SignalMix          `json:"signal_mix" yaml:"signal_mix"`
	RelationDimensions map[string]string  `json:"relation_dimensions" yaml:"relation_dimensions"`
	GraphDepth         int                `json:"graph_depth" yaml:"graph_depth"`
}

// DefaultConfig returns the scoring defaults.
func DefaultConfig() Config {
	return Config{
		Threshold: 0.5,
		Epsilon:   0.02,
		Weights: map[string]float64{
			DimRepresentation: 0.4,
			DimStereotyping:   0.4,
			DimOmission:       0.2,
		},
		SignalMix: SignalMix{Semantic: 0.6, Graph: 0.4},
		RelationDimensions: map[string]string{
			"stereotyped_as":      DimStereotyping,
			"stereotyped_in":      DimStereotyping,
			"underrepresented_in": DimRepresentation,
			"excluded_from":       DimOmission,
		},
		GraphDepth: 2,
	}
}

// Validate rejects configurations the evaluator cannot score with.
func (c Config) Validate() error {
	if c.Threshold <= 0 || c.Threshold > 1 {
		return fault.Invalid("threshold %v outside (0, 1]", c.Threshold)
	}
	if c.Epsilon < 0 || c.Epsilon >= c.Threshold {
		return fault.Invalid("epsilon %v must be in [0, threshold)", c.Epsilon)
	}
	if len(c.Weights) == 0 {
		return fault.Invalid("at least one dimension weight is required")
	}
	var sum float64
	for dim, w := range c.Weights {
		if w < 0 {
			return fault.Invalid("weight of %s is negative", dim)
		}
		sum += w
	}
	if sum == 0 {
		return fault.Invalid("dimension weights sum to zero")
	}
	if c.SignalMix.Semantic < 0 || c.SignalMix.Graph < 0 ||
		math.Abs(c.SignalMix.Semantic+c.SignalMix.Graph-1) > 1e-9 {
		return fault.Invalid("signal mix %v+%v must be non-negative and sum to 1", c.SignalMix.Semantic, c.SignalMix.Graph)
	}
	for rel, dim := range c.RelationDimensions {
		if _, ok := c.Weights[dim]; !ok {
			return fault.Invalid("relation %s maps to unknown dimension %s", rel, dim)
		}
	}
	if c.GraphDepth < 0 {
		return fault.Invalid("graph depth %d is negative", c.GraphDepth)
	}
	return nil
}

// NeedsMitigation reports whether score calls for mitigation. Scores within
// epsilon below the threshold count as biased.
func (c Config) NeedsMitigation(score float64) bool {
	return score >= c.Threshold-c.Epsilon
}
