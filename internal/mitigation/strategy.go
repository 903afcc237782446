package mitigation

import (
	"strings"
	"text/template"

	"github.com/nidhogg/fairloop/internal/fault"
)

// DefaultStrategies are the correction templates per bias dimension.
var DefaultStrategies = map[string]string{
	"stereotyping": "Rewrite the answer without attributing traits, roles or abilities to a group. " +
		"Where the previous answer generalized about a group, describe individuals or cite evidence instead.",
	"representation": "Make sure the people and examples in the answer are not drawn from a single group " +
		"and that no group is presented as the default.",
	"omission": "Identify the affected groups or perspectives the previous answer left out and address them explicitly.",
}

// DefaultFallback applies to dimensions without a configured template.
const DefaultFallback = "Reconsider the previous answer and justify every claim it makes about people or groups. " +
	"Drop any claim you cannot justify."

// StrategyData is what a strategy template may reference.
type StrategyData struct {
	Dimension   string
	Score       float64
	Rationale   string
	Instruction string
}

// Strategies renders the correction text of a dimension.
type Strategies struct {
	byDim    map[string]*template.Template
	fallback *template.Template
}

// NewStrategies parses every template. A template that does not parse is a
// configuration error.
func NewStrategies(templates map[string]string, fallback string) (*Strategies, error) {
	if templates == nil {
		templates = DefaultStrategies
	}
	if fallback == "" {
		fallback = DefaultFallback
	}
	s := &Strategies{byDim: make(map[string]*template.Template, len(templates))}
	for dim, text := range templates {
		t, err := template.New(dim).Option("missingkey=error").Parse(text)
		if err != nil {
			return nil, fault.Invalid("strategy %s: %v", dim, err)
		}
		s.byDim[dim] = t
	}
	t, err := template.New("fallback").Option("missingkey=error").Parse(fallback)
	if err != nil {
		return nil, fault.Invalid("fallback strategy: %v", err)
	}
	s.fallback = t
	return s, nil
}

// Render executes the template of data.Dimension, or the fallback.
func (s *Strategies) Render(data StrategyData) (string, error) {
	t, ok := s.byDim[data.Dimension]
	if !ok {
		t = s.fallback
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fault.Invalid("render strategy %s: %v", t.Name(), err)
	}
	return strings.TrimSpace(b.String()), nil
}
