package agent

import (
	"context"
	"strings"
)

// Rule maps instruction keywords to a canned reply.
type Rule struct {
	Keywords []string `json:"keywords" yaml:"keywords"`
	Reply    string   `json:"reply" yaml:"reply"`
}

// RuleBased is a deterministic agent: it answers with the reply of the first
// rule whose keywords all occur in the instruction, or with its default.
type RuleBased struct {
	id       string
	rules    []Rule
	fallback string
}

// NewRuleBased creates a rule-based agent.
func NewRuleBased(id string, rules []Rule, fallback string) *RuleBased {
	return &RuleBased{id: id, rules: rules, fallback: fallback}
}

func (a *RuleBased) ID() string   { return a.id }
func (a *RuleBased) Kind() string { return KindRule }

func (a *RuleBased) Produce(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := strings.ToLower(req.Directive.Instruction)
	for _, r := range a.rules {
		if matchesAll(text, r.Keywords) {
			return &Response{Content: r.Reply}, nil
		}
	}
	return &Response{Content: a.fallback}, nil
}

func matchesAll(text string, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	for _, k := range keywords {
		if !strings.Contains(text, strings.ToLower(k)) {
			return false
		}
	}
	return true
}
