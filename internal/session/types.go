// Package session holds the records shared by every component of the
// controller: sessions, directive chains, directives, agent outputs and bias
// assessments.
package session

import (
	"time"
)

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// ChainState is the mitigation state of one directive chain.
type ChainState string

const (
	StatePending    ChainState = "pending"
	StateEvaluated  ChainState = "evaluated"
	StateMitigating ChainState = "mitigating"
	StateAccepted   ChainState = "accepted"
	StateAborted    ChainState = "aborted"
)

// Terminal reports whether no further directives may be issued.
func (s ChainState) Terminal() bool {
	return s == StateAccepted || s == StateAborted
}

// TurnOrder names the policy deciding the order agents take their turns.
type TurnOrder string

const (
	TurnRoundRobin TurnOrder = "round_robin"
	TurnPriority   TurnOrder = "priority"
)

// Directive is an instruction dispatched to one agent for one turn.
type Directive struct {
	ID                 string    `json:"id"`
	SessionID          string    `json:"session_id"`
	ChainID            string    `json:"chain_id"`
	TargetAgentID      string    `json:"target_agent_id"`
	Instruction        string    `json:"instruction"`
	ParentAssessmentID string    `json:"parent_assessment_id,omitempty"`
	RetryCount         int       `json:"retry_count"`
	IssuedAt           time.Time `json:"issued_at"`
}

// Usage tracks token consumption reported by the model behind an agent.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AgentOutput is the immutable response of an agent to exactly one directive.
type AgentOutput struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	ChainID     string    `json:"chain_id"`
	AgentID     string    `json:"agent_id"`
	DirectiveID string    `json:"directive_id"`
	TurnIndex   int       `json:"turn_index"`
	Content     string    `json:"content"`
	Usage       Usage     `json:"usage"`
	ProducedAt  time.Time `json:"produced_at"`
}

// BiasAssessment scores exactly one AgentOutput.
type BiasAssessment struct {
	ID          string             `json:"id"`
	OutputID    string             `json:"output_id"`
	SessionID   string             `json:"session_id"`
	ChainID     string             `json:"chain_id"`
	Score       float64            `json:"score"`
	Dimensions  map[string]float64 `json:"dimension_breakdown"`
	Semantic    map[string]float64 `json:"semantic,omitempty"`
	Graph       map[string]float64 `json:"graph,omitempty"`
	Dominant    string             `json:"dominant_dimension,omitempty"`
	Rationale   string             `json:"rationale"`
	EvaluatedAt time.Time          `json:"evaluated_at"`
}

// Chain is the directive chain of one agent within one session round.
type Chain struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"session_id"`
	AgentID     string            `json:"agent_id"`
	Round       int               `json:"round"`
	State       ChainState        `json:"state"`
	Directives  []*Directive      `json:"directives"`
	Outputs     []*AgentOutput    `json:"outputs"`
	Assessments []*BiasAssessment `json:"assessments"`
	Flagged     bool              `json:"flagged"`
	AbortReason string            `json:"abort_reason,omitempty"`
	Err         error             `json:"-"`
	Error       string            `json:"error,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Current returns the directive awaiting (or last given) an output.
func (c *Chain) Current() *Directive {
	if len(c.Directives) == 0 {
		return nil
	}
	return c.Directives[len(c.Directives)-1]
}

// LastOutput returns the most recent output, or nil.
func (c *Chain) LastOutput() *AgentOutput {
	if len(c.Outputs) == 0 {
		return nil
	}
	return c.Outputs[len(c.Outputs)-1]
}

// LastAssessment returns the most recent assessment, or nil.
func (c *Chain) LastAssessment() *BiasAssessment {
	if len(c.Assessments) == 0 {
		return nil
	}
	return c.Assessments[len(c.Assessments)-1]
}

// RetryCount is the retry count of the current directive.
func (c *Chain) RetryCount() int {
	if d := c.Current(); d != nil {
		return d.RetryCount
	}
	return 0
}

// Accepted returns the finalized output of an accepted chain.
func (c *Chain) Accepted() *AgentOutput {
	if c.State != StateAccepted {
		return nil
	}
	return c.LastOutput()
}

func (c *Chain) clone() *Chain {
	cp := *c
	cp.Directives = make([]*Directive, len(c.Directives))
	for i, d := range c.Directives {
		dd := *d
		cp.Directives[i] = &dd
	}
	cp.Outputs = make([]*AgentOutput, len(c.Outputs))
	for i, o := range c.Outputs {
		oo := *o
		cp.Outputs[i] = &oo
	}
	cp.Assessments = make([]*BiasAssessment, len(c.Assessments))
	for i, a := range c.Assessments {
		aa := *a
		aa.Dimensions = copyScores(a.Dimensions)
		aa.Semantic = copyScores(a.Semantic)
		aa.Graph = copyScores(a.Graph)
		cp.Assessments[i] = &aa
	}
	return &cp
}

func copyScores(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
