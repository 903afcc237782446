// Package agent defines the capability every participant of a session has:
// produce an output for a directive. LLM-backed, rule-based and human
// participants all satisfy it.
package agent

import (
	"context"
	"errors"

	"github.com/nidhogg/fairloop/internal/session"
)

// ErrAgentNotFound is returned when an agent ID doesn't exist.
var ErrAgentNotFound = errors.New("agent not found")

// Kinds of agent.
const (
	KindLLM   = "llm"
	KindRule  = "rule"
	KindHuman = "human"
)

// Request is one turn handed to an agent.
type Request struct {
	Directive *session.Directive
	// Context holds accepted outputs of earlier rounds, oldest first.
	Context []string
}

// Response is what an agent produced for a Request.
type Response struct {
	Content string
	Usage   session.Usage
}

// Agent produces outputs. Produce must honor ctx cancellation.
type Agent interface {
	ID() string
	Kind() string
	Produce(ctx context.Context, req *Request) (*Response, error)
}
