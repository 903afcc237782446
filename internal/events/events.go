// Package events publishes what happens inside the control loop: sessions
// starting and finishing, directives, outputs, assessments and chain state
// transitions. Sinks are best-effort; a failing sink never stalls a session.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type names an event.
type Type string

const (
	SessionStarted    Type = "session.started"
	SessionFinished   Type = "session.finished"
	DirectiveIssued   Type = "directive.issued"
	OutputRecorded    Type = "output.recorded"
	AssessmentCreated Type = "assessment.created"
	ChainTransition   Type = "chain.transition"
	ChainFlagged      Type = "chain.flagged"
)

// Event is one observation. Score is set for assessments and flags; Payload
// carries type-specific fields such as "from", "to", "dominant" or "reason".
type Event struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	SessionID   string         `json:"session_id"`
	ChainID     string         `json:"chain_id,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	DirectiveID string         `json:"directive_id,omitempty"`
	State       string         `json:"state,omitempty"`
	Score       float64        `json:"score,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	At          time.Time      `json:"at"`
}

// String returns a payload field as a string, or "".
func (e Event) String(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// Sink receives events.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(context.Context, Event) error { return nil }

// Fanout delivers each event to every sink in order, logging failures.
type Fanout struct {
	sinks  []Sink
	logger *zap.Logger
}

// NewFanout creates a fanout over sinks.
func NewFanout(logger *zap.Logger, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, logger: logger}
}

// Add appends a sink.
func (f *Fanout) Add(s Sink) { f.sinks = append(f.sinks, s) }

// Emit stamps the event with an ID and time when missing and forwards it.
// It always returns nil.
func (f *Fanout) Emit(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	for _, s := range f.sinks {
		if err := s.Emit(ctx, e); err != nil {
			f.logger.Warn("event sink failed",
				zap.String("type", string(e.Type)),
				zap.String("session", e.SessionID),
				zap.Error(err))
		}
	}
	return nil
}
