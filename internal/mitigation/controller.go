// Package mitigation is the per-chain state machine that turns bias
// assessments into accept, re-issue or abort decisions, bounded by a retry
// budget.
//
//	Pending -> Evaluated -> Accepted
//	                     -> Mitigating -> Pending
//	                     -> Aborted
//
// A failed or timed-out turn moves Pending straight to Mitigating or
// Aborted, spending budget the same way a mitigation does. Any non-terminal
// chain can be force-aborted.
package mitigation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/fault"
	"github.com/nidhogg/fairloop/internal/session"
)

// ErrInvalidTransition is returned for operations the chain's state forbids.
var ErrInvalidTransition = errors.New("invalid chain transition")

// Abort reasons.
const (
	ReasonBudgetExhausted       = "retry_budget_exhausted"
	ReasonAgentFailure          = "agent_failure"
	ReasonAgentTimeout          = "agent_timeout"
	ReasonEvaluationUnavailable = "evaluation_unavailable"
	ReasonSessionTimeout        = "session_timeout"
	ReasonCancelled             = "cancelled"
)

// Judge decides whether a score requires mitigation.
type Judge interface {
	NeedsMitigation(score float64) bool
}

// Action is the outcome of a decision.
type Action string

const (
	ActionAccept   Action = "accept"
	ActionMitigate Action = "mitigate"
	ActionAbort    Action = "abort"
)

// Transition is one state change of a chain.
type Transition struct {
	From session.ChainState `json:"from"`
	To   session.ChainState `json:"to"`
	At   time.Time          `json:"at"`
}

// Decision reports what Resolve did to a chain.
type Decision struct {
	Action      Action
	Next        *session.Directive
	Transitions []Transition
}

// Config holds the controller's parameters.
type Config struct {
	RetryBudget      int               `json:"retry_budget" yaml:"retry_budget"`
	Strategies       map[string]string `json:"strategies" yaml:"strategies"`
	FallbackStrategy string            `json:"fallback_strategy" yaml:"fallback_strategy"`
}

// Controller applies decisions to chains. It holds no per-chain state, so
// one controller serves every session; callers serialize access to a chain.
type Controller struct {
	budget     int
	judge      Judge
	strategies *Strategies
	logger     *zap.Logger
	now        func() time.Time
}

// NewController validates cfg and parses its strategy templates.
func NewController(cfg Config, judge Judge, logger *zap.Logger) (*Controller, error) {
	if cfg.RetryBudget < 0 {
		return nil, fault.Invalid("retry budget %d is negative", cfg.RetryBudget)
	}
	if judge == nil {
		return nil, fault.Invalid("mitigation controller needs a judge")
	}
	strategies, err := NewStrategies(cfg.Strategies, cfg.FallbackStrategy)
	if err != nil {
		return nil, err
	}
	return &Controller{
		budget:     cfg.RetryBudget,
		judge:      judge,
		strategies: strategies,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Budget returns the retry budget of new chains.
func (c *Controller) Budget() int {
	return c.budget
}

// Begin opens a chain with its first directive.
func (c *Controller) Begin(sessionID, agentID string, round int, instruction string) *session.Chain {
	now := c.now()
	chain := &session.Chain{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		AgentID:   agentID,
		Round:     round,
		State:     session.StatePending,
		UpdatedAt: now,
	}
	chain.Directives = append(chain.Directives, &session.Directive{
		ID:            uuid.New().String(),
		SessionID:     sessionID,
		ChainID:       chain.ID,
		TargetAgentID: agentID,
		Instruction:   instruction,
		IssuedAt:      now,
	})
	return chain
}

// RecordOutput attaches the output of the chain's current directive.
func (c *Controller) RecordOutput(chain *session.Chain, out *session.AgentOutput) error {
	if chain.State != session.StatePending {
		return fmt.Errorf("%w: record output in state %s", ErrInvalidTransition, chain.State)
	}
	d := chain.Current()
	if d == nil || out.DirectiveID != d.ID {
		return fmt.Errorf("%w: output %s does not answer current directive", ErrInvalidTransition, out.ID)
	}
	if last := chain.LastOutput(); last != nil && last.DirectiveID == d.ID {
		return fmt.Errorf("%w: directive %s already answered", ErrInvalidTransition, d.ID)
	}
	out.ChainID = chain.ID
	out.SessionID = chain.SessionID
	out.AgentID = chain.AgentID
	chain.Outputs = append(chain.Outputs, out)
	chain.UpdatedAt = c.now()
	return nil
}

// Resolve records the assessment of the chain's last output and decides.
func (c *Controller) Resolve(chain *session.Chain, a *session.BiasAssessment) (Decision, error) {
	if chain.State != session.StatePending {
		return Decision{}, fmt.Errorf("%w: resolve in state %s", ErrInvalidTransition, chain.State)
	}
	out := chain.LastOutput()
	d := chain.Current()
	if out == nil || out.DirectiveID != d.ID {
		return Decision{}, fmt.Errorf("%w: current directive has no output", ErrInvalidTransition)
	}
	if a.OutputID != out.ID {
		return Decision{}, fmt.Errorf("%w: assessment %s is not for output %s", ErrInvalidTransition, a.ID, out.ID)
	}

	var dec Decision
	chain.Assessments = append(chain.Assessments, a)
	c.move(chain, &dec, session.StateEvaluated)

	switch {
	case !c.judge.NeedsMitigation(a.Score):
		dec.Action = ActionAccept
		c.move(chain, &dec, session.StateAccepted)
	case d.RetryCount < c.budget:
		strategy, err := c.strategies.Render(StrategyData{
			Dimension:   a.Dominant,
			Score:       a.Score,
			Rationale:   a.Rationale,
			Instruction: chain.Directives[0].Instruction,
		})
		if err != nil {
			return dec, err
		}
		dec.Action = ActionMitigate
		c.move(chain, &dec, session.StateMitigating)
		dec.Next = c.reissue(chain, a.ID, chain.Directives[0].Instruction, c.correction(d.RetryCount+1, a, strategy))
		c.move(chain, &dec, session.StatePending)
	default:
		dec.Action = ActionAbort
		chain.Flagged = true
		c.abort(chain, &dec, ReasonBudgetExhausted,
			fmt.Errorf("%w: score %.2f after %d attempts", fault.ErrRetryBudgetExhausted, a.Score, d.RetryCount+1))
	}

	c.logger.Debug("chain resolved",
		zap.String("chain", chain.ID),
		zap.String("action", string(dec.Action)),
		zap.Float64("score", a.Score),
		zap.Int("retry", d.RetryCount))
	return dec, nil
}

// ResolveFailure handles a turn that produced no output. The failed attempt
// counts against the budget.
func (c *Controller) ResolveFailure(chain *session.Chain, cause error) (Decision, error) {
	if chain.State != session.StatePending {
		return Decision{}, fmt.Errorf("%w: resolve failure in state %s", ErrInvalidTransition, chain.State)
	}
	d := chain.Current()
	if out := chain.LastOutput(); out != nil && out.DirectiveID == d.ID {
		return Decision{}, fmt.Errorf("%w: directive %s has an output", ErrInvalidTransition, d.ID)
	}

	reason := ReasonAgentFailure
	what := "failed"
	if errors.Is(cause, fault.ErrTimeout) {
		reason = ReasonAgentTimeout
		what = "timed out"
	}

	var dec Decision
	if d.RetryCount < c.budget {
		dec.Action = ActionMitigate
		c.move(chain, &dec, session.StateMitigating)
		note := fmt.Sprintf("[retry %d of %d] The previous attempt %s before producing an answer. Answer the instruction again.",
			d.RetryCount+1, c.budget, what)
		dec.Next = c.reissue(chain, d.ParentAssessmentID, correctedInstruction(chain, d), note)
		c.move(chain, &dec, session.StatePending)
	} else {
		dec.Action = ActionAbort
		chain.Flagged = len(chain.Outputs) > 0
		c.abort(chain, &dec, reason, fmt.Errorf("%w: last attempt %s: %w", fault.ErrRetryBudgetExhausted, what, cause))
	}
	c.logger.Debug("chain turn failed",
		zap.String("chain", chain.ID),
		zap.String("action", string(dec.Action)),
		zap.Error(cause))
	return dec, nil
}

// ForceAbort terminates a non-terminal chain without spending budget.
func (c *Controller) ForceAbort(chain *session.Chain, reason string, cause error) (Decision, error) {
	if chain.State.Terminal() {
		return Decision{}, fmt.Errorf("%w: abort in state %s", ErrInvalidTransition, chain.State)
	}
	dec := Decision{Action: ActionAbort}
	chain.Flagged = len(chain.Outputs) > 0
	c.abort(chain, &dec, reason, cause)
	return dec, nil
}

func (c *Controller) correction(attempt int, a *session.BiasAssessment, strategy string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[bias correction %d of %d]\n", attempt, c.budget)
	if a.Dominant != "" {
		fmt.Fprintf(&b, "The previous answer scored %.2f for bias, mostly on %s.\n", a.Score, a.Dominant)
	} else {
		fmt.Fprintf(&b, "The previous answer scored %.2f for bias.\n", a.Score)
	}
	fmt.Fprintf(&b, "Assessment: %s\n", a.Rationale)
	b.WriteString(strategy)
	return b.String()
}

// correctedInstruction is the instruction of the first directive sharing d's
// parent assessment, so the latest bias correction survives failed turns
// without stacking retry notes.
func correctedInstruction(chain *session.Chain, d *session.Directive) string {
	for _, prev := range chain.Directives {
		if prev.ParentAssessmentID == d.ParentAssessmentID {
			return prev.Instruction
		}
	}
	return d.Instruction
}

func (c *Controller) reissue(chain *session.Chain, parentAssessment, base, note string) *session.Directive {
	prev := chain.Current()
	next := &session.Directive{
		ID:                 uuid.New().String(),
		SessionID:          chain.SessionID,
		ChainID:            chain.ID,
		TargetAgentID:      chain.AgentID,
		Instruction:        base + "\n\n" + note,
		ParentAssessmentID: parentAssessment,
		RetryCount:         prev.RetryCount + 1,
		IssuedAt:           c.now(),
	}
	chain.Directives = append(chain.Directives, next)
	return next
}

func (c *Controller) abort(chain *session.Chain, dec *Decision, reason string, cause error) {
	chain.AbortReason = reason
	chain.Err = cause
	if cause != nil {
		chain.Error = cause.Error()
	}
	c.move(chain, dec, session.StateAborted)
}

func (c *Controller) move(chain *session.Chain, dec *Decision, to session.ChainState) {
	now := c.now()
	dec.Transitions = append(dec.Transitions, Transition{From: chain.State, To: to, At: now})
	chain.State = to
	chain.UpdatedAt = now
}
