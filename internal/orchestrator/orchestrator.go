// Package orchestrator runs sessions: it opens one directive chain per
// participant per round, dispatches turns through a bounded pool, records
// outputs, has them evaluated and lets the mitigation controller decide
// whether to accept, re-issue or abort.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/fairloop/internal/agent"
	"github.com/nidhogg/fairloop/internal/bias"
	"github.com/nidhogg/fairloop/internal/events"
	"github.com/nidhogg/fairloop/internal/fault"
	"github.com/nidhogg/fairloop/internal/graph"
	"github.com/nidhogg/fairloop/internal/memory"
	"github.com/nidhogg/fairloop/internal/mitigation"
	"github.com/nidhogg/fairloop/internal/session"
)

// Evaluator scores outputs.
type Evaluator interface {
	Evaluate(ctx context.Context, out *session.AgentOutput, ec bias.Context) (*session.BiasAssessment, error)
	NeedsMitigation(score float64) bool
}

// Agents resolves participants.
type Agents interface {
	Get(id string) (agent.Agent, bool)
	Priority(id string) int
}

// Config holds the loop parameters shared by every session.
type Config struct {
	Rounds             int
	AgentTimeout       time.Duration
	SessionTimeout     time.Duration
	TurnOrder          session.TurnOrder
	Concurrency        int
	EvaluationAttempts int
	EvaluationRetry    fault.Policy
	GraphDepth         int
	RelationTypes      []string
	ExemplarLimit      int
	VotePenalty        float64
	MinVoteWeight      float64
	Mitigation         mitigation.Config
}

// DefaultConfig returns the parameters used for unset fields.
func DefaultConfig() Config {
	return Config{
		Rounds:             1,
		AgentTimeout:       60 * time.Second,
		SessionTimeout:     10 * time.Minute,
		TurnOrder:          session.TurnRoundRobin,
		EvaluationAttempts: 3,
		EvaluationRetry: fault.Policy{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		},
		GraphDepth:    2,
		ExemplarLimit: 500,
		MinVoteWeight: 0.1,
		Mitigation:    mitigation.Config{RetryBudget: 2},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Rounds <= 0 {
		c.Rounds = d.Rounds
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = d.AgentTimeout
	}
	if c.TurnOrder == "" {
		c.TurnOrder = d.TurnOrder
	}
	if c.EvaluationAttempts <= 0 {
		c.EvaluationAttempts = d.EvaluationAttempts
	}
	if c.EvaluationRetry.InitialInterval <= 0 {
		c.EvaluationRetry = d.EvaluationRetry
	}
	c.EvaluationRetry.Attempts = c.EvaluationAttempts
	if c.GraphDepth <= 0 {
		c.GraphDepth = d.GraphDepth
	}
	if c.ExemplarLimit <= 0 {
		c.ExemplarLimit = d.ExemplarLimit
	}
	return c
}

// Deps are the components a session runs against.
type Deps struct {
	Agents    Agents
	Memory    memory.Store
	Graph     graph.Client
	Evaluator Evaluator
	Sink      events.Sink
}

// SessionSpec describes a session to start. Zero fields take the
// orchestrator's configured value.
type SessionSpec struct {
	ID           string            `json:"id,omitempty"`
	Task         string            `json:"task"`
	Participants []string          `json:"participants"`
	Rounds       int               `json:"rounds,omitempty"`
	RetryBudget  *int              `json:"retry_budget,omitempty"`
	TurnOrder    session.TurnOrder `json:"turn_order,omitempty"`
}

// Orchestrator runs sessions. It is safe for concurrent use; each session
// gets its own controller, vote ledger and context.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

// New validates the configuration and dependencies.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	if deps.Agents == nil || deps.Memory == nil || deps.Graph == nil || deps.Evaluator == nil {
		return nil, fault.Invalid("orchestrator needs agents, memory, graph and evaluator")
	}
	if deps.Sink == nil {
		deps.Sink = events.Discard{}
	}
	if !validTurnOrder(cfg.TurnOrder) {
		return nil, fault.Invalid("unknown turn order %q", cfg.TurnOrder)
	}
	if cfg.Concurrency < 0 {
		return nil, fault.Invalid("concurrency %d is negative", cfg.Concurrency)
	}
	// A malformed strategy template is a startup error.
	if _, err := mitigation.NewController(cfg.Mitigation, deps.Evaluator, logger); err != nil {
		return nil, err
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger, now: time.Now}, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Run prepares and executes a session, blocking until it is terminal.
func (o *Orchestrator) Run(ctx context.Context, spec SessionSpec) (*session.Session, error) {
	sess, err := o.Prepare(spec)
	if err != nil {
		return nil, err
	}
	if err := o.Execute(ctx, sess); err != nil {
		return sess, err
	}
	return sess, nil
}

// Prepare validates spec and returns a running session that has not yet
// dispatched any directive.
func (o *Orchestrator) Prepare(spec SessionSpec) (*session.Session, error) {
	if spec.Task == "" {
		return nil, fault.Invalid("session task is empty")
	}
	if len(spec.Participants) == 0 {
		return nil, fault.Invalid("session has no participants")
	}
	seen := make(map[string]bool, len(spec.Participants))
	for _, id := range spec.Participants {
		if seen[id] {
			return nil, fault.Invalid("participant %s listed twice", id)
		}
		seen[id] = true
		if _, ok := o.deps.Agents.Get(id); !ok {
			return nil, fault.Invalid("participant %s: %v", id, agent.ErrAgentNotFound)
		}
	}
	order := spec.TurnOrder
	if order == "" {
		order = o.cfg.TurnOrder
	}
	if !validTurnOrder(order) {
		return nil, fault.Invalid("unknown turn order %q", order)
	}
	budget := o.cfg.Mitigation.RetryBudget
	if spec.RetryBudget != nil {
		budget = *spec.RetryBudget
	}
	if budget < 0 {
		return nil, fault.Invalid("retry budget %d is negative", budget)
	}
	rounds := spec.Rounds
	if rounds <= 0 {
		rounds = o.cfg.Rounds
	}
	id := spec.ID
	if id == "" {
		id = uuid.New().String()
	}
	return &session.Session{
		ID:           id,
		Task:         spec.Task,
		Participants: append([]string(nil), spec.Participants...),
		TurnOrder:    order,
		Status:       session.StatusRunning,
		RetryBudget:  budget,
		Rounds:       rounds,
		StartedAt:    o.now(),
	}, nil
}

// Execute drives a prepared session to a terminal status. Agent,
// dependency and evaluation failures end up on the affected chains; only a
// configuration problem is returned as an error.
func (o *Orchestrator) Execute(ctx context.Context, sess *session.Session) error {
	snap := sess.Snapshot()
	mcfg := o.cfg.Mitigation
	mcfg.RetryBudget = snap.RetryBudget
	ctrl, err := mitigation.NewController(mcfg, o.deps.Evaluator, o.logger)
	if err != nil {
		return err
	}

	if o.cfg.SessionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.SessionTimeout)
		defer cancel()
	}

	r := &sessionRun{
		o:    o,
		sess: sess,
		ctrl: ctrl,
		log:  o.logger.With(zap.String("session", snap.ID)),
	}
	if o.cfg.VotePenalty > 0 {
		r.votes = mitigation.NewVoteLedger(o.cfg.VotePenalty, o.cfg.MinVoteWeight)
	}

	r.log.Info("session started",
		zap.Strings("participants", snap.Participants),
		zap.Int("rounds", snap.Rounds),
		zap.Int("retry_budget", snap.RetryBudget))
	o.emit(ctx, events.Event{
		Type:      events.SessionStarted,
		SessionID: snap.ID,
		State:     string(session.StatusRunning),
		Payload:   map[string]any{"participants": snap.Participants, "task": snap.Task},
	})

	var prior []string
	for round := 1; round <= snap.Rounds; round++ {
		if ctx.Err() != nil {
			break
		}
		chains := r.openRound(round)
		g := new(errgroup.Group)
		g.SetLimit(o.concurrency(len(chains)))
		for _, c := range chains {
			g.Go(func() error {
				r.runChain(ctx, c, prior)
				return nil
			})
		}
		_ = g.Wait()
		if ctx.Err() != nil {
			break
		}
		r.publishAccepted(ctx, round)
		prior = r.acceptedContext(ctx, round, prior)
	}

	r.finish(ctx)
	return nil
}

func (o *Orchestrator) concurrency(chains int) int {
	if o.cfg.Concurrency > 0 {
		return o.cfg.Concurrency
	}
	return max(chains, 1)
}

// emit sends e to the sink on a context that outlives session cancellation
// so final events still go out.
func (o *Orchestrator) emit(ctx context.Context, e events.Event) {
	if err := o.deps.Sink.Emit(context.WithoutCancel(ctx), e); err != nil {
		o.logger.Warn("emit event failed", zap.String("type", string(e.Type)), zap.Error(err))
	}
}

func sharedAcceptedKey(sessionID string, round int, agentID string) string {
	return fmt.Sprintf("%s%d:accepted:%s", roundPrefix(sessionID), round, agentID)
}

func roundPrefix(sessionID string) string {
	return fmt.Sprintf("session:%s:round:", sessionID)
}

func outputKey(directiveID string) string {
	return "output:" + directiveID
}
