package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/agent"
	"github.com/nidhogg/fairloop/internal/bias"
	"github.com/nidhogg/fairloop/internal/events"
	"github.com/nidhogg/fairloop/internal/fault"
	"github.com/nidhogg/fairloop/internal/graph"
	"github.com/nidhogg/fairloop/internal/memory"
	"github.com/nidhogg/fairloop/internal/mitigation"
	"github.com/nidhogg/fairloop/internal/session"
)

// reasonUnresolved marks chains an internal error left open.
const reasonUnresolved = "unresolved"

// sessionRun is the state of one executing session. Chain fields are only
// touched under sess.Mutate / sess.View.
type sessionRun struct {
	o     *Orchestrator
	sess  *session.Session
	ctrl  *mitigation.Controller
	votes *mitigation.VoteLedger
	log   *zap.Logger
}

// openRound opens one chain per participant in turn order.
func (r *sessionRun) openRound(round int) []*session.Chain {
	var chains []*session.Chain
	r.sess.Mutate(func(s *session.Session) {
		s.Round = round
		for _, id := range r.o.turnOrder(s.TurnOrder, s.Participants, round) {
			c := r.ctrl.Begin(s.ID, id, round, s.Task)
			s.Chains = append(s.Chains, c)
			chains = append(chains, c)
		}
	})
	return chains
}

// runChain drives one chain until it is terminal or the session context
// ends. Output N+1 is never requested before output N is resolved.
func (r *sessionRun) runChain(ctx context.Context, chain *session.Chain, prior []string) {
	a, _ := r.o.deps.Agents.Get(chain.AgentID)
	log := r.log.With(zap.String("chain", chain.ID), zap.String("agent", chain.AgentID))

	for {
		var (
			d    session.Directive
			done bool
			turn int
		)
		r.sess.View(func(*session.Session) {
			done = chain.State.Terminal()
			if !done {
				d = *chain.Current()
				turn = len(chain.Outputs)
			}
		})
		if done || ctx.Err() != nil {
			return
		}

		r.o.emit(ctx, events.Event{
			Type:        events.DirectiveIssued,
			SessionID:   d.SessionID,
			ChainID:     d.ChainID,
			AgentID:     d.TargetAgentID,
			DirectiveID: d.ID,
			Payload:     map[string]any{"retry_count": d.RetryCount},
		})

		resp, err := r.produce(ctx, a, &d, prior)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("agent turn failed", zap.String("directive", d.ID), zap.Error(err))
			r.apply(ctx, chain, func() (mitigation.Decision, error) {
				return r.ctrl.ResolveFailure(chain, err)
			})
			continue
		}

		out := &session.AgentOutput{
			ID:          uuid.New().String(),
			DirectiveID: d.ID,
			TurnIndex:   turn,
			Content:     resp.Content,
			Usage:       resp.Usage,
			ProducedAt:  r.o.now(),
		}
		var recErr error
		r.sess.Mutate(func(*session.Session) { recErr = r.ctrl.RecordOutput(chain, out) })
		if recErr != nil {
			log.Error("record output", zap.Error(recErr))
			return
		}
		r.persistOutput(ctx, out)
		r.o.emit(ctx, events.Event{
			Type:        events.OutputRecorded,
			SessionID:   out.SessionID,
			ChainID:     out.ChainID,
			AgentID:     out.AgentID,
			DirectiveID: out.DirectiveID,
			Payload:     map[string]any{"output_id": out.ID, "turn": out.TurnIndex},
		})

		assessment, err := r.evaluate(ctx, out)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("evaluation unavailable, aborting chain", zap.Error(err))
			r.apply(ctx, chain, func() (mitigation.Decision, error) {
				return r.ctrl.ForceAbort(chain, mitigation.ReasonEvaluationUnavailable, err)
			})
			return
		}
		r.o.emit(ctx, events.Event{
			Type:        events.AssessmentCreated,
			SessionID:   out.SessionID,
			ChainID:     out.ChainID,
			AgentID:     out.AgentID,
			DirectiveID: out.DirectiveID,
			Score:       assessment.Score,
			Payload: map[string]any{
				"assessment_id": assessment.ID,
				"output_id":     out.ID,
				"dominant":      assessment.Dominant,
				"dimensions":    assessment.Dimensions,
			},
		})
		dec := r.apply(ctx, chain, func() (mitigation.Decision, error) {
			return r.ctrl.Resolve(chain, assessment)
		})
		if dec.Action == mitigation.ActionMitigate && r.votes != nil {
			w := r.votes.Penalize(chain.AgentID, assessment.Score)
			log.Debug("vote weight lowered", zap.Float64("weight", w))
		}
	}
}

// produce runs one agent turn bounded by the per-turn timeout.
func (r *sessionRun) produce(ctx context.Context, a agent.Agent, d *session.Directive, prior []string) (*agent.Response, error) {
	tctx, cancel := context.WithTimeout(ctx, r.o.cfg.AgentTimeout)
	defer cancel()
	resp, err := a.Produce(tctx, &agent.Request{Directive: d, Context: prior})
	if err != nil {
		if ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: agent %s after %s: %w", fault.ErrTimeout, a.ID(), r.o.cfg.AgentTimeout, err)
		}
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("agent %s returned no response", a.ID())
	}
	return resp, nil
}

// apply runs a controller decision under the session lock and publishes its
// transitions.
func (r *sessionRun) apply(ctx context.Context, chain *session.Chain, decide func() (mitigation.Decision, error)) mitigation.Decision {
	var (
		dec     mitigation.Decision
		err     error
		flagged bool
		state   session.ChainState
		reason  string
		round   int
		last    *session.BiasAssessment
		output  string
	)
	r.sess.Mutate(func(*session.Session) {
		dec, err = decide()
		flagged = chain.Flagged
		state = chain.State
		reason = chain.AbortReason
		round = chain.Round
		last = chain.LastAssessment()
		if o := chain.LastOutput(); o != nil {
			output = o.Content
		}
	})
	if err != nil {
		r.log.Error("chain decision rejected", zap.String("chain", chain.ID), zap.Error(err))
		return dec
	}
	for _, t := range dec.Transitions {
		r.o.emit(ctx, events.Event{
			Type:      events.ChainTransition,
			SessionID: chain.SessionID,
			ChainID:   chain.ID,
			AgentID:   chain.AgentID,
			State:     string(t.To),
			Payload:   map[string]any{"from": string(t.From), "to": string(t.To), "action": string(dec.Action)},
			At:        t.At,
		})
	}
	if state == session.StateAborted && flagged {
		e := events.Event{
			Type:      events.ChainFlagged,
			SessionID: chain.SessionID,
			ChainID:   chain.ID,
			AgentID:   chain.AgentID,
			State:     string(state),
			Payload:   map[string]any{"reason": reason, "round": round, "output": output},
		}
		if last != nil {
			e.Score = last.Score
			e.Payload["dominant"] = last.Dominant
			e.Payload["rationale"] = last.Rationale
		}
		r.log.Warn("chain flagged for review",
			zap.String("chain", chain.ID),
			zap.String("agent", chain.AgentID),
			zap.String("reason", reason))
		r.o.emit(ctx, e)
	}
	return dec
}

// persistOutput writes the output under its agent's private scope. The key
// is derived from the directive, so a repeated write cannot duplicate it.
func (r *sessionRun) persistOutput(ctx context.Context, out *session.AgentOutput) {
	err := r.o.deps.Memory.Put(ctx, memory.Private(out.AgentID), outputKey(out.DirectiveID), memory.Value{
		Text: out.Content,
		Data: map[string]any{
			"session_id": out.SessionID,
			"chain_id":   out.ChainID,
			"output_id":  out.ID,
			"turn":       out.TurnIndex,
		},
	}, 0)
	if err != nil {
		r.log.Warn("persist output failed", zap.String("output", out.ID), zap.Error(err))
	}
}

// evaluate gathers evidence and scores out, retrying while the evaluation is
// unavailable. Retries never re-invoke the agent nor spend retry budget.
func (r *sessionRun) evaluate(ctx context.Context, out *session.AgentOutput) (*session.BiasAssessment, error) {
	var a *session.BiasAssessment
	attempt := 0
	err := fault.RetryIf(ctx, r.o.cfg.EvaluationRetry,
		func(err error) bool { return errors.Is(err, fault.ErrEvaluationUnavailable) },
		func() error {
			attempt++
			ec, err := r.evidence(ctx, out)
			if err == nil {
				a, err = r.o.deps.Evaluator.Evaluate(ctx, out, ec)
			}
			if err != nil && attempt < r.o.cfg.EvaluationAttempts {
				r.log.Warn("evaluation failed, retrying",
					zap.String("output", out.ID),
					zap.Int("attempt", attempt),
					zap.Error(err))
			}
			return err
		})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// evidence collects exemplars from shared memory and the graph neighbourhood
// of every entity the output names.
func (r *sessionRun) evidence(ctx context.Context, out *session.AgentOutput) (bias.Context, error) {
	var ec bias.Context
	for rec, err := range r.o.deps.Memory.Query(ctx, memory.Shared, memory.KeyPrefix(bias.ExemplarPrefix)) {
		if err != nil {
			return ec, fmt.Errorf("%w: exemplars: %w", fault.ErrEvaluationUnavailable, err)
		}
		ec.Memory = append(ec.Memory, rec)
		if len(ec.Memory) >= r.o.cfg.ExemplarLimit {
			break
		}
	}

	entities, err := r.o.deps.Graph.Resolve(ctx, graph.Terms(out.Content))
	if err != nil {
		return ec, fmt.Errorf("%w: resolve entities: %w", fault.ErrEvaluationUnavailable, err)
	}
	type edge struct{ entity, src, dst, typ string }
	seen := make(map[edge]bool)
	for _, ent := range entities {
		nbrs, err := r.o.deps.Graph.Neighborhood(ctx, ent.ID, r.o.cfg.RelationTypes, r.o.cfg.GraphDepth)
		if err != nil {
			return ec, fmt.Errorf("%w: neighbourhood of %s: %w", fault.ErrEvaluationUnavailable, ent.ID, err)
		}
		for _, n := range nbrs {
			k := edge{n.Entity.ID, n.Relation.SourceID, n.Relation.TargetID, n.Relation.Type}
			if seen[k] {
				continue
			}
			seen[k] = true
			ec.Graph = append(ec.Graph, n)
		}
	}
	return ec, nil
}

// publishAccepted writes the round's accepted outputs to shared memory.
func (r *sessionRun) publishAccepted(ctx context.Context, round int) {
	var accepted []*session.AgentOutput
	var scores []float64
	r.sess.View(func(s *session.Session) {
		for _, c := range s.ChainsForRound(round) {
			if out := c.Accepted(); out != nil {
				accepted = append(accepted, out)
				scores = append(scores, c.LastAssessment().Score)
			}
		}
	})
	for i, out := range accepted {
		key := sharedAcceptedKey(out.SessionID, round, out.AgentID)
		err := r.o.deps.Memory.Put(ctx, memory.Shared, key, memory.Value{
			Text: out.Content,
			Data: map[string]any{
				"agent_id":  out.AgentID,
				"chain_id":  out.ChainID,
				"output_id": out.ID,
				"round":     round,
				"score":     scores[i],
			},
		}, 0)
		if err != nil {
			r.log.Warn("publish accepted output failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// acceptedContext returns the accepted outputs of rounds up to round, read
// back from shared memory. If memory is unreachable the in-process context is
// extended instead.
func (r *sessionRun) acceptedContext(ctx context.Context, round int, prior []string) []string {
	recs, err := memory.Collect(r.o.deps.Memory.Query(ctx, memory.Shared, memory.KeyPrefix(roundPrefix(r.sess.ID))))
	if err == nil {
		out := make([]string, 0, len(recs))
		for _, rec := range recs {
			out = append(out, rec.Value.Text)
		}
		return out
	}
	r.log.Warn("read accepted outputs failed, using local copy", zap.Error(err))
	next := append([]string(nil), prior...)
	r.sess.View(func(s *session.Session) {
		for _, c := range s.ChainsForRound(round) {
			if out := c.Accepted(); out != nil {
				next = append(next, out.Content)
			}
		}
	})
	return next
}

// finish force-aborts open chains when the session context ended and marks
// the session terminal.
func (r *sessionRun) finish(ctx context.Context) {
	reason := ""
	var cause error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		reason = mitigation.ReasonSessionTimeout
		cause = fmt.Errorf("%w: session budget of %s spent", fault.ErrTimeout, r.o.cfg.SessionTimeout)
	case ctx.Err() != nil:
		reason = mitigation.ReasonCancelled
		cause = ctx.Err()
	}

	var open []*session.Chain
	r.sess.View(func(s *session.Session) {
		for _, c := range s.Chains {
			if !c.State.Terminal() {
				open = append(open, c)
			}
		}
	})
	for _, c := range open {
		chainReason, chainCause := reason, cause
		if chainReason == "" {
			chainReason = reasonUnresolved
			chainCause = errors.New("chain left open by the session loop")
		}
		r.apply(ctx, c, func() (mitigation.Decision, error) {
			return r.ctrl.ForceAbort(c, chainReason, chainCause)
		})
	}

	r.sess.Mutate(func(s *session.Session) {
		now := r.o.now()
		s.FinishedAt = &now
		if reason != "" {
			s.Status = session.StatusAborted
			s.AbortReason = reason
		} else {
			s.Status = session.StatusCompleted
		}
		if r.votes != nil {
			s.VoteWeights = r.votes.Snapshot(s.Participants)
		}
	})
	snap := r.sess.Snapshot()

	var accepted, aborted, flagged int
	for _, c := range snap.Chains {
		switch {
		case c.State == session.StateAccepted:
			accepted++
		case c.Flagged:
			flagged++
			aborted++
		default:
			aborted++
		}
	}
	r.log.Info("session finished",
		zap.String("status", string(snap.Status)),
		zap.Int("accepted", accepted),
		zap.Int("aborted", aborted),
		zap.Int("flagged", flagged),
		zap.Duration("elapsed", snap.FinishedAt.Sub(snap.StartedAt)))
	r.o.emit(ctx, events.Event{
		Type:      events.SessionFinished,
		SessionID: snap.ID,
		State:     string(snap.Status),
		Payload: map[string]any{
			"accepted":     accepted,
			"aborted":      aborted,
			"flagged":      flagged,
			"abort_reason": snap.AbortReason,
		},
	})
}

// turnOrder returns the participants in the order they take turns in round.
func (o *Orchestrator) turnOrder(order session.TurnOrder, participants []string, round int) []string {
	ids := append([]string(nil), participants...)
	switch order {
	case session.TurnPriority:
		sort.SliceStable(ids, func(i, j int) bool {
			return o.deps.Agents.Priority(ids[i]) < o.deps.Agents.Priority(ids[j])
		})
	default:
		if n := len(ids); n > 0 {
			shift := (round - 1) % n
			rotated := make([]string, 0, n)
			rotated = append(rotated, ids[shift:]...)
			ids = append(rotated, ids[:shift]...)
		}
	}
	return ids
}

func validTurnOrder(o session.TurnOrder) bool {
	return o == session.TurnRoundRobin || o == session.TurnPriority
}
