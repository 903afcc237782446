package mitigation

import (
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/fault"
	"github.com/nidhogg/fairloop/internal/session"
)

type threshold float64

func (t threshold) NeedsMitigation(score float64) bool { return score >= float64(t) }

func newController(t *testing.T, budget int) *Controller {
	t.Helper()
	c, err := NewController(Config{RetryBudget: budget}, threshold(0.5), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

var outputSeq int

// answer records an output for the chain's current directive and returns an
// assessment of it with the given score.
func answer(t *testing.T, c *Controller, chain *session.Chain, score float64) *session.BiasAssessment {
	t.Helper()
	outputSeq++
	out := &session.AgentOutput{
		ID:          "out-" + string(rune('a'+outputSeq)),
		DirectiveID: chain.Current().ID,
		Content:     "answer",
	}
	if err := c.RecordOutput(chain, out); err != nil {
		t.Fatalf("record output: %v", err)
	}
	return &session.BiasAssessment{
		ID:        "as-" + out.ID,
		OutputID:  out.ID,
		Score:     score,
		Dominant:  "stereotyping",
		Rationale: "associates nursing with women",
	}
}

func TestResolve_MitigateThenAccept(t *testing.T) {
	c := newController(t, 2)
	chain := c.Begin("s1", "a1", 0, "Describe a typical nurse.")

	a1 := answer(t, c, chain, 0.8)
	dec, err := c.Resolve(chain, a1)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Action != ActionMitigate || chain.State != session.StatePending {
		t.Fatalf("action = %s state = %s", dec.Action, chain.State)
	}
	next := dec.Next
	if next.RetryCount != 1 || next.ParentAssessmentID != a1.ID || next.ChainID != chain.ID {
		t.Errorf("next directive = %+v", next)
	}
	if !strings.HasPrefix(next.Instruction, "Describe a typical nurse.") ||
		!strings.Contains(next.Instruction, a1.Rationale) ||
		!strings.Contains(next.Instruction, DefaultStrategies["stereotyping"]) {
		t.Errorf("instruction does not carry correction:\n%s", next.Instruction)
	}
	wantPath := []session.ChainState{session.StateEvaluated, session.StateMitigating, session.StatePending}
	for i, tr := range dec.Transitions {
		if tr.To != wantPath[i] {
			t.Errorf("transition %d to %s, want %s", i, tr.To, wantPath[i])
		}
	}

	a2 := answer(t, c, chain, 0.3)
	dec, err = c.Resolve(chain, a2)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Action != ActionAccept || chain.State != session.StateAccepted {
		t.Fatalf("action = %s state = %s", dec.Action, chain.State)
	}
	if len(chain.Outputs) != 2 || len(chain.Assessments) != 2 || chain.Flagged {
		t.Errorf("outputs=%d assessments=%d flagged=%v", len(chain.Outputs), len(chain.Assessments), chain.Flagged)
	}
	if chain.Accepted().ID != chain.Outputs[1].ID {
		t.Error("accepted output should be the last")
	}
}

func TestResolve_BudgetExhausted(t *testing.T) {
	c := newController(t, 2)
	chain := c.Begin("s1", "a1", 0, "Describe a typical engineer.")

	for i := 0; i < 3; i++ {
		dec, err := c.Resolve(chain, answer(t, c, chain, 0.9))
		if err != nil {
			t.Fatal(err)
		}
		if i < 2 && dec.Action != ActionMitigate {
			t.Fatalf("attempt %d action = %s", i, dec.Action)
		}
		if i == 2 && dec.Action != ActionAbort {
			t.Fatalf("final action = %s", dec.Action)
		}
	}
	if chain.State != session.StateAborted || !chain.Flagged {
		t.Errorf("state = %s flagged = %v", chain.State, chain.Flagged)
	}
	if !errors.Is(chain.Err, fault.ErrRetryBudgetExhausted) || chain.AbortReason != ReasonBudgetExhausted {
		t.Errorf("err = %v reason = %s", chain.Err, chain.AbortReason)
	}
	if len(chain.Outputs) != 3 || len(chain.Directives) != 3 {
		t.Errorf("outputs = %d directives = %d", len(chain.Outputs), len(chain.Directives))
	}
	for _, d := range chain.Directives {
		if d.RetryCount > c.Budget() {
			t.Errorf("retry count %d exceeds budget", d.RetryCount)
		}
	}

	if _, err := c.Resolve(chain, &session.BiasAssessment{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("resolve after abort err = %v", err)
	}
}

func TestResolve_ZeroBudgetAbortsImmediately(t *testing.T) {
	c := newController(t, 0)
	chain := c.Begin("s1", "a1", 0, "task")
	dec, err := c.Resolve(chain, answer(t, c, chain, 0.7))
	if err != nil || dec.Action != ActionAbort {
		t.Fatalf("dec = %+v err = %v", dec, err)
	}
}

func TestRecordOutput_Guards(t *testing.T) {
	c := newController(t, 1)
	chain := c.Begin("s1", "a1", 0, "task")

	if err := c.RecordOutput(chain, &session.AgentOutput{ID: "x", DirectiveID: "other"}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("mismatched directive err = %v", err)
	}
	a := answer(t, c, chain, 0.1)
	dup := &session.AgentOutput{ID: "dup", DirectiveID: chain.Current().ID}
	if err := c.RecordOutput(chain, dup); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("duplicate output err = %v", err)
	}
	if _, err := c.Resolve(chain, &session.BiasAssessment{ID: "wrong", OutputID: "nope"}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("foreign assessment err = %v", err)
	}
	if _, err := c.Resolve(chain, a); err != nil {
		t.Fatal(err)
	}
}

func TestResolveFailure(t *testing.T) {
	c := newController(t, 1)
	chain := c.Begin("s1", "a1", 0, "task")

	timeout := fault.ErrTimeout
	dec, err := c.ResolveFailure(chain, timeout)
	if err != nil || dec.Action != ActionMitigate {
		t.Fatalf("dec = %+v err = %v", dec, err)
	}
	if dec.Next.RetryCount != 1 || !strings.Contains(dec.Next.Instruction, "timed out") {
		t.Errorf("next = %+v", dec.Next)
	}

	dec, err = c.ResolveFailure(chain, timeout)
	if err != nil || dec.Action != ActionAbort {
		t.Fatalf("dec = %+v err = %v", dec, err)
	}
	if chain.AbortReason != ReasonAgentTimeout || !errors.Is(chain.Err, fault.ErrTimeout) || !errors.Is(chain.Err, fault.ErrRetryBudgetExhausted) {
		t.Errorf("reason = %s err = %v", chain.AbortReason, chain.Err)
	}
}

func TestResolveFailureKeepsCorrection(t *testing.T) {
	c := newController(t, 3)
	chain := c.Begin("s1", "a1", 0, "Describe a typical nurse.")

	a := answer(t, c, chain, 0.9)
	dec, err := c.Resolve(chain, a)
	if err != nil || dec.Action != ActionMitigate {
		t.Fatalf("dec = %+v err = %v", dec, err)
	}
	corrected := dec.Next.Instruction

	for retry := 2; retry <= 3; retry++ {
		dec, err = c.ResolveFailure(chain, fault.ErrTimeout)
		if err != nil || dec.Action != ActionMitigate {
			t.Fatalf("retry %d: dec = %+v err = %v", retry, dec, err)
		}
		next := dec.Next
		if next.RetryCount != retry || next.ParentAssessmentID != a.ID {
			t.Errorf("retry %d: next = %+v", retry, next)
		}
		if !strings.HasPrefix(next.Instruction, corrected) || !strings.Contains(next.Instruction, a.Rationale) {
			t.Errorf("retry %d lost the correction: %q", retry, next.Instruction)
		}
		if n := strings.Count(next.Instruction, "timed out"); n != 1 {
			t.Errorf("retry %d carries %d failure notes", retry, n)
		}
	}
}

func TestForceAbort(t *testing.T) {
	c := newController(t, 3)
	chain := c.Begin("s1", "a1", 0, "task")
	answer(t, c, chain, 0.2)

	dec, err := c.ForceAbort(chain, ReasonSessionTimeout, fault.ErrTimeout)
	if err != nil || dec.Action != ActionAbort {
		t.Fatalf("dec = %+v err = %v", dec, err)
	}
	if chain.State != session.StateAborted || !chain.Flagged || chain.AbortReason != ReasonSessionTimeout {
		t.Errorf("chain = %+v", chain)
	}
	if _, err := c.ForceAbort(chain, ReasonCancelled, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double abort err = %v", err)
	}
}

func TestStrategies(t *testing.T) {
	s, err := NewStrategies(map[string]string{
		"stereotyping": "Fix {{.Dimension}} ({{printf \"%.1f\" .Score}}): {{.Rationale}}",
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Render(StrategyData{Dimension: "stereotyping", Score: 0.84, Rationale: "r"})
	if err != nil || got != "Fix stereotyping (0.8): r" {
		t.Errorf("render = %q, %v", got, err)
	}
	got, _ = s.Render(StrategyData{Dimension: "unknown"})
	if got != DefaultFallback {
		t.Errorf("fallback = %q", got)
	}

	if _, err := NewStrategies(map[string]string{"x": "{{.Broken"}, ""); !errors.Is(err, fault.ErrInvalidConfig) {
		t.Errorf("malformed template err = %v", err)
	}
	if _, err := NewController(Config{RetryBudget: -1}, threshold(0.5), zap.NewNop()); !errors.Is(err, fault.ErrInvalidConfig) {
		t.Errorf("negative budget err = %v", err)
	}
}

func TestVoteLedger(t *testing.T) {
	l := NewVoteLedger(0.5, 0.2)
	if l.Weight("a") != 1 {
		t.Fatal("initial weight should be 1")
	}
	if w := l.Penalize("a", 0.8); w != 0.6 {
		t.Errorf("weight = %v, want 0.6", w)
	}
	for i := 0; i < 10; i++ {
		l.Penalize("a", 1)
	}
	if w := l.Weight("a"); w != 0.2 {
		t.Errorf("weight = %v, want floor 0.2", w)
	}
	snap := l.Snapshot([]string{"a", "b"})
	if snap["a"] != 0.2 || snap["b"] != 1 {
		t.Errorf("snapshot = %v", snap)
	}
}
