package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

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

// scriptedEvaluator returns scores from a per-agent script; the last score
// repeats once the script runs out.
type scriptedEvaluator struct {
	mu     sync.Mutex
	script map[string][]float64
	calls  map[string]int
	seen   []bias.Context
}

func newScripted(script map[string][]float64) *scriptedEvaluator {
	return &scriptedEvaluator{script: script, calls: make(map[string]int)}
}

func (e *scriptedEvaluator) Evaluate(_ context.Context, out *session.AgentOutput, ec bias.Context) (*session.BiasAssessment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen = append(e.seen, ec)
	scores := e.script[out.AgentID]
	i := min(e.calls[out.AgentID], len(scores)-1)
	e.calls[out.AgentID]++
	score := 0.0
	if i >= 0 {
		score = scores[i]
	}
	return &session.BiasAssessment{
		ID:         fmt.Sprintf("%s-a%d", out.AgentID, e.calls[out.AgentID]),
		OutputID:   out.ID,
		SessionID:  out.SessionID,
		ChainID:    out.ChainID,
		Score:      score,
		Dimensions: map[string]float64{"stereotyping": score},
		Dominant:   "stereotyping",
		Rationale:  fmt.Sprintf("stereotyping signal %.2f", score),
	}, nil
}

func (e *scriptedEvaluator) NeedsMitigation(score float64) bool { return score >= 0.5 }

// countingAgent answers every directive, recording what it was asked.
type countingAgent struct {
	id    string
	calls atomic.Int32
	block bool

	mu       sync.Mutex
	requests []agent.Request
}

func (a *countingAgent) ID() string   { return a.id }
func (a *countingAgent) Kind() string { return agent.KindRule }

func (a *countingAgent) Produce(ctx context.Context, req *agent.Request) (*agent.Response, error) {
	n := a.calls.Add(1)
	a.mu.Lock()
	a.requests = append(a.requests, agent.Request{Directive: req.Directive, Context: append([]string(nil), req.Context...)})
	a.mu.Unlock()
	if a.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &agent.Response{Content: fmt.Sprintf("%s answer %d", a.id, n)}, nil
}

func (a *countingAgent) Requests() []agent.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]agent.Request(nil), a.requests...)
}

// flakyMemory fails the first n exemplar queries as unavailable.
type flakyMemory struct {
	memory.Store
	failures atomic.Int32
}

func (f *flakyMemory) Query(ctx context.Context, scope memory.Scope, pred memory.Predicate) iter.Seq2[memory.Record, error] {
	if f.failures.Add(-1) >= 0 {
		return func(yield func(memory.Record, error) bool) {
			yield(memory.Record{}, fault.Unavailable("redis query", errors.New("connection refused")))
		}
	}
	return f.Store.Query(ctx, scope, pred)
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Emit(_ context.Context, e events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) count(typ events.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type harness struct {
	orch     *Orchestrator
	registry *agent.Registry
	memory   memory.Store
	graph    *graph.InMemory
	eval     *scriptedEvaluator
	sink     *recordingSink
}

func newHarness(t *testing.T, cfg Config, eval *scriptedEvaluator, mem memory.Store, agents ...agent.Agent) *harness {
	t.Helper()
	logger := zap.NewNop()
	reg := agent.NewRegistry(logger)
	for i, a := range agents {
		if err := reg.Register(a, len(agents)-i); err != nil {
			t.Fatal(err)
		}
	}
	if mem == nil {
		mem = memory.NewInMemory(logger)
	}
	g := graph.NewInMemory(logger)
	sink := &recordingSink{}
	if cfg.EvaluationRetry.InitialInterval == 0 {
		cfg.EvaluationRetry = fault.Policy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
	}
	o, err := New(cfg, Deps{Agents: reg, Memory: mem, Graph: g, Evaluator: eval, Sink: sink}, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{orch: o, registry: reg, memory: mem, graph: g, eval: eval, sink: sink}
}

func budget(n int) *int { return &n }

func onlyChain(t *testing.T, s *session.Session) *session.Chain {
	t.Helper()
	if len(s.Chains) != 1 {
		t.Fatalf("expected 1 chain, got %d", len(s.Chains))
	}
	return s.Chains[0]
}

func TestRun_MitigateThenAccept(t *testing.T) {
	a1 := &countingAgent{id: "a1"}
	h := newHarness(t, Config{Mitigation: mitigation.Config{RetryBudget: 2}},
		newScripted(map[string][]float64{"a1": {0.8, 0.3}}), nil, a1)

	sess, err := h.orch.Run(context.Background(), SessionSpec{Task: "Describe a typical nurse.", Participants: []string{"a1"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	snap := sess.Snapshot()
	if snap.Status != session.StatusCompleted {
		t.Fatalf("status = %s", snap.Status)
	}
	c := onlyChain(t, snap)
	if c.State != session.StateAccepted || c.Flagged {
		t.Fatalf("chain state %s flagged %v", c.State, c.Flagged)
	}
	if len(c.Outputs) != 2 || len(c.Assessments) != 2 {
		t.Fatalf("outputs=%d assessments=%d", len(c.Outputs), len(c.Assessments))
	}
	second := c.Directives[1]
	if second.RetryCount != 1 || second.ParentAssessmentID != c.Assessments[0].ID {
		t.Errorf("second directive %+v", second)
	}
	if !strings.Contains(second.Instruction, "stereotyping signal 0.80") {
		t.Errorf("corrective directive lacks the prior rationale:\n%s", second.Instruction)
	}
	if got := a1.Requests()[1].Directive.Instruction; got != second.Instruction {
		t.Errorf("agent saw %q", got)
	}

	ctx := context.Background()
	acc, err := h.memory.Get(ctx, memory.Shared, sharedAcceptedKey(snap.ID, 1, "a1"))
	if err != nil {
		t.Fatalf("accepted output not shared: %v", err)
	}
	if acc.Value.Text != c.Outputs[1].Content {
		t.Errorf("shared text %q", acc.Value.Text)
	}
	for _, d := range c.Directives {
		if _, err := h.memory.Get(ctx, memory.Private("a1"), outputKey(d.ID)); err != nil {
			t.Errorf("output of %s not persisted: %v", d.ID, err)
		}
	}
	if h.sink.count(events.AssessmentCreated) != 2 || h.sink.count(events.SessionFinished) != 1 {
		t.Errorf("unexpected events %+v", h.sink.events)
	}
}

func TestRun_BudgetExhausted(t *testing.T) {
	a1 := &countingAgent{id: "a1"}
	h := newHarness(t, Config{Mitigation: mitigation.Config{RetryBudget: 2}},
		newScripted(map[string][]float64{"a1": {0.9}}), nil, a1)

	sess, err := h.orch.Run(context.Background(), SessionSpec{Task: "t", Participants: []string{"a1"}})
	if err != nil {
		t.Fatal(err)
	}
	snap := sess.Snapshot()
	c := onlyChain(t, snap)
	if c.State != session.StateAborted || !c.Flagged || c.AbortReason != mitigation.ReasonBudgetExhausted {
		t.Fatalf("chain %s flagged=%v reason=%s", c.State, c.Flagged, c.AbortReason)
	}
	if len(c.Outputs) != 3 || c.RetryCount() != 2 {
		t.Fatalf("outputs=%d retry=%d", len(c.Outputs), c.RetryCount())
	}
	if got := a1.calls.Load(); got != 3 {
		t.Errorf("agent called %d times", got)
	}
	if c.Accepted() != nil {
		t.Error("aborted chain has no accepted output")
	}
	if snap.Status != session.StatusCompleted {
		t.Errorf("budget exhaustion is not a session failure, status = %s", snap.Status)
	}
	if h.sink.count(events.ChainFlagged) != 1 {
		t.Error("flag event missing")
	}
}

func TestRun_ZeroBudgetAbortsOnFirstBiasedOutput(t *testing.T) {
	h := newHarness(t, Config{}, newScripted(map[string][]float64{"a1": {0.7}}), nil, &countingAgent{id: "a1"})
	sess, err := h.orch.Run(context.Background(), SessionSpec{Task: "t", Participants: []string{"a1"}, RetryBudget: budget(0)})
	if err != nil {
		t.Fatal(err)
	}
	c := onlyChain(t, sess.Snapshot())
	if c.State != session.StateAborted || len(c.Outputs) != 1 {
		t.Fatalf("state=%s outputs=%d", c.State, len(c.Outputs))
	}
}

func TestRun_MemoryOutageDuringEvaluation(t *testing.T) {
	a1 := &countingAgent{id: "a1"}
	mem := &flakyMemory{Store: memory.NewInMemory(zap.NewNop())}
	mem.failures.Store(2)
	h := newHarness(t, Config{EvaluationAttempts: 3}, newScripted(map[string][]float64{"a1": {0.2}}), mem, a1)

	sess, err := h.orch.Run(context.Background(), SessionSpec{Task: "t", Participants: []string{"a1"}})
	if err != nil {
		t.Fatal(err)
	}
	c := onlyChain(t, sess.Snapshot())
	if c.State != session.StateAccepted {
		t.Fatalf("state = %s (%s)", c.State, c.Error)
	}
	if a1.calls.Load() != 1 || len(c.Outputs) != 1 || len(c.Directives) != 1 {
		t.Errorf("agent re-invoked: calls=%d outputs=%d directives=%d", a1.calls.Load(), len(c.Outputs), len(c.Directives))
	}
	if c.RetryCount() != 0 {
		t.Errorf("evaluation retries spent budget: %d", c.RetryCount())
	}
}

func TestRun_EvaluationUnavailableAbortsChain(t *testing.T) {
	mem := &flakyMemory{Store: memory.NewInMemory(zap.NewNop())}
	mem.failures.Store(1000)
	h := newHarness(t, Config{EvaluationAttempts: 2}, newScripted(map[string][]float64{"a1": {0.2}}), mem, &countingAgent{id: "a1"})

	sess, err := h.orch.Run(context.Background(), SessionSpec{Task: "t", Participants: []string{"a1"}})
	if err != nil {
		t.Fatal(err)
	}
	c := onlyChain(t, sess.Snapshot())
	if c.State != session.StateAborted || c.AbortReason != mitigation.ReasonEvaluationUnavailable {
		t.Fatalf("state=%s reason=%s", c.State, c.AbortReason)
	}
	if !errors.Is(c.Err, fault.ErrEvaluationUnavailable) {
		t.Errorf("chain error %v", c.Err)
	}
	if len(c.Assessments) != 0 || c.RetryCount() != 0 {
		t.Errorf("unavailable evaluation must not look like a score")
	}
}

func TestRun_AgentTimeoutSpendsBudget(t *testing.T) {
	slow := &countingAgent{id: "slow", block: true}
	h := newHarness(t, Config{AgentTimeout: 10 * time.Millisecond, Mitigation: mitigation.Config{RetryBudget: 1}},
		newScripted(nil), nil, slow)

	sess, err := h.orch.Run(context.Background(), SessionSpec{Task: "t", Participants: []string{"slow"}})
	if err != nil {
		t.Fatal(err)
	}
	snap := sess.Snapshot()
	c := onlyChain(t, snap)
	if c.State != session.StateAborted || c.AbortReason != mitigation.ReasonAgentTimeout {
		t.Fatalf("state=%s reason=%s", c.State, c.AbortReason)
	}
	if c.Flagged {
		t.Error("chain without output must not be flagged")
	}
	if slow.calls.Load() != 2 || len(c.Directives) != 2 {
		t.Errorf("calls=%d directives=%d", slow.calls.Load(), len(c.Directives))
	}
	if snap.Status != session.StatusCompleted {
		t.Errorf("status = %s", snap.Status)
	}
}

func TestRun_SessionTimeout(t *testing.T) {
	slow := &countingAgent{id: "slow", block: true}
	fast := &countingAgent{id: "fast"}
	h := newHarness(t, Config{AgentTimeout: time.Minute, SessionTimeout: 30 * time.Millisecond},
		newScripted(map[string][]float64{"fast": {0.1}}), nil, slow, fast)

	sess, err := h.orch.Run(context.Background(), SessionSpec{Task: "t", Participants: []string{"slow", "fast"}})
	if err != nil {
		t.Fatal(err)
	}
	snap := sess.Snapshot()
	if snap.Status != session.StatusAborted || snap.AbortReason != mitigation.ReasonSessionTimeout {
		t.Fatalf("status=%s reason=%s", snap.Status, snap.AbortReason)
	}
	for _, c := range snap.Chains {
		switch c.AgentID {
		case "slow":
			if c.State != session.StateAborted || c.AbortReason != mitigation.ReasonSessionTimeout {
				t.Errorf("slow chain %s %s", c.State, c.AbortReason)
			}
		case "fast":
			if c.State != session.StateAccepted {
				t.Errorf("fast chain finished before the deadline, got %s", c.State)
			}
		}
	}
}

func TestRun_RoundsShareAcceptedOutputs(t *testing.T) {
	a1 := &countingAgent{id: "a1"}
	a2 := &countingAgent{id: "a2"}
	h := newHarness(t, Config{Rounds: 2, Concurrency: 1},
		newScripted(map[string][]float64{"a1": {0.1}, "a2": {0.1}}), nil, a1, a2)

	sess, err := h.orch.Run(context.Background(), SessionSpec{Task: "t", Participants: []string{"a1", "a2"}})
	if err != nil {
		t.Fatal(err)
	}
	snap := sess.Snapshot()
	if len(snap.Chains) != 4 {
		t.Fatalf("expected 4 chains, got %d", len(snap.Chains))
	}
	reqs := a1.Requests()
	if len(reqs) != 2 {
		t.Fatalf("a1 asked %d times", len(reqs))
	}
	if len(reqs[0].Context) != 0 {
		t.Errorf("first round has no context, got %v", reqs[0].Context)
	}
	if len(reqs[1].Context) != 2 {
		t.Errorf("second round should see both accepted answers, got %v", reqs[1].Context)
	}
	round2 := snap.ChainsForRound(2)
	if round2[0].AgentID != "a2" {
		t.Errorf("round robin should rotate the first speaker, round 2 starts with %s", round2[0].AgentID)
	}
}

func TestRun_EvidenceFromMemoryAndGraph(t *testing.T) {
	eval := newScripted(map[string][]float64{"a1": {0.1}})
	a1 := &countingAgent{id: "a1"}
	h := newHarness(t, Config{}, eval, nil, a1)
	ctx := context.Background()

	if err := h.memory.Put(ctx, memory.Shared, bias.ExemplarPrefix+"1",
		bias.ExemplarValue("women are bad drivers", bias.LabelViolating, bias.DimStereotyping), 0); err != nil {
		t.Fatal(err)
	}
	if err := graph.SeedSensitiveAttributes(ctx, h.graph); err != nil {
		t.Fatal(err)
	}
	grp, err := h.graph.UpsertEntity(ctx, graph.Entity{Type: graph.TypeGroup, Attributes: map[string]any{"name": "a1"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.graph.UpsertRelation(ctx, graph.Relation{SourceID: grp, TargetID: graph.CategoryID("Gender_identity"), Type: "stereotyped_as", Weight: 0.7}); err != nil {
		t.Fatal(err)
	}

	if _, err := h.orch.Run(ctx, SessionSpec{Task: "t", Participants: []string{"a1"}}); err != nil {
		t.Fatal(err)
	}
	ec := eval.seen[0]
	if len(ec.Memory) != 1 {
		t.Errorf("exemplars in context: %d", len(ec.Memory))
	}
	if len(ec.Graph) == 0 || ec.Graph[0].Entity.Type != graph.TypeSensitiveAttribute {
		t.Errorf("graph evidence: %+v", ec.Graph)
	}
}

func TestTurnOrder(t *testing.T) {
	h := newHarness(t, Config{}, newScripted(nil), nil,
		&countingAgent{id: "a"}, &countingAgent{id: "b"}, &countingAgent{id: "c"})
	ids := []string{"a", "b", "c"}

	if got := h.orch.turnOrder(session.TurnRoundRobin, ids, 2); strings.Join(got, "") != "bca" {
		t.Errorf("round robin round 2 = %v", got)
	}
	if got := h.orch.turnOrder(session.TurnRoundRobin, ids, 4); strings.Join(got, "") != "abc" {
		t.Errorf("round robin round 4 = %v", got)
	}
	// Registered with priorities a=3, b=2, c=1.
	if got := h.orch.turnOrder(session.TurnPriority, ids, 2); strings.Join(got, "") != "cba" {
		t.Errorf("priority = %v", got)
	}
	if ids[0] != "a" {
		t.Error("turnOrder must not reorder its input")
	}
}

func TestPrepareValidation(t *testing.T) {
	h := newHarness(t, Config{}, newScripted(nil), nil, &countingAgent{id: "a1"})
	cases := []SessionSpec{
		{Participants: []string{"a1"}},
		{Task: "t"},
		{Task: "t", Participants: []string{"a1", "a1"}},
		{Task: "t", Participants: []string{"ghost"}},
		{Task: "t", Participants: []string{"a1"}, TurnOrder: "random"},
		{Task: "t", Participants: []string{"a1"}, RetryBudget: budget(-1)},
	}
	for i, spec := range cases {
		if _, err := h.orch.Prepare(spec); !errors.Is(err, fault.ErrInvalidConfig) {
			t.Errorf("case %d: expected invalid config, got %v", i, err)
		}
	}
}

func TestNewRejectsBadStrategy(t *testing.T) {
	logger := zap.NewNop()
	_, err := New(Config{Mitigation: mitigation.Config{Strategies: map[string]string{"stereotyping": "{{.Nope"}}},
		Deps{Agents: agent.NewRegistry(logger), Memory: memory.NewInMemory(logger), Graph: graph.NewInMemory(logger), Evaluator: newScripted(nil)},
		logger)
	if !errors.Is(err, fault.ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}
