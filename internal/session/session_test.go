package session

import "testing"

func TestSnapshotIsDeep(t *testing.T) {
	s := &Session{ID: "s1", Status: StatusRunning}
	s.Mutate(func(s *Session) {
		s.Chains = append(s.Chains, &Chain{
			ID:         "c1",
			State:      StatePending,
			Directives: []*Directive{{ID: "d1", Instruction: "answer"}},
			Assessments: []*BiasAssessment{{
				ID:         "a1",
				Dimensions: map[string]float64{"stereotyping": 0.4},
			}},
		})
	})

	snap := s.Snapshot()
	s.Mutate(func(s *Session) {
		s.Chains[0].State = StateAccepted
		s.Chains[0].Directives[0].Instruction = "changed"
		s.Chains[0].Assessments[0].Dimensions["stereotyping"] = 0.9
	})

	if snap.Chains[0].State != StatePending {
		t.Errorf("snapshot state changed to %s", snap.Chains[0].State)
	}
	if snap.Chains[0].Directives[0].Instruction != "answer" {
		t.Errorf("snapshot directive changed")
	}
	if snap.Chains[0].Assessments[0].Dimensions["stereotyping"] != 0.4 {
		t.Errorf("snapshot assessment changed")
	}
}

func TestChainAccessors(t *testing.T) {
	c := &Chain{}
	if c.Current() != nil || c.LastOutput() != nil || c.LastAssessment() != nil {
		t.Fatal("empty chain should have no current records")
	}
	c.Directives = []*Directive{{ID: "d1"}, {ID: "d2", RetryCount: 1}}
	c.Outputs = []*AgentOutput{{ID: "o1"}}
	if c.Current().ID != "d2" || c.RetryCount() != 1 {
		t.Errorf("current = %s retry = %d", c.Current().ID, c.RetryCount())
	}
	if c.Accepted() != nil {
		t.Error("non-accepted chain must not expose an accepted output")
	}
	c.State = StateAccepted
	if c.Accepted().ID != "o1" {
		t.Error("accepted output should be the last output")
	}
	if !StateAborted.Terminal() || StateMitigating.Terminal() {
		t.Error("terminal states misclassified")
	}
}
