package session

import (
	"sync"
	"time"
)

// Session is the root aggregate of one multi-agent task. It owns its chains
// and, through them, every directive and output. All mutation goes through
// Mutate so that readers can take consistent snapshots while chains run.
type Session struct {
	ID           string             `json:"id"`
	Task         string             `json:"task"`
	Participants []string           `json:"participants"`
	TurnOrder    TurnOrder          `json:"turn_order"`
	Status       Status             `json:"status"`
	RetryBudget  int                `json:"retry_budget"`
	Rounds       int                `json:"rounds"`
	Round        int                `json:"round"`
	Chains       []*Chain           `json:"chains"`
	VoteWeights  map[string]float64 `json:"vote_weights,omitempty"`
	AbortReason  string             `json:"abort_reason,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   *time.Time         `json:"finished_at,omitempty"`

	mu sync.RWMutex
}

// Mutate runs fn while holding the session's write lock.
func (s *Session) Mutate(fn func(s *Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// View runs fn while holding the session's read lock.
func (s *Session) View(fn func(s *Session)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s)
}

// Snapshot returns a deep copy safe to serialize while the session runs.
func (s *Session) Snapshot() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := &Session{
		ID:           s.ID,
		Task:         s.Task,
		Participants: append([]string(nil), s.Participants...),
		TurnOrder:    s.TurnOrder,
		Status:       s.Status,
		RetryBudget:  s.RetryBudget,
		Rounds:       s.Rounds,
		Round:        s.Round,
		VoteWeights:  copyScores(s.VoteWeights),
		AbortReason:  s.AbortReason,
		StartedAt:    s.StartedAt,
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		cp.FinishedAt = &t
	}
	cp.Chains = make([]*Chain, len(s.Chains))
	for i, c := range s.Chains {
		cp.Chains[i] = c.clone()
	}
	return cp
}

// Terminal reports whether the session has finished.
func (s *Session) Terminal() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Status != StatusRunning
}

// ChainsForRound returns the chains of the given round.
func (s *Session) ChainsForRound(round int) []*Chain {
	var out []*Chain
	for _, c := range s.Chains {
		if c.Round == round {
			out = append(out, c)
		}
	}
	return out
}
