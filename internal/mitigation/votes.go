package mitigation

import "sync"

// VoteLedger tracks how much weight each agent's accepted output carries
// when round results are combined. Every mitigation of an agent multiplies
// its weight by (1 - penalty*score), never going below the floor.
type VoteLedger struct {
	penalty float64
	floor   float64

	mu      sync.Mutex
	weights map[string]float64
}

// NewVoteLedger creates a ledger where every agent starts at weight 1.
func NewVoteLedger(penalty, floor float64) *VoteLedger {
	return &VoteLedger{
		penalty: min(max(penalty, 0), 1),
		floor:   min(max(floor, 0), 1),
		weights: make(map[string]float64),
	}
}

// Weight returns the current weight of agentID.
func (l *VoteLedger) Weight(agentID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.weights[agentID]; ok {
		return w
	}
	return 1
}

// Penalize applies one mitigation with the given bias score and returns the
// new weight.
func (l *VoteLedger) Penalize(agentID string, score float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.weights[agentID]
	if !ok {
		w = 1
	}
	w *= 1 - l.penalty*min(max(score, 0), 1)
	w = max(w, l.floor)
	l.weights[agentID] = w
	return w
}

// Snapshot copies the weights of every agent seen so far.
func (l *VoteLedger) Snapshot(agents []string) map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]float64, len(agents))
	for _, a := range agents {
		if w, ok := l.weights[a]; ok {
			out[a] = w
		} else {
			out[a] = 1
		}
	}
	return out
}
