// Package review forwards flagged chains to human reviewers on chat
// platforms and keeps a bounded history of what was sent.
package review

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Flag describes an aborted chain whose final output was kept for review.
type Flag struct {
	SessionID string    `json:"session_id"`
	ChainID   string    `json:"chain_id"`
	AgentID   string    `json:"agent_id"`
	Round     int       `json:"round"`
	Score     float64   `json:"score"`
	Dominant  string    `json:"dominant,omitempty"`
	Rationale string    `json:"rationale,omitempty"`
	Output    string    `json:"output,omitempty"`
	Reason    string    `json:"reason"`
	FlaggedAt time.Time `json:"flagged_at"`
}

// Notifier delivers a flag to one platform.
type Notifier interface {
	Platform() string
	Notify(ctx context.Context, f *Flag) error
}

// Record tracks a sent flag for history.
type Record struct {
	Flag    *Flag     `json:"flag"`
	SentAt  time.Time `json:"sent_at"`
	Targets []string  `json:"targets"`
}

const maxHistory = 500

// Hub fans a flag out to every registered notifier.
type Hub struct {
	notifiers map[string]Notifier
	history   []Record
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewHub creates a hub with no notifiers.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{notifiers: make(map[string]Notifier), logger: logger}
}

// Register adds a notifier, replacing one for the same platform.
func (h *Hub) Register(n Notifier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifiers[n.Platform()] = n
	h.logger.Info("registered review notifier", zap.String("platform", n.Platform()))
}

// Platforms returns the registered platform names.
func (h *Hub) Platforms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.notifiers))
	for p := range h.notifiers {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

// Notify sends f to every platform. The flag is recorded even when some
// platforms fail; the error reports how many did.
func (h *Hub) Notify(ctx context.Context, f *Flag) error {
	h.mu.RLock()
	targets := make([]Notifier, 0, len(h.notifiers))
	for _, n := range h.notifiers {
		targets = append(targets, n)
	}
	h.mu.RUnlock()

	var sent []string
	var failed int
	for _, n := range targets {
		if err := n.Notify(ctx, f); err != nil {
			h.logger.Error("review notify failed",
				zap.String("platform", n.Platform()),
				zap.String("chain", f.ChainID),
				zap.Error(err))
			failed++
			continue
		}
		sent = append(sent, n.Platform())
	}
	sort.Strings(sent)

	h.mu.Lock()
	h.history = append(h.history, Record{Flag: f, SentAt: time.Now(), Targets: sent})
	if len(h.history) > maxHistory {
		h.history = h.history[len(h.history)-maxHistory:]
	}
	h.mu.Unlock()

	if failed > 0 {
		return fmt.Errorf("review notify failed on %d platform(s)", failed)
	}
	return nil
}

// History returns up to limit recent records, oldest first.
func (h *Hub) History(limit int) []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if limit <= 0 || limit > len(h.history) {
		limit = len(h.history)
	}
	out := make([]Record, limit)
	copy(out, h.history[len(h.history)-limit:])
	return out
}

// Format renders a flag as a Slack mrkdwn message.
func Format(f *Flag) string {
	return format(f, "*")
}

func format(f *Flag, bold string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s[flagged] session %s, agent %s, round %d%s\n", bold, f.SessionID, f.AgentID, f.Round, bold)
	fmt.Fprintf(&b, "reason: %s, score %.2f", f.Reason, f.Score)
	if f.Dominant != "" {
		fmt.Fprintf(&b, " (%s)", f.Dominant)
	}
	if f.Rationale != "" {
		fmt.Fprintf(&b, "\n%s", f.Rationale)
	}
	if f.Output != "" {
		out := f.Output
		if len(out) > 1500 {
			out = out[:1500] + "..."
		}
		fmt.Fprintf(&b, "\n> %s", strings.ReplaceAll(out, "\n", "\n> "))
	}
	return b.String()
}
