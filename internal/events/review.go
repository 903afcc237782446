package events

import (
	"context"

	"github.com/nidhogg/fairloop/internal/review"
)

// Notifier is satisfied by review.Hub.
type Notifier interface {
	Notify(ctx context.Context, f *review.Flag) error
}

// ReviewSink forwards flagged chains to human reviewers.
type ReviewSink struct {
	notifier Notifier
}

func NewReviewSink(n Notifier) *ReviewSink {
	return &ReviewSink{notifier: n}
}

func (s *ReviewSink) Emit(ctx context.Context, e Event) error {
	if e.Type != ChainFlagged {
		return nil
	}
	round, _ := e.Payload["round"].(int)
	return s.notifier.Notify(ctx, &review.Flag{
		SessionID: e.SessionID,
		ChainID:   e.ChainID,
		AgentID:   e.AgentID,
		Round:     round,
		Score:     e.Score,
		Dominant:  e.String("dominant"),
		Rationale: e.String("rationale"),
		Output:    e.String("output"),
		Reason:    e.String("reason"),
		FlaggedAt: e.At,
	})
}
