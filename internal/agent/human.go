package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/fault"
	"github.com/nidhogg/fairloop/internal/session"
)

type pendingTurn struct {
	directive *session.Directive
	reply     chan string
}

// Human is a human-in-the-loop participant. Produce parks the directive until
// Reply is called for it or the turn's context ends.
type Human struct {
	id     string
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingTurn
}

// NewHuman creates a human agent.
func NewHuman(id string, logger *zap.Logger) *Human {
	return &Human{id: id, logger: logger, pending: make(map[string]*pendingTurn)}
}

func (h *Human) ID() string   { return h.id }
func (h *Human) Kind() string { return KindHuman }

func (h *Human) Produce(ctx context.Context, req *Request) (*Response, error) {
	turn := &pendingTurn{directive: req.Directive, reply: make(chan string, 1)}
	h.mu.Lock()
	h.pending[req.Directive.ID] = turn
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, req.Directive.ID)
		h.mu.Unlock()
	}()

	h.logger.Info("awaiting human reply",
		zap.String("agent", h.id),
		zap.String("directive", req.Directive.ID))
	select {
	case content := <-turn.reply:
		return &Response{Content: content}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reply answers a pending directive.
func (h *Human) Reply(directiveID, content string) error {
	h.mu.Lock()
	turn, ok := h.pending[directiveID]
	if ok {
		delete(h.pending, directiveID)
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("directive %s for %s: %w", directiveID, h.id, fault.ErrNotFound)
	}
	turn.reply <- content
	return nil
}

// Pending returns the directives waiting for a reply, oldest first.
func (h *Human) Pending() []*session.Directive {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*session.Directive, 0, len(h.pending))
	for _, t := range h.pending {
		d := *t.directive
		out = append(out, &d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}
