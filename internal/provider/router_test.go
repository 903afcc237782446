package provider

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/fault"
)

type stubProvider struct {
	id    string
	reply string
	err   error
	calls int
}

func (s *stubProvider) ID() string   { return s.id }
func (s *stubProvider) Name() string { return s.id }
func (s *stubProvider) Chat(context.Context, *ChatRequest) (*ChatResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &ChatResponse{Content: s.reply}, nil
}
func (s *stubProvider) HealthCheck(context.Context) error { return s.err }

func TestRouterBindingAndFallback(t *testing.T) {
	r := NewRouter(zap.NewNop())
	down := &stubProvider{id: "down", err: fault.Unavailable("chat", errors.New("503"))}
	up := &stubProvider{id: "up", reply: "ok"}
	r.Register(up)
	r.Register(down)

	resp, err := r.Route(context.Background(), "anyone", &ChatRequest{})
	if err != nil || resp.Content != "ok" {
		t.Fatalf("default route = %v, %v", resp, err)
	}

	r.Bind("a1", "down")
	if _, err := r.Route(context.Background(), "a1", &ChatRequest{}); !errors.Is(err, fault.ErrUnavailable) {
		t.Errorf("no fallback err = %v", err)
	}

	r.SetFallbacks("a1", []string{"missing", "up"})
	resp, err = r.Route(context.Background(), "a1", &ChatRequest{})
	if err != nil || resp.Content != "ok" {
		t.Fatalf("fallback route = %v, %v", resp, err)
	}
	if down.calls != 2 {
		t.Errorf("primary calls = %d", down.calls)
	}
}

func TestRouterNoProvider(t *testing.T) {
	r := NewRouter(zap.NewNop())
	if _, err := r.Route(context.Background(), "a", &ChatRequest{}); !errors.Is(err, fault.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestRouterTriesEachProviderOnce(t *testing.T) {
	r := NewRouter(zap.NewNop())
	down := &stubProvider{id: "down", err: errors.New("boom")}
	r.Register(down)
	r.SetFallbacks("a", []string{"down", "down"})

	if _, err := r.Route(context.Background(), "a", &ChatRequest{}); err == nil {
		t.Fatal("expected failure")
	}
	if down.calls != 1 {
		t.Errorf("calls = %d, want 1", down.calls)
	}
}

func TestRouterStopsOnCancel(t *testing.T) {
	r := NewRouter(zap.NewNop())
	down := &stubProvider{id: "down", err: context.Canceled}
	up := &stubProvider{id: "up", reply: "ok"}
	r.Register(down)
	r.Register(up)
	r.SetFallbacks("a", []string{"up"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Route(ctx, "a", &ChatRequest{}); err == nil {
		t.Fatal("cancelled route succeeded")
	}
	if up.calls != 0 {
		t.Errorf("fallback called %d times after cancel", up.calls)
	}
}

func TestListProvidersSorted(t *testing.T) {
	r := NewRouter(zap.NewNop())
	r.Register(&stubProvider{id: "b"})
	r.Register(&stubProvider{id: "a"})
	got := r.ListProviders()
	if len(got) != 2 || got[0].ID() != "a" || r.DefaultID() != "b" {
		t.Errorf("providers = %v default = %s", got, r.DefaultID())
	}
}
