package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/fault"
	"github.com/nidhogg/fairloop/internal/provider"
	"github.com/nidhogg/fairloop/internal/session"
)

type captureRouter struct {
	agentID string
	req     *provider.ChatRequest
	reply   string
	err     error
}

func (c *captureRouter) Route(_ context.Context, agentID string, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	c.agentID = agentID
	c.req = req
	if c.err != nil {
		return nil, c.err
	}
	return &provider.ChatResponse{
		Content: c.reply,
		Usage:   provider.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func directive(id, instruction string) *session.Directive {
	return &session.Directive{ID: id, Instruction: instruction, IssuedAt: time.Now()}
}

func TestLLMBuildsMessages(t *testing.T) {
	router := &captureRouter{reply: "an answer"}
	a := NewLLM(Persona{
		ID:           "a1",
		Name:         "Ada",
		Role:         "a careful analyst",
		SystemPrompt: "Answer concisely.",
	}, "gpt-4o-mini", router, zap.NewNop())

	resp, err := a.Produce(context.Background(), &Request{
		Directive: directive("d1", "Describe a nurse."),
		Context:   []string{"earlier answer"},
	})
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	if resp.Content != "an answer" || resp.Usage.TotalTokens != 15 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if router.agentID != "a1" || router.req.Model != "gpt-4o-mini" {
		t.Fatalf("routed as %s with model %s", router.agentID, router.req.Model)
	}

	msgs := router.req.Messages
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "Answer concisely." {
		t.Errorf("system prompt first, got %q", msgs[0].Content)
	}
	if !strings.Contains(msgs[1].Content, "You are Ada, a careful analyst.") {
		t.Errorf("persona intro missing: %q", msgs[1].Content)
	}
	if !strings.Contains(msgs[2].Content, "- earlier answer") {
		t.Errorf("context missing: %q", msgs[2].Content)
	}
	if msgs[3].Role != "user" || msgs[3].Content != "Describe a nurse." {
		t.Errorf("directive must be the user turn, got %+v", msgs[3])
	}
}

func TestLLMPropagatesErrors(t *testing.T) {
	router := &captureRouter{err: fault.Unavailable("chat", errors.New("503"))}
	a := NewLLM(Persona{ID: "a1"}, "", router, zap.NewNop())
	_, err := a.Produce(context.Background(), &Request{Directive: directive("d1", "x")})
	if !errors.Is(err, fault.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if len(router.req.Messages) != 1 {
		t.Errorf("bare persona should only send the directive, got %d messages", len(router.req.Messages))
	}
}

func TestRuleBased(t *testing.T) {
	a := NewRuleBased("r1", []Rule{
		{Keywords: []string{"nurse"}, Reply: "Nurses are skilled professionals of any gender."},
		{Keywords: []string{"engineer", "team"}, Reply: "Engineering teams vary."},
	}, "I have no answer for that.")

	cases := []struct {
		instruction string
		want        string
	}{
		{"Describe a typical NURSE.", "Nurses are skilled professionals of any gender."},
		{"Describe an engineering team", "Engineering teams vary."},
		{"Describe an engineer", "I have no answer for that."},
	}
	for _, c := range cases {
		resp, err := a.Produce(context.Background(), &Request{Directive: directive("d", c.instruction)})
		if err != nil {
			t.Fatalf("Produce(%q): %v", c.instruction, err)
		}
		if resp.Content != c.want {
			t.Errorf("Produce(%q) = %q, want %q", c.instruction, resp.Content, c.want)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.Produce(ctx, &Request{Directive: directive("d", "nurse")}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation, got %v", err)
	}
}

func TestHumanReply(t *testing.T) {
	h := NewHuman("h1", zap.NewNop())
	done := make(chan *Response, 1)
	go func() {
		resp, err := h.Produce(context.Background(), &Request{Directive: directive("d1", "question")})
		if err != nil {
			t.Errorf("Produce: %v", err)
		}
		done <- resp
	}()

	deadline := time.After(2 * time.Second)
	for len(h.Pending()) == 0 {
		select {
		case <-deadline:
			t.Fatal("directive never became pending")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := h.Pending()[0].ID; got != "d1" {
		t.Fatalf("pending directive %s, want d1", got)
	}
	if err := h.Reply("unknown", "x"); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("reply to unknown directive: %v", err)
	}
	if err := h.Reply("d1", "my answer"); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	resp := <-done
	if resp == nil || resp.Content != "my answer" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(h.Pending()) != 0 {
		t.Error("answered directive still pending")
	}
}

func TestHumanTimeout(t *testing.T) {
	h := NewHuman("h1", zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.Produce(ctx, &Request{Directive: directive("d1", "question")})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if len(h.Pending()) != 0 {
		t.Error("timed out directive still pending")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	if err := r.Register(NewRuleBased("b", nil, ""), 2); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(NewHuman("a", zap.NewNop()), 1); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(NewRuleBased("a", nil, ""), 0); err == nil {
		t.Error("duplicate id accepted")
	}
	if err := r.Register(NewRuleBased("", nil, ""), 0); err == nil {
		t.Error("empty id accepted")
	}
	if ids := r.IDs(); len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("IDs = %v", ids)
	}
	if a, ok := r.Get("a"); !ok || a.Kind() != KindHuman {
		t.Errorf("Get(a) = %v, %v", a, ok)
	}
	if r.Priority("b") != 2 {
		t.Errorf("priority of b = %d", r.Priority("b"))
	}
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "a1"), 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, "a1", "PERSONA.md"), []byte("persona text\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "a1", "GUIDELINES.md"), []byte("  "), 0o644)

	if got := LoadProfile(dir, "a1"); got != "persona text" {
		t.Errorf("LoadProfile = %q", got)
	}
	if got := LoadProfile(dir, "missing"); got != "" {
		t.Errorf("missing profile = %q", got)
	}
	if got := LoadProfile("", "a1"); got != "" {
		t.Errorf("empty dir = %q", got)
	}
}
