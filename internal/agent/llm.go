package agent

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/provider"
	"github.com/nidhogg/fairloop/internal/session"
)

// ChatRouter sends chat requests on behalf of an agent.
type ChatRouter interface {
	Route(ctx context.Context, agentID string, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

// LLM is an agent backed by a language model.
type LLM struct {
	persona   Persona
	model     string
	maxTokens int
	router    ChatRouter
	logger    *zap.Logger
}

// NewLLM creates an LLM agent. model may be empty to use the provider default.
func NewLLM(persona Persona, model string, router ChatRouter, logger *zap.Logger) *LLM {
	return &LLM{persona: persona, model: model, maxTokens: 1024, router: router, logger: logger}
}

func (a *LLM) ID() string       { return a.persona.ID }
func (a *LLM) Kind() string     { return KindLLM }
func (a *LLM) Persona() Persona { return a.persona }

func (a *LLM) Produce(ctx context.Context, req *Request) (*Response, error) {
	resp, err := a.router.Route(ctx, a.persona.ID, &provider.ChatRequest{
		Model:     a.model,
		Messages:  a.buildMessages(req),
		MaxTokens: a.maxTokens,
	})
	if err != nil {
		return nil, err
	}
	a.logger.Debug("llm agent replied",
		zap.String("agent", a.persona.ID),
		zap.String("directive", req.Directive.ID),
		zap.Int("tokens", resp.Usage.TotalTokens))
	return &Response{
		Content: resp.Content,
		Usage: session.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (a *LLM) buildMessages(req *Request) []provider.Message {
	var msgs []provider.Message
	if a.persona.SystemPrompt != "" {
		msgs = append(msgs, provider.Message{Role: "system", Content: a.persona.SystemPrompt})
	}
	if intro := a.persona.Intro(); intro != "" {
		msgs = append(msgs, provider.Message{Role: "system", Content: intro})
	}
	if len(req.Context) > 0 {
		var b strings.Builder
		b.WriteString("Answers accepted in earlier rounds:\n")
		for _, c := range req.Context {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteString("\n")
		}
		msgs = append(msgs, provider.Message{Role: "system", Content: strings.TrimRight(b.String(), "\n")})
	}
	msgs = append(msgs, provider.Message{Role: "user", Content: req.Directive.Instruction})
	return msgs
}
