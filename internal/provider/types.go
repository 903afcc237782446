// Package provider adapts LLM vendor SDKs to one chat contract and routes
// agent requests to them.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/fault"
)

// Provider defines the interface for LLM providers.
type Provider interface {
	ID() string
	Name() string
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	HealthCheck(ctx context.Context) error
}

// ChatRequest represents a request to an LLM provider.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse represents a response from an LLM provider.
type ChatResponse struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProviderConfig holds configuration for a provider instance.
type ProviderConfig struct {
	ID       string        `json:"id" yaml:"id"`
	Type     string        `json:"type" yaml:"type"` // "openai" or "anthropic"
	Name     string        `json:"name" yaml:"name"`
	Endpoint string        `json:"endpoint" yaml:"endpoint"`
	APIKey   string        `json:"api_key" yaml:"api_key"`
	Models   []string      `json:"models,omitempty" yaml:"models,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// New builds the provider named by cfg.Type.
func New(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	switch cfg.Type {
	case "openai", "":
		return NewOpenAIProvider(cfg, logger), nil
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	default:
		return nil, fault.Invalid("provider %s: unknown type %q", cfg.ID, cfg.Type)
	}
}

func defaultModel(cfg ProviderConfig, fallback string) string {
	if len(cfg.Models) > 0 {
		return cfg.Models[0]
	}
	return fallback
}

// classify marks throttling, server errors and transport failures as
// transient so callers may retry or fall back.
func classify(op string, status int, isAPIError bool, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if isAPIError && status != http.StatusTooManyRequests && status < 500 {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fault.Unavailable(op, err)
}
