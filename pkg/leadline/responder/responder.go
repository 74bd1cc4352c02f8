// Package responder produces assistant replies for inbound lead
// messages. Providers share one contract: recent conversation history
// oldest-first plus the tenant's system prompt in, reply text out. An
// empty reply means stay silent.
package responder

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ChatMessage is one turn of conversation history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries everything a provider needs for one reply.
type Request struct {
	TenantID     string        `json:"tenant_id"`
	LeadID       string        `json:"lead_id"`
	SystemPrompt string        `json:"system_prompt"`
	Messages     []ChatMessage `json:"messages"`
}

// Reply is a provider's answer. Empty Text with no tool results
// suppresses the send.
type Reply struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Model     string     `json:"model,omitempty"`
	TokensIn  int        `json:"tokens_in,omitempty"`
	TokensOut int        `json:"tokens_out,omitempty"`
}

// ToolCall is one tool invocation the provider resolved while building
// the reply (calendar availability, price lookup). The pipeline folds
// Result into the delivered text.
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
	Result    string `json:"result,omitempty"`
}

// Responder is the interface all reply providers implement.
type Responder interface {
	Respond(ctx context.Context, req *Request) (*Reply, error)
	Name() string
}

// Provider identifiers accepted in configuration.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderWebhook   = "webhook"
)

// Config selects and tunes the reply provider.
type Config struct {
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	WebhookURL  string        `yaml:"webhook_url"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the baseline provider settings.
func DefaultConfig() Config {
	return Config{
		Provider:    ProviderAnthropic,
		MaxTokens:   1024,
		Temperature: 0.7,
		Timeout:     60 * time.Second,
	}
}

// New creates the configured provider.
func New(cfg Config, logger *slog.Logger) (Responder, error) {
	switch cfg.Provider {
	case ProviderAnthropic:
		return NewAnthropic(cfg, logger)
	case ProviderOpenAI:
		return NewOpenAI(cfg, logger)
	case ProviderWebhook:
		return NewWebhook(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown responder provider: %q", cfg.Provider)
	}
}
