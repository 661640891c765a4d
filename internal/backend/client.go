// Package backend provides the reasoning clients used for planning, code
// generation, and interpretation. All providers expose the same completion
// interface; provider selection happens once at startup from configuration.
package backend

import (
	"context"
	"fmt"
	"time"

	"datasage/internal/logging"
)

const defaultSystemPrompt = "You are a careful data analyst. Ground every statement in the supplied data profile and execution results. Respond in English. Be concise."

const maxRetries = 3

// Client is the completion interface all providers implement.
type Client interface {
	// Complete sends a prompt and returns the completion.
	Complete(ctx context.Context, prompt string) (string, error)
	// CompleteWithSystem sends a prompt with a system message.
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Provider identifies a reasoning backend implementation.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGemini    Provider = "gemini"
)

// Purpose tags a completion with the pipeline stage issuing it. Purely a
// logging aid; every provider serves every purpose.
type Purpose string

const (
	PurposePlan      Purpose = "plan"
	PurposeRevise    Purpose = "revise"
	PurposeCodegen   Purpose = "codegen"
	PurposeRepair    Purpose = "repair"
	PurposeInterpret Purpose = "interpret"
)

// Config holds provider selection and connection settings. Zero-valued
// fields fall back to per-provider defaults.
type Config struct {
	Provider Provider
	APIKey   string
	BaseURL  string
	Model    string
	Timeout  time.Duration
}

// New builds a client for the configured provider.
func New(cfg Config) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: API key not configured: %w", cfg.Provider, ErrUnauthorized)
	}
	switch cfg.Provider {
	case ProviderAnthropic:
		return NewAnthropicClient(cfg), nil
	case ProviderOpenAI:
		return NewOpenAIClient(cfg), nil
	case ProviderGemini:
		return NewGeminiClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (valid: anthropic, openai, gemini)", cfg.Provider)
	}
}

// CompleteForPurpose runs a completion tagged with the stage issuing it.
func CompleteForPurpose(ctx context.Context, c Client, purpose Purpose, systemPrompt, userPrompt string) (string, error) {
	start := time.Now()
	out, err := c.CompleteWithSystem(ctx, systemPrompt, userPrompt)
	if err != nil {
		logging.BackendError("[%s] completion failed after %v: %v", purpose, time.Since(start), err)
		return "", err
	}
	logging.BackendDebug("[%s] completion ok in %v response_len=%d", purpose, time.Since(start), len(out))
	return out, nil
}
