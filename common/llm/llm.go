package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var nameInvalidChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// Provider constants for LLM provider selection.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var ErrAPIKeyRequired = errors.New("API key is required")

// Config holds LLM client configuration. Credentials are not part of it:
// every request carries the key chosen from the KeyPool.
type Config struct {
	Provider  string // "openai" or "anthropic"
	BaseURL   string // Optional: custom API endpoint
	Model     string // Model name (e.g., "gpt-4o-mini", "claude-sonnet-4-5-20250514")
	MaxTokens int
}

// Message represents a conversation message.
type Message struct {
	Role    string // "system", "user", "assistant"
	Name    string // Optional: participant name for multi-user conversations (user messages only)
	Content string
}

// StreamRequest contains the conversation history for one generation attempt.
type StreamRequest struct {
	Messages  []Message
	APIKey    string
	MaxTokens int
}

// Stream yields text chunks of a single model response.
// Recv returns io.EOF once the response is complete.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// StreamClient starts streamed chat completions.
type StreamClient interface {
	ChatStream(ctx context.Context, req StreamRequest) (Stream, error)
	Model() string
}

// NewStreamClient selects the provider implementation based on cfg.Provider.
// Defaults to OpenAI if no provider is specified.
func NewStreamClient(cfg Config) (StreamClient, error) {
	provider := cfg.Provider
	if provider == "" {
		provider = ProviderOpenAI
	}

	switch provider {
	case ProviderOpenAI:
		return newOpenAIClient(cfg), nil
	case ProviderAnthropic:
		return newAnthropicClient(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", provider)
	}
}

// SanitizeName converts a username to a valid OpenAI name parameter.
// The name must match ^[a-zA-Z0-9_-]{1,64}$.
// Invalid characters are replaced with underscores, and the result is truncated to 64 characters.
func SanitizeName(username string) string {
	sanitized := nameInvalidChars.ReplaceAllString(username, "_")
	if len(sanitized) > 64 {
		sanitized = sanitized[:64]
	}
	return sanitized
}
