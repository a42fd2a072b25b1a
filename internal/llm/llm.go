// Package llm defines the provider-neutral chat surface: the request and
// response shapes exchanged with a completion API and the Client interface
// every backend implements.
package llm

import (
	"context"

	"engram/internal/state"
	"engram/internal/tooling"
)

// Client is a chat-completion backend. Implementations honor ctx
// cancellation and return *ProviderError for classified API failures.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

type ChatRequest struct {
	Model       string                   `json:"model"`
	Messages    []state.Message          `json:"messages"`
	Tools       []tooling.ToolDefinition `json:"tools,omitempty"`
	Temperature float64                  `json:"temperature,omitempty"`
}

type ChatResponse struct {
	Choices []ChatChoice `json:"choices"`
	Usage   *Usage       `json:"usage,omitempty"`
}

type ChatChoice struct {
	Index        int           `json:"index"`
	Message      state.Message `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// Usage reports the provider's own token accounting. A non-zero
// PromptTokens figure supersedes the local estimate wherever both exist.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
