// Package mockclient provides a deterministic llm.Client for offline runs
// and tests. It echoes the last message back with fixed usage numbers.
package mockclient

import (
	"context"
	"strings"

	"engram/internal/llm"
	"engram/internal/state"
)

const echoPrefix = "MOCK RESPONSE"

type Client struct{}

// New returns a client that answers every request with an echo of the last
// message. Usage is fixed so tests can assert exact telemetry rows.
func New() *Client {
	return &Client{}
}

func (c *Client) Chat(_ context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	content := echoPrefix
	if n := len(req.Messages); n > 0 {
		if last := strings.TrimSpace(req.Messages[n-1].Content); last != "" {
			content = echoPrefix + ": " + last
		}
	}
	choice := llm.ChatChoice{
		Message:      state.Message{Role: "assistant", Content: content},
		FinishReason: "stop",
	}
	return llm.ChatResponse{
		Choices: []llm.ChatChoice{choice},
		Usage:   &llm.Usage{PromptTokens: 42, CompletionTokens: 7, TotalTokens: 49},
	}, nil
}
