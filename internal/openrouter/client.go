// Package openrouter implements llm.Client against the OpenRouter
// chat-completions endpoint, which speaks the OpenAI wire format.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"engram/internal/llm"
	"engram/internal/logging"
)

type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *log.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		logger:     logger,
	}
}

// Chat executes a single completion request. Non-2xx responses come back as
// *llm.ProviderError so the caller's retry loop can classify them.
func (c *Client) Chat(ctx context.Context, reqPayload llm.ChatRequest) (llm.ChatResponse, error) {
	var out llm.ChatResponse

	req, err := c.newChatRequest(ctx, reqPayload)
	if err != nil {
		return out, err
	}

	c.logger.Printf("sending %d messages to model %s", len(reqPayload.Messages), reqPayload.Model)
	logging.DevLog("openrouter: sending request to %s with %d messages", reqPayload.Model, len(reqPayload.Messages))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return out, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		logging.ErrorLog("openrouter API error: %d - %s", resp.StatusCode, string(body))
		return out, classifyStatus(resp.StatusCode, resp.Header, body)
	}

	if err := json.Unmarshal(body, &out); err != nil {
		logging.ErrorLog("openrouter response parse error: %v", err)
		return out, fmt.Errorf("parse response: %w", err)
	}
	logging.DevLog("openrouter: received response with %d choices", len(out.Choices))
	return out, nil
}

func (c *Client) newChatRequest(ctx context.Context, payload llm.ChatRequest) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("X-Title", "Engram")
	return req, nil
}

// classifyStatus maps HTTP failures onto the shared provider error taxonomy
// so the retry loop can tell transient failures from fatal ones.
func classifyStatus(status int, header http.Header, body []byte) error {
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = http.StatusText(status)
	}
	pe := llm.NewProviderError("openrouter", llm.ErrorTypeUnknown, strconv.Itoa(status), message)

	switch status {
	case http.StatusTooManyRequests:
		pe.Type = llm.ErrorTypeRateLimit
		pe.Retryable = true
		if d := parseRetryAfter(header.Get("Retry-After")); d > 0 {
			pe.RetryAfter = &d
		}
	case http.StatusPaymentRequired:
		pe.Type = llm.ErrorTypeInsufficientCredit
	case http.StatusUnauthorized:
		pe.Type = llm.ErrorTypeAuth
	case http.StatusForbidden:
		pe.Type = llm.ErrorTypeModeration
	default:
		if status >= 500 {
			pe.Type = llm.ErrorTypeProviderDown
			pe.Retryable = true
		}
	}
	return pe
}

// parseRetryAfter understands the delta-seconds form only; HTTP-date values
// are rare from OpenRouter and fall back to the default backoff.
func parseRetryAfter(raw string) time.Duration {
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
