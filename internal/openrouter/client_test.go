package openrouter

import (
	"net/http"
	"testing"
	"time"

	"engram/internal/llm"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantType  llm.ErrorType
		retryable bool
	}{
		{"rate limited", 429, llm.ErrorTypeRateLimit, true},
		{"no credit", 402, llm.ErrorTypeInsufficientCredit, false},
		{"bad key", 401, llm.ErrorTypeAuth, false},
		{"moderation", 403, llm.ErrorTypeModeration, false},
		{"bad gateway", 502, llm.ErrorTypeProviderDown, true},
		{"unavailable", 503, llm.ErrorTypeProviderDown, true},
		{"teapot", 418, llm.ErrorTypeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyStatus(tt.status, http.Header{}, []byte("upstream said no"))
			pe, ok := llm.IsProviderError(err)
			if !ok {
				t.Fatalf("classifyStatus(%d) did not return a ProviderError: %v", tt.status, err)
			}
			if pe.Type != tt.wantType {
				t.Errorf("type = %s, want %s", pe.Type, tt.wantType)
			}
			if pe.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", pe.Retryable, tt.retryable)
			}
			if pe.Provider != "openrouter" {
				t.Errorf("provider = %q", pe.Provider)
			}
		})
	}
}

func TestClassifyStatusHonorsRetryAfter(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "30")

	err := classifyStatus(429, header, nil)
	pe, ok := llm.IsProviderError(err)
	if !ok {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.RetryAfter == nil || *pe.RetryAfter != 30*time.Second {
		t.Fatalf("RetryAfter = %v, want 30s", pe.RetryAfter)
	}
	if pe.Message == "" {
		t.Error("empty body should fall back to the status text")
	}
}
