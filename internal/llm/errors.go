package llm

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType buckets provider failures by how the caller should react.
type ErrorType string

const (
	ErrorTypeRateLimit          ErrorType = "rate_limit"
	ErrorTypeQuotaExceeded      ErrorType = "quota_exceeded"
	ErrorTypeInsufficientCredit ErrorType = "insufficient_credit"
	ErrorTypeProviderDown       ErrorType = "provider_down"
	ErrorTypeAuth               ErrorType = "auth"
	ErrorTypeModeration         ErrorType = "moderation"
	ErrorTypeUnknown            ErrorType = "unknown"
)

// ProviderError is the classified form of an API failure. Retryable and
// RetryAfter drive the agent's backoff; ResetAt is informational.
type ProviderError struct {
	Type       ErrorType
	Provider   string
	Code       string
	Message    string
	ResetAt    *time.Time
	RetryAfter *time.Duration
	Retryable  bool
}

func (e *ProviderError) Error() string {
	msg := e.Provider + ": " + e.Message
	if e.ResetAt != nil {
		msg += fmt.Sprintf(" (resets at %s)", e.ResetAt.Format("15:04:05"))
	}
	return msg
}

// NewProviderError builds a ProviderError with the classification fields
// set; callers fill in retry hints afterwards.
func NewProviderError(provider string, errType ErrorType, code, message string) *ProviderError {
	return &ProviderError{Type: errType, Provider: provider, Code: code, Message: message}
}

// IsProviderError looks through err's wrap chain for a ProviderError.
func IsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
