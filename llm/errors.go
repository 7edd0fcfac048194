// ABOUTME: Error taxonomy for the unified LLM client.
// ABOUTME: Provides SDKError base, provider error kinds, and retryability classification.

package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// SDKError is the base error type for all client errors.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error { return e.Cause }

// ConfigurationError indicates a client-side misconfiguration (missing key,
// unknown provider). Never retryable.
type ConfigurationError struct {
	SDKError
}

// ProviderError is an error returned by the LLM provider's API.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	RetryAfter float64 // seconds, 0 when the provider sent no hint
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s (provider=%s status=%d)", e.SDKError.Error(), e.Provider, e.StatusCode)
}

// IsRetryable reports whether the error is transient: rate limits and 5xx.
func (e *ProviderError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// RateLimitError is a 429 from the provider.
type RateLimitError struct {
	ProviderError
}

// ServerError is a 5xx from the provider.
type ServerError struct {
	ProviderError
}

// AuthenticationError is a 401/403 from the provider.
type AuthenticationError struct {
	ProviderError
}

// NewProviderError classifies a provider HTTP status into the appropriate error kind.
func NewProviderError(provider string, status int, message string, cause error) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message, Cause: cause},
		Provider:   provider,
		StatusCode: status,
	}
	switch {
	case status == http.StatusTooManyRequests:
		return &RateLimitError{ProviderError: pe}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthenticationError{ProviderError: pe}
	case status >= 500:
		return &ServerError{ProviderError: pe}
	default:
		return &pe
	}
}

// IsRateLimit reports whether err is (or wraps) a rate limit error.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// IsTransient reports whether err is a retryable provider error.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.IsRetryable()
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var se *ServerError
	return errors.As(err, &se)
}
