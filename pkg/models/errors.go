package models

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// StatusOverloaded is the non-standard status some providers return when
// shedding load.
const StatusOverloaded = 529

// ProviderError is returned when a model API responds with an error.
type ProviderError struct {
	// Status is the HTTP status code, 0 for transport-level failures.
	Status int

	// Code is the provider's error type string, e.g.
	// "rate_limit_error" or "invalid_request_error".
	Code string

	// Message is the human-readable description.
	Message string

	// Retryable marks errors worth retrying with backoff.
	Retryable bool
}

// NewProviderError builds a ProviderError with retryability derived from
// the status code: rate limits, timeouts, overloads, server errors, and
// transport failures retry; everything else (auth, invalid request) is
// fatal.
func NewProviderError(status int, code, message string) *ProviderError {
	retryable := false
	switch {
	case status == 0:
		retryable = true
	case status == http.StatusTooManyRequests:
		retryable = true
	case status == http.StatusRequestTimeout:
		retryable = true
	case status >= 500:
		retryable = true
	}
	return &ProviderError{Status: status, Code: code, Message: message, Retryable: retryable}
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider: HTTP %d %s: %s", e.Status, e.Code, e.Message)
	}
	if e.Status == 0 {
		return fmt.Sprintf("provider: %s", e.Message)
	}
	return fmt.Sprintf("provider: HTTP %d: %s", e.Status, e.Message)
}

// IsRateLimited reports whether the error is a rate limit response.
func (e *ProviderError) IsRateLimited() bool {
	return e.Status == http.StatusTooManyRequests
}

// IsOverloaded reports whether the provider reported overload.
func (e *ProviderError) IsOverloaded() bool {
	return e.Status == StatusOverloaded || e.Status == http.StatusServiceUnavailable
}

// Retryable classifies any error from a provider call. Cancellation is
// never retried; a deadline hit is (the next attempt gets a fresh
// timeout). Errors without a ProviderError in their chain are transport
// failures and retry.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}
