package reasoning

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCategory is the normalized provider failure taxonomy.
type ErrorCategory string

const (
	// ErrorTimeout indicates the provider took too long to respond
	ErrorTimeout ErrorCategory = "timeout"

	// ErrorUnavailable indicates the provider could not be reached or returned a server error
	ErrorUnavailable ErrorCategory = "unavailable"

	// ErrorRateLimited indicates too many requests
	ErrorRateLimited ErrorCategory = "rate_limited"

	// ErrorMalformedOutput indicates the provider answered outside the expected structure
	ErrorMalformedOutput ErrorCategory = "malformed_output"

	// ErrorAuthentication indicates credential or permission issues
	ErrorAuthentication ErrorCategory = "authentication"

	// ErrorBadRequest indicates the provider rejected the request itself
	ErrorBadRequest ErrorCategory = "bad_request"

	// ErrorCanceled indicates the caller gave up
	ErrorCanceled ErrorCategory = "canceled"

	// ErrorInternal indicates an unexpected internal error
	ErrorInternal ErrorCategory = "internal"
)

var (
	ErrProviderTimeout     = errors.New("provider timeout")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrMalformedOutput     = errors.New("malformed provider output")
)

// ProviderError wraps provider failures with normalized categorization.
type ProviderError struct {
	Category   ErrorCategory
	Provider   string
	Message    string
	Underlying error
	Retryable  bool
}

func (e *ProviderError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("provider %s [%s]: %s: %v", e.Provider, e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("provider %s [%s]: %s", e.Provider, e.Category, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Underlying
}

// Is maps categories onto the package sentinels.
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrProviderTimeout:
		return e.Category == ErrorTimeout
	case ErrMalformedOutput:
		return e.Category == ErrorMalformedOutput
	case ErrProviderUnavailable:
		return e.Category != ErrorMalformedOutput && e.Category != ErrorTimeout
	}
	return false
}

// NewProviderError creates a normalized provider error.
func NewProviderError(category ErrorCategory, provider, message string, underlying error) *ProviderError {
	retryable := category == ErrorTimeout ||
		category == ErrorUnavailable ||
		category == ErrorRateLimited ||
		category == ErrorMalformedOutput

	return &ProviderError{
		Category:   category,
		Provider:   provider,
		Message:    message,
		Underlying: underlying,
		Retryable:  retryable,
	}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// CategoryOf extracts the category, defaulting to internal.
func CategoryOf(err error) ErrorCategory {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ErrorInternal
}

// classify normalizes whatever a provider returned. attemptCtx is the
// per-attempt context, parent the caller's.
func classify(provider string, err error, attemptCtx, parent context.Context) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	switch {
	case parent.Err() != nil && errors.Is(parent.Err(), context.Canceled):
		return NewProviderError(ErrorCanceled, provider, "caller canceled", err)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return NewProviderError(ErrorTimeout, provider, "attempt deadline exceeded", err)
	case errors.Is(err, context.Canceled):
		return NewProviderError(ErrorCanceled, provider, "canceled", err)
	default:
		return NewProviderError(ErrorUnavailable, provider, "invocation failed", err)
	}
}

// Attempt records one provider invocation for diagnostics.
type Attempt struct {
	Provider string        `json:"provider"`
	Number   int           `json:"number"`
	Category ErrorCategory `json:"category,omitempty"`
	Error    string        `json:"error,omitempty"`
	Millis   int64         `json:"duration_ms"`
}

// ChainError is returned when every provider failed. It matches ErrProviderUnavailable.
type ChainError struct {
	Attempts []Attempt
	Last     error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("all providers failed after %d attempts: %v", len(e.Attempts), e.Last)
}

func (e *ChainError) Unwrap() error {
	return e.Last
}

func (e *ChainError) Is(target error) bool {
	return target == ErrProviderUnavailable
}
