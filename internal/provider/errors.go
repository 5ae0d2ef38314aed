package provider

import (
	"errors"
	"fmt"
)

// Registry lookup failures.
var (
	ErrProviderNotFound = errors.New("provider not found")
	ErrModelNotFound    = errors.New("model not found")
)

// ErrorCode classifies a provider failure.
type ErrorCode string

const (
	ErrCodeAuthFailed         ErrorCode = "AUTH_FAILED"
	ErrCodeRateLimited        ErrorCode = "RATE_LIMITED"
	ErrCodeQuotaExceeded      ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeNetworkError       ErrorCode = "NETWORK_ERROR"
	ErrCodeInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrCodeTimeout            ErrorCode = "TIMEOUT"
	ErrCodeContextExceeded    ErrorCode = "CONTEXT_WINDOW_EXCEEDED"
	ErrCodeUnknown            ErrorCode = "UNKNOWN"
)

// Error is a structured provider failure carried on error chunks.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Provider  string    `json:"provider"`
	Retryable bool      `json:"retryable"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Code, e.Message)
}

// NewError builds a provider error with retryability derived from the code.
func NewError(provider string, code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Provider:  provider,
		Retryable: retryableCode(code),
	}
}

func retryableCode(code ErrorCode) bool {
	switch code {
	case ErrCodeRateLimited, ErrCodeServiceUnavailable, ErrCodeNetworkError, ErrCodeTimeout:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err is a provider error worth one retry.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}
