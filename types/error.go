package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the orchestration core.
type ErrorCode string

// Execution error codes
const (
	ErrTransientBackend ErrorCode = "TRANSIENT_BACKEND"
	ErrTimeout          ErrorCode = "TIMEOUT"
	ErrDelegateRejected ErrorCode = "DELEGATE_REJECTED"
	ErrQueueFull        ErrorCode = "QUEUE_FULL"
	ErrCancelled        ErrorCode = "CANCELLED"
	ErrInternalError    ErrorCode = "INTERNAL_ERROR"
)

// Contract error codes
const (
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrInvalidParent     ErrorCode = "INVALID_PARENT"
	ErrNotFound          ErrorCode = "NOT_FOUND"
)

// Orchestration error codes
const (
	ErrNoCandidates       ErrorCode = "NO_CANDIDATES"
	ErrAllDelegatesFailed ErrorCode = "ALL_DELEGATES_FAILED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	AgentID   string    `json:"agent_id,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
// Transient and timeout codes are retryable by default.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: code.retryableByDefault()}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithAgent records the agent the error originated from.
func (e *Error) WithAgent(agentID string) *Error {
	e.AgentID = agentID
	return e
}

func (c ErrorCode) retryableByDefault() bool {
	return c == ErrTransientBackend || c == ErrTimeout
}

// IsRetryable checks if an error is retryable.
// It looks through wrapping, so a retryable Error wrapped with fmt.Errorf("%w") still counts.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Transient is shorthand for a retryable backend-unavailable error.
func Transient(message string, cause error) *Error {
	return NewError(ErrTransientBackend, message).WithCause(cause)
}

// Rejected is shorthand for a non-retryable delegate rejection.
func Rejected(message string) *Error {
	return NewError(ErrDelegateRejected, message)
}
