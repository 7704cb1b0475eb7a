// Package errors provides the error taxonomy shared by every core component.
//
// Queue Store, API Client, Retry Policy and Sync Engine wrap the errors they
// originate in an AppError so that the caller can classify them once, at the
// boundary. Context cancellation errors and row-iteration errors are passed
// through unwrapped.
package errors

import (
	"fmt"
	"time"
)

// ErrorCode identifies one of the taxonomy kinds from the design notes.
type ErrorCode string

const (
	// Network covers connection failures, timeouts and 5xx responses. Retryable.
	Network ErrorCode = "NETWORK"
	// RateLimit is a 429 response, optionally carrying a Retry-After hint. Retryable.
	RateLimit ErrorCode = "RATE_LIMIT"
	// Auth covers 401/403 responses. Permanent, no retry.
	Auth ErrorCode = "AUTH"
	// Api covers other 4xx responses. Permanent.
	Api ErrorCode = "API"
	// Storage covers local durable-store failures (I/O, corruption, serialization).
	Storage ErrorCode = "STORAGE"
	// Config covers configuration and invocation errors. Permanent.
	Config ErrorCode = "CONFIG"
	// Unknown is the default for anything uncategorized; treated as retryable.
	Unknown ErrorCode = "UNKNOWN"

	// QueueFull signals the durable queue's hard capacity has been reached
	// and the configured policy is to reject rather than evict.
	QueueFull ErrorCode = "QUEUE_FULL"
	// NotFound signals an operation referenced an id the store does not hold.
	NotFound ErrorCode = "NOT_FOUND"
	// Corruption signals the durable store failed its integrity check on open.
	Corruption ErrorCode = "CORRUPTION"
	// SchemaMigration signals a forward migration could not be applied.
	SchemaMigration ErrorCode = "SCHEMA_MIGRATION"
)

// AppError is the single error type threaded through the core.
type AppError struct {
	Code ErrorCode
	// Message is a short, human-readable description.
	Message string
	// Err is the underlying cause, if any.
	Err error
	// RetryAfter is set only for RateLimit errors that carried a Retry-After header.
	RetryAfter *time.Duration
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with no underlying cause.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap attaches a code and message to an existing error.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// WrapRateLimit wraps a RateLimit error with its Retry-After hint, if any.
func WrapRateLimit(message string, retryAfter *time.Duration) *AppError {
	return &AppError{Code: RateLimit, Message: message, RetryAfter: retryAfter}
}

// Is reports whether err is an AppError carrying the given code.
func Is(err error, code ErrorCode) bool {
	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}
	return appErr.Code == code
}

// CodeOf returns the code of err if it is an AppError, or Unknown otherwise.
func CodeOf(err error) ErrorCode {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return Unknown
}

// Retryable reports whether an error of this code should be retried by the
// Sync Engine. Network, RateLimit and Unknown are retryable; Auth, Api,
// Config, NotFound, QueueFull and Corruption are not.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case Network, RateLimit, Unknown:
		return true
	default:
		return false
	}
}
