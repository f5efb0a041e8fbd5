package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Upstream call outcomes
	ErrRateLimited = errors.New("rate limited")
	ErrCircuitOpen = errors.New("circuit breaker open")
	ErrTimeout     = errors.New("operation timeout")
	ErrUpstream    = errors.New("upstream failure")
	ErrParse       = errors.New("response parse failure")
	ErrCancelled   = errors.New("operation cancelled")

	// Admission errors
	ErrQueueFull      = errors.New("analysis queue full")
	ErrMemoryPressure = errors.New("memory pressure critical")
	ErrSuppressed     = errors.New("recurrence suppressed")

	// Cache errors
	ErrAdviceTooLarge = errors.New("advice exceeds size limit")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrShuttingDown   = errors.New("shutting down")
)

// Error provides structured error information with context.
// It implements the error interface and supports error wrapping.
type Error struct {
	Op      string // Operation that failed (e.g., "client.Analyze")
	Kind    string // Error kind (e.g., "upstream", "queue", "config")
	Status  int    // Upstream HTTP status, when the failure carries one
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *Error) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.Status != 0 {
			return fmt.Sprintf("%s [status %d]: %v", e.Op, e.Status, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured Error
func NewError(op, kind string, err error) *Error {
	return &Error{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// UpstreamError wraps an upstream HTTP failure with its status code.
func UpstreamError(op string, status int) *Error {
	return &Error{
		Op:      op,
		Kind:    "upstream",
		Status:  status,
		Message: fmt.Sprintf("upstream returned status %d", status),
		Err:     ErrUpstream,
	}
}

// UpstreamStatus extracts the HTTP status carried by an upstream error.
// Returns false when the error does not carry one.
func UpstreamStatus(err error) (int, bool) {
	var e *Error
	if errors.As(err, &e) && e.Status != 0 {
		return e.Status, true
	}
	return 0, false
}

// IsRetryable checks if an error should be retried inside the HTTP client.
// Rate limiting and an open circuit are self-protection signals, never retried
// within the same call.
func IsRetryable(err error) bool {
	if status, ok := UpstreamStatus(err); ok {
		return RetryableStatus(status)
	}
	return errors.Is(err, ErrUpstream)
}

// RetryableStatus reports whether an upstream HTTP status is worth retrying.
func RetryableStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// IsQueueFull checks if an error represents queue admission rejection
func IsQueueFull(err error) bool {
	return errors.Is(err, ErrQueueFull) || errors.Is(err, ErrMemoryPressure)
}

// IsRateLimited checks if an error is a rate-limit rejection
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// FallbackReason reports whether the pipeline should substitute fallback
// advice for this failure. Timeouts and cancellations produce no advice at
// all; everything else degrades to the stub.
func FallbackReason(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open", true
	case errors.Is(err, ErrRateLimited):
		return "rate_limited", true
	case errors.Is(err, ErrParse):
		return "parse_error", true
	case errors.Is(err, ErrUpstream):
		return "upstream_error", true
	}
	return "", false
}
