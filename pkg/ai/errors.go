// Package ai provides common types shared by the STT, LLM, TTS and VAD
// provider packages: a two-level error taxonomy and retry configuration.
package ai

import (
	"errors"
	"time"
)

// Common error classes used across providers. A turn that hits either class
// is abandoned; the classification only decides whether the call itself may
// be retried before giving up.
var (
	// ErrRecoverable indicates a temporary provider failure that may succeed
	// if retried: network timeout, rate limiting, service overload.
	ErrRecoverable = errors.New("recoverable provider error")

	// ErrFatal indicates a permanent provider failure: invalid API key,
	// unsupported audio format, malformed request.
	ErrFatal = errors.New("fatal provider error")
)

// RetryConfig configures retry behavior for recoverable errors.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterPercent float32 // 0.0-1.0
}

// DefaultRetryConfig provides sensible defaults for provider retries.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:    3,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      5 * time.Second,
	BackoffFactor: 2.0,
	JitterPercent: 0.1,
}

// IsRecoverable reports whether err should be retried.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrRecoverable)
}

// IsFatal reports whether err is permanent and should fail fast.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// ClassifiedError wraps an underlying provider error with its retry class.
type ClassifiedError struct {
	Underlying error
	Retryable  bool
	Message    string
}

func (e *ClassifiedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Underlying.Error()
}

func (e *ClassifiedError) Unwrap() error {
	if e.Retryable {
		return ErrRecoverable
	}
	return ErrFatal
}

// NewRecoverableError wraps err as recoverable with context.
func NewRecoverableError(underlying error, message string) error {
	return &ClassifiedError{Underlying: underlying, Retryable: true, Message: message}
}

// NewFatalError wraps err as fatal with context.
func NewFatalError(underlying error, message string) error {
	return &ClassifiedError{Underlying: underlying, Retryable: false, Message: message}
}
