package resilience

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for resilience operations.
var (
	// ErrCircuitOpen is returned when a collaborator's circuit breaker is open.
	ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

	// ErrRateLimitExceeded is returned when admission is denied for a key.
	ErrRateLimitExceeded = errors.New("resilience: rate limit exceeded")

	// ErrMaxRetriesExceeded is returned when retry attempts are exhausted.
	ErrMaxRetriesExceeded = errors.New("resilience: max retries exceeded")

	// ErrBulkheadFull is returned when the bulkhead is at capacity.
	ErrBulkheadFull = errors.New("resilience: bulkhead at capacity")

	// ErrTimeout is returned when an operation exceeds its deadline.
	ErrTimeout = errors.New("resilience: operation timed out")

	// ErrRecoveryExhausted is returned when every fallback strategy failed.
	ErrRecoveryExhausted = errors.New("resilience: recovery exhausted")

	// ErrCacheMiss records a cache fallback that found no fresh entry.
	ErrCacheMiss = errors.New("resilience: no fresh cache entry")
)

// Classification categorizes an error for retry and recovery decisions.
type Classification int

const (
	// ClassTransient errors are retryable (network blip, temporary overload).
	ClassTransient Classification = iota
	// ClassPermanent errors are not retryable (malformed input, auth failure).
	ClassPermanent
)

// classifiedError wraps an error with an explicit classification.
type classifiedError struct {
	err   error
	class Classification
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// MarkTransient marks err as transient. Returns nil if err is nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassTransient}
}

// MarkPermanent marks err as permanent. Returns nil if err is nil.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: ClassPermanent}
}

// Classify returns the classification of err.
// Unmarked errors default to transient; open circuits, rate-limit denials
// and exhausted recovery are never retried locally.
func Classify(err error) Classification {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.class
	}
	if errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrRecoveryExhausted) {
		return ClassPermanent
	}
	return ClassTransient
}

// IsTransient reports whether err should drive a retry.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}

// RateLimitError carries the admission decision for a denied key.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("resilience: rate limit exceeded for %q (retry after %s)", e.Key, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimitExceeded }

// Attempt records one strategy tried during recovery.
type Attempt struct {
	Strategy Strategy
	Err      error
	Latency  time.Duration
}

// RecoveryExhaustedError reports that every fallback strategy failed,
// carrying the full attempt history for diagnostics.
type RecoveryExhaustedError struct {
	Collaborator string
	Attempts     []Attempt
}

func (e *RecoveryExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		if a.Err != nil {
			parts = append(parts, fmt.Sprintf("%s: %v", a.Strategy, a.Err))
		}
	}
	return fmt.Sprintf("resilience: recovery exhausted for %q [%s]", e.Collaborator, strings.Join(parts, "; "))
}

func (e *RecoveryExhaustedError) Unwrap() error { return ErrRecoveryExhausted }
