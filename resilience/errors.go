package resilience

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// Error is an operation error whose retryability is decided once, at the
// construction site, instead of being inferred from error shapes downstream.
type Error struct {
	cause     error
	retryable bool
}

// Transient wraps err as a retryable error.
func Transient(err error) *Error {
	return &Error{cause: err, retryable: true}
}

// Permanent wraps err as a non-retryable error.
func Permanent(err error) *Error {
	return &Error{cause: err, retryable: false}
}

func (e *Error) Error() string {
	return e.cause.Error()
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Retryable reports whether the operation that produced this error may be
// retried.
func (e *Error) Retryable() bool {
	return e.retryable
}

// CircuitOpenError is returned when a breaker rejects a call without invoking
// the underlying operation.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (retry after %s)", e.Name, e.RetryAfter)
}

// IsCircuitOpen reports whether err was caused by a breaker rejection, as
// opposed to the wrapped operation's own failure.
func IsCircuitOpen(err error) bool {
	var coe *CircuitOpenError
	return errors.As(err, &coe)
}

// RetriesExhaustedError is returned after the retry budget is spent. It wraps
// the last error observed from the operation.
type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Last
}

// DefaultIsRetryable classifies an error as transient or permanent when the
// operation did not tag it explicitly. Tagged errors always win; otherwise
// timeouts, cancellation deadlines and connection-level failures are
// considered transient.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Retryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	return false
}
