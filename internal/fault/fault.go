// Package fault defines the error taxonomy shared by every resilience
// component. Callers classify failures with errors.As against these types;
// nothing in the guard matches on error strings.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// TransientError is a failure worth retrying: network errors, transport
// timeouts and 5xx responses.
type TransientError struct {
	Dependency string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: transient failure (status %d): %v", e.Dependency, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Dependency, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a failure that will not improve on retry, typically a
// 4xx response caused by the request itself.
type PermanentError struct {
	Dependency string
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: permanent failure (status %d): %v", e.Dependency, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: permanent failure: %v", e.Dependency, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// CircuitOpenError is returned without contacting the dependency while its
// breaker is open. RetryAfter is the remaining cool-down.
type CircuitOpenError struct {
	Dependency string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s: circuit open, retry after %s", e.Dependency, e.RetryAfter.Round(time.Millisecond))
}

// RateLimitError is returned when the local quota for a dependency is spent
// or the dependency itself answered 429.
type RateLimitError struct {
	Dependency string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limit exceeded, retry after %s", e.Dependency, e.RetryAfter.Round(time.Millisecond))
}

// QueueClearedError rejects batch items still pending when the queue is
// cleared.
type QueueClearedError struct {
	Queue string
}

func (e *QueueClearedError) Error() string {
	return fmt.Sprintf("batch queue %q cleared before flush", e.Queue)
}

// InvocationError wraps the terminal error of an orchestrated call with the
// dependency it targeted and how long the attempt took.
type InvocationError struct {
	Dependency   string
	Operation    string
	InvocationID string
	Elapsed      time.Duration
	Err          error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s/%s failed after %s: %v", e.Dependency, e.Operation, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// RetryAfter extracts the back-off hint carried by circuit-open and
// rate-limit errors.
func RetryAfter(err error) (time.Duration, bool) {
	var coe *CircuitOpenError
	if errors.As(err, &coe) {
		return coe.RetryAfter, true
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	return 0, false
}
