// Package apierror renders guard failures as JSON bodies with stable error
// codes and maps dependency faults onto HTTP statuses.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/dskow/upstream-guard/internal/fault"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Guard error codes. These form a public API contract; clients program
// against them. Do not rename or remove existing codes.
const (
	CircuitOpen           ErrorCode = "GUARD_CIRCUIT_OPEN"
	RateLimited           ErrorCode = "GUARD_RATE_LIMITED"
	UpstreamUnavailable   ErrorCode = "GUARD_UPSTREAM_UNAVAILABLE"
	UpstreamRejected      ErrorCode = "GUARD_UPSTREAM_REJECTED"
	BatchCleared          ErrorCode = "GUARD_BATCH_CLEARED"
	DeadlineExceeded      ErrorCode = "GUARD_DEADLINE_EXCEEDED"
	RequestCancelled      ErrorCode = "GUARD_REQUEST_CANCELLED"
	InvalidRequest        ErrorCode = "GUARD_INVALID_REQUEST"
	UnknownDependency     ErrorCode = "GUARD_UNKNOWN_DEPENDENCY"
	NotFound              ErrorCode = "GUARD_NOT_FOUND"
	BodyTooLarge          ErrorCode = "GUARD_BODY_TOO_LARGE"
	AuthMissingToken      ErrorCode = "GUARD_AUTH_MISSING_TOKEN"
	AuthInvalidToken      ErrorCode = "GUARD_AUTH_INVALID_TOKEN"
	AuthInsufficientScope ErrorCode = "GUARD_AUTH_INSUFFICIENT_SCOPE"
	Forbidden             ErrorCode = "GUARD_FORBIDDEN"
	InternalError         ErrorCode = "GUARD_INTERNAL_ERROR"
)

// ErrorResponse is the standardized error body.
type ErrorResponse struct {
	Error        string `json:"error"`
	ErrorCode    string `json:"error_code"`
	Message      string `json:"message"`
	Dependency   string `json:"dependency,omitempty"`
	InvocationID string `json:"invocation_id,omitempty"`
	ElapsedMs    int64  `json:"elapsed_ms,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
}

// Problem is an error resolved into its HTTP rendering.
type Problem struct {
	Status     int
	Code       ErrorCode
	Message    string
	RetryAfter time.Duration
	Dependency string
	Invocation string
	Elapsed    time.Duration
}

// FromError classifies err. Unknown errors become 500 without leaking their
// text.
func FromError(err error) Problem {
	p := Problem{Status: http.StatusInternalServerError, Code: InternalError, Message: "an unexpected error occurred"}

	var ie *fault.InvocationError
	if errors.As(err, &ie) {
		p.Dependency = ie.Dependency
		p.Invocation = ie.InvocationID
		p.Elapsed = ie.Elapsed
	}

	var (
		coe *fault.CircuitOpenError
		rle *fault.RateLimitError
		qce *fault.QueueClearedError
		pe  *fault.PermanentError
		te  *fault.TransientError
	)
	switch {
	case errors.As(err, &coe):
		p.Status, p.Code, p.Message = http.StatusServiceUnavailable, CircuitOpen, "circuit breaker open for dependency "+coe.Dependency
		p.RetryAfter = coe.RetryAfter
		p.Dependency = coe.Dependency
	case errors.As(err, &rle):
		p.Status, p.Code, p.Message = http.StatusTooManyRequests, RateLimited, "rate limit exceeded for dependency "+rle.Dependency
		p.RetryAfter = rle.RetryAfter
		p.Dependency = rle.Dependency
	case errors.As(err, &qce):
		p.Status, p.Code, p.Message = http.StatusServiceUnavailable, BatchCleared, "pending batch was cleared"
	case errors.Is(err, context.DeadlineExceeded):
		p.Status, p.Code, p.Message = http.StatusGatewayTimeout, DeadlineExceeded, "request deadline exceeded"
	case errors.Is(err, context.Canceled):
		p.Status, p.Code, p.Message = 499, RequestCancelled, "request cancelled"
	case errors.As(err, &pe):
		p.Status, p.Code, p.Message = http.StatusBadGateway, UpstreamRejected, pe.Error()
		if pe.StatusCode >= 400 && pe.StatusCode < 500 {
			p.Status = pe.StatusCode
		}
		p.Dependency = pe.Dependency
	case errors.As(err, &te):
		p.Status, p.Code, p.Message = http.StatusBadGateway, UpstreamUnavailable, "dependency "+te.Dependency+" unavailable"
		p.Dependency = te.Dependency
	}
	return p
}

// WriteError renders err through FromError, setting Retry-After when the
// fault carries a hint.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	p := FromError(err)
	if p.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(p.RetryAfter.Seconds()))))
	}
	write(w, r, p.Status, ErrorResponse{
		ErrorCode:    string(p.Code),
		Message:      p.Message,
		Dependency:   p.Dependency,
		InvocationID: p.Invocation,
		ElapsedMs:    p.Elapsed.Milliseconds(),
	})
}

// WriteJSON writes a structured JSON error response.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	write(w, r, status, ErrorResponse{ErrorCode: string(code), Message: message})
}

func write(w http.ResponseWriter, r *http.Request, status int, body ErrorResponse) {
	body.Error = http.StatusText(status)
	if body.Error == "" {
		body.Error = "Client Closed Request"
	}
	if r != nil {
		body.RequestID = r.Header.Get("X-Request-ID")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}
