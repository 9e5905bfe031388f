// Package ratelimit provides the per-dependency token bucket that keeps
// outbound traffic inside a dependency's quota.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dskow/upstream-guard/internal/fault"
	"github.com/dskow/upstream-guard/internal/metrics"
)

// Policy allows MaxRequests per Window, refilled continuously. A bucket of
// MaxRequests tokens lets a full window's quota burst at once.
type Policy struct {
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
}

// Enabled reports whether the policy limits anything.
func (p Policy) Enabled() bool {
	return p.MaxRequests > 0 && p.Window > 0
}

func (p Policy) limit() rate.Limit {
	return rate.Limit(float64(p.MaxRequests) / p.Window.Seconds())
}

// Status is a point-in-time view of a limiter.
type Status struct {
	Policy   Policy  `json:"policy"`
	Tokens   float64 `json:"tokens"`
	Rejected uint64  `json:"rejected"`
}

// Limiter guards one dependency. A nil *Limiter admits everything.
type Limiter struct {
	mu       sync.Mutex
	name     string
	policy   Policy
	lim      *rate.Limiter
	rejected uint64
	logger   *slog.Logger
	now      func() time.Time
}

// New returns a limiter for dependency name, or nil when p is disabled.
func New(name string, p Policy, logger *slog.Logger) *Limiter {
	if !p.Enabled() {
		return nil
	}
	return &Limiter{
		name:   name,
		policy: p,
		lim:    rate.NewLimiter(p.limit(), p.MaxRequests),
		logger: logger,
		now:    time.Now,
	}
}

// Reserve takes one token. When none is available it returns
// *fault.RateLimitError carrying the wait until the next token, and the
// attempt does not consume quota.
func (l *Limiter) Reserve() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	r := l.lim.ReserveN(now, 1)
	if !r.OK() {
		return l.rejectLocked(l.policy.Window)
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return l.rejectLocked(delay)
	}
	return nil
}

// Must be called with l.mu held.
func (l *Limiter) rejectLocked(retryAfter time.Duration) error {
	l.rejected++
	metrics.RateLimitRejections.WithLabelValues(l.name).Inc()
	l.logger.Warn("rate limit exceeded", "dependency", l.name, "retry_after_ms", retryAfter.Milliseconds())
	return &fault.RateLimitError{Dependency: l.name, RetryAfter: retryAfter}
}

// UpdatePolicy applies a new quota in place. A disabled policy is ignored;
// rebuild the owner to drop limiting entirely.
func (l *Limiter) UpdatePolicy(p Policy) {
	if l == nil || !p.Enabled() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.policy = p
	l.lim.SetLimitAt(now, p.limit())
	l.lim.SetBurstAt(now, p.MaxRequests)
}

// Status returns the current policy, available tokens and rejection count.
func (l *Limiter) Status() Status {
	if l == nil {
		return Status{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{Policy: l.policy, Tokens: l.lim.TokensAt(l.now()), Rejected: l.rejected}
}
