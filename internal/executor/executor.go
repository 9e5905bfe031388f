// Package executor runs calls against one dependency with retry, circuit
// breaking and rate limiting applied in that order around every attempt.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dskow/upstream-guard/internal/circuitbreaker"
	"github.com/dskow/upstream-guard/internal/fault"
	"github.com/dskow/upstream-guard/internal/metrics"
	"github.com/dskow/upstream-guard/internal/ratelimit"
)

// RetryPolicy shapes the exponential back-off between attempts. The delay
// before retry n (0-based) is BaseDelay * Multiplier^n, capped at MaxDelay.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	Multiplier  float64       `json:"multiplier"`
	MaxDelay    time.Duration `json:"max_delay"`
	Jitter      float64       `json:"jitter"`
}

// DefaultRetryPolicy returns 3 attempts starting at 100ms, doubling, capped
// at 10s, without jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Second}
}

func (p RetryPolicy) normalize() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// Handle describes a dependency to the executor.
type Handle struct {
	Name      string
	Retry     RetryPolicy
	RateLimit ratelimit.Policy
	// Probe, when set, is called by Executor.Probe to check reachability.
	Probe func(ctx context.Context) error
}

// Health is the outcome of the latest probe.
type Health struct {
	Healthy             bool      `json:"healthy"`
	LastCheck           time.Time `json:"last_check"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Executor is safe for concurrent use.
type Executor struct {
	name    string
	breaker *circuitbreaker.Breaker
	limiter *ratelimit.Limiter
	probe   func(ctx context.Context) error
	logger  *slog.Logger

	mu     sync.RWMutex
	retry  RetryPolicy
	health Health

	// sleep waits between attempts; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires a Handle to its breaker. The rate limiter is built from the
// handle's policy.
func New(h Handle, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Executor {
	return &Executor{
		name:    h.Name,
		breaker: breaker,
		limiter: ratelimit.New(h.Name, h.RateLimit, logger),
		probe:   h.Probe,
		logger:  logger,
		retry:   h.Retry.normalize(),
		health:  Health{Healthy: true},
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Name returns the dependency name.
func (e *Executor) Name() string { return e.name }

// Breaker returns the breaker every attempt passes through.
func (e *Executor) Breaker() *circuitbreaker.Breaker { return e.breaker }

// Limiter returns the rate limiter, nil when unlimited.
func (e *Executor) Limiter() *ratelimit.Limiter { return e.limiter }

// RetryPolicy returns the active retry policy.
func (e *Executor) RetryPolicy() RetryPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.retry
}

// UpdateRetry swaps the retry policy for subsequent calls.
func (e *Executor) UpdateRetry(p RetryPolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retry = p.normalize()
}

// Do runs op until it succeeds, fails with a non-transient error, or the
// attempt budget is spent. Each attempt first takes a rate-limit token and
// then goes through the breaker; a rate-limit or circuit-open rejection is
// returned immediately.
func Do[T any](ctx context.Context, e *Executor, op func(context.Context) (T, error)) (T, error) {
	var zero T
	policy := e.RetryPolicy()
	bo := policy.backOff()

	for attempt := 1; ; attempt++ {
		if err := e.limiter.Reserve(); err != nil {
			return zero, err
		}

		res, err := circuitbreaker.Execute(ctx, e.breaker, op)
		if err == nil {
			if attempt > 1 {
				e.logger.Info("dependency call recovered after retry", "dependency", e.name, "attempt", attempt)
			}
			return res, nil
		}
		if !fault.IsTransient(err) {
			return zero, err
		}
		if attempt >= policy.MaxAttempts {
			e.logger.Warn("dependency retries exhausted",
				"dependency", e.name,
				"attempts", attempt,
				"error", err,
			)
			return zero, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, errors.Join(err, ctxErr)
		}

		delay := bo.NextBackOff()
		metrics.RetryTotal.WithLabelValues(e.name).Inc()
		e.logger.Warn("retrying dependency call",
			"dependency", e.name,
			"attempt", attempt,
			"delay_ms", delay.Milliseconds(),
			"error", err,
		)
		if serr := e.sleep(ctx, delay); serr != nil {
			return zero, errors.Join(err, serr)
		}
	}
}

// Probe runs the handle's health probe outside the breaker and records the
// outcome. Without a probe the dependency is reported healthy.
func (e *Executor) Probe(ctx context.Context) Health {
	var err error
	if e.probe != nil {
		err = e.probe(ctx)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.health.LastCheck = time.Now()
	if err != nil {
		e.health.Healthy = false
		e.health.LastError = err.Error()
		e.health.ConsecutiveFailures++
		e.logger.Warn("dependency probe failed", "dependency", e.name, "error", err)
	} else {
		e.health.Healthy = true
		e.health.LastError = ""
		e.health.ConsecutiveFailures = 0
	}
	return e.health
}

// Health returns the outcome of the latest probe.
func (e *Executor) Health() Health {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.health
}
