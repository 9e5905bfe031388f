// Package circuitbreaker implements the consecutive-failure circuit breaker
// that guards every call to an external dependency.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/upstream-guard/internal/fault"
	"github.com/dskow/upstream-guard/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Cool-down elapsed; one probe call is admitted.
)

// String returns the state name used in status payloads and logs.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "CLOSED":
		*s = StateClosed
	case "OPEN":
		*s = StateOpen
	case "HALF_OPEN":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown circuit state %q", b)
	}
	return nil
}

// Config tunes a Breaker.
type Config struct {
	// Threshold is the number of consecutive failures that opens the circuit.
	Threshold int
	// Timeout is how long the circuit stays open before admitting a probe.
	Timeout time.Duration
	// ResetTimeout forgets a closed-state failure streak once no failure has
	// been recorded for this long. Zero disables.
	ResetTimeout time.Duration
	// SlowCallThreshold records successes slower than this as failures.
	// Zero disables.
	SlowCallThreshold time.Duration
}

// DefaultConfig returns threshold 5, 30s open timeout and 60s reset timeout.
func DefaultConfig() Config {
	return Config{Threshold: 5, Timeout: 30 * time.Second, ResetTimeout: 60 * time.Second}
}

// Status is a point-in-time view of a breaker.
type Status struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	NextAttempt          time.Time `json:"next_attempt,omitempty"`
	Calls                uint64    `json:"calls"`
	Successes            uint64    `json:"successes"`
	Failures             uint64    `json:"failures"`
	Rejections           uint64    `json:"rejections"`
	Opens                uint64    `json:"opens"`
	SuccessRate          float64   `json:"success_rate"`
}

// Breaker is a consecutive-failure circuit breaker for one dependency.
type Breaker struct {
	mu sync.Mutex

	name   string
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	state         State
	failures      int
	successes     int
	lastFailure   time.Time
	nextAttempt   time.Time
	probeInFlight bool

	calls      uint64
	okCount    uint64
	failCount  uint64
	rejections uint64
	opens      uint64
}

// New creates a closed breaker. Non-positive Threshold and Timeout fall back
// to DefaultConfig values.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	b := &Breaker{
		name:   name,
		cfg:    normalize(cfg),
		logger: logger,
		now:    time.Now,
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

func normalize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ResetTimeout < 0 {
		cfg.ResetTimeout = 0
	}
	return cfg
}

// Name returns the dependency this breaker guards.
func (b *Breaker) Name() string { return b.name }

// Execute runs op if the breaker admits it and records the outcome.
// While the circuit is open op is never invoked and a *fault.CircuitOpenError
// is returned.
func Execute[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.Allow(); err != nil {
		return zero, err
	}

	start := b.now()
	recorded := false
	defer func() {
		// A panicking op still counts as a failure so a half-open probe slot
		// is never leaked.
		if !recorded {
			b.Record(errors.New("panic in guarded call"), b.now().Sub(start))
		}
	}()

	res, err := op(ctx)
	b.Record(err, b.now().Sub(start))
	recorded = true
	return res, err
}

// Allow reports whether a call may proceed. It returns *fault.CircuitOpenError
// while the circuit is open, or half-open with a probe already in flight.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateOpen:
		if now.Before(b.nextAttempt) {
			return b.reject(b.nextAttempt.Sub(now))
		}
		b.transitionTo(StateHalfOpen)
		b.probeInFlight = true
	case StateHalfOpen:
		if b.probeInFlight {
			return b.reject(0)
		}
		b.probeInFlight = true
	}
	b.calls++
	return nil
}

func (b *Breaker) reject(retryAfter time.Duration) error {
	b.rejections++
	metrics.CircuitBreakerRejections.WithLabelValues(b.name).Inc()
	return &fault.CircuitOpenError{Dependency: b.name, RetryAfter: retryAfter}
}

// Record feeds the outcome of an admitted call into the state machine.
// A nil err is a success. Outcomes the caller caused (context.Canceled, a
// 4xx PermanentError, an upstream 429) are neutral: they free the half-open
// trial slot but neither extend nor break the failure streak.
func (b *Breaker) Record(err error, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}
	if neutral(err) {
		return
	}
	if err == nil && b.cfg.SlowCallThreshold > 0 && latency > b.cfg.SlowCallThreshold {
		b.logger.Debug("slow call recorded as failure",
			"dependency", b.name,
			"latency_ms", latency.Milliseconds(),
			"threshold_ms", b.cfg.SlowCallThreshold.Milliseconds(),
		)
		err = errSlowCall
	}

	if err == nil {
		b.onSuccess()
		return
	}
	b.onFailure()
}

var errSlowCall = errors.New("slow call")

func neutral(err error) bool {
	var pe *fault.PermanentError
	var rl *fault.RateLimitError
	return errors.Is(err, context.Canceled) || errors.As(err, &pe) || errors.As(err, &rl)
}

func (b *Breaker) onSuccess() {
	b.okCount++
	b.successes++
	b.failures = 0
	if b.state == StateHalfOpen {
		b.transitionTo(StateClosed)
	}
}

func (b *Breaker) onFailure() {
	now := b.now()
	b.failCount++
	b.successes = 0

	if b.state == StateClosed && b.cfg.ResetTimeout > 0 && b.failures > 0 &&
		now.Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		b.failures = 0
	}
	b.failures++
	b.lastFailure = now

	switch b.state {
	case StateHalfOpen:
		b.transitionTo(StateOpen)
	case StateClosed:
		if b.failures >= b.cfg.Threshold {
			b.transitionTo(StateOpen)
		}
	}
}

// State returns the current state. An open breaker whose cool-down has
// elapsed still reports OPEN until the next call arrives.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns counters and the derived success rate.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		Name:                 b.name,
		State:                b.state,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		Calls:                b.calls,
		Successes:            b.okCount,
		Failures:             b.failCount,
		Rejections:           b.rejections,
		Opens:                b.opens,
		SuccessRate:          1,
	}
	if b.state == StateOpen {
		st.NextAttempt = b.nextAttempt
	}
	if outcomes := b.okCount + b.failCount; outcomes > 0 {
		st.SuccessRate = float64(b.okCount) / float64(outcomes)
	}
	return st
}

// Reset forces the breaker closed with all counters zeroed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transitionTo(StateClosed)
	b.failures = 0
	b.successes = 0
	b.probeInFlight = false
	b.nextAttempt = time.Time{}
	b.lastFailure = time.Time{}
	b.calls, b.okCount, b.failCount, b.rejections, b.opens = 0, 0, 0, 0, 0
}

// UpdateConfig swaps thresholds in place. The current state is kept.
func (b *Breaker) UpdateConfig(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = normalize(cfg)
}

// transitionTo changes the breaker state, emitting metrics and logging.
// Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	metrics.CircuitBreakerTransitions.WithLabelValues(b.name, from.String(), newState.String()).Inc()
	metrics.CircuitBreakerState.WithLabelValues(b.name).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"dependency", b.name,
		"from", from.String(),
		"to", newState.String(),
		"consecutive_failures", b.failures,
	)

	switch newState {
	case StateOpen:
		b.opens++
		b.nextAttempt = b.now().Add(b.cfg.Timeout)
		b.probeInFlight = false
	case StateClosed:
		b.failures = 0
		b.probeInFlight = false
	}
}
