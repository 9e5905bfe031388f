package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dskow/upstream-guard/internal/circuitbreaker"
	"github.com/dskow/upstream-guard/internal/fault"
	"github.com/dskow/upstream-guard/internal/ratelimit"
)

func newTestExecutor(h Handle, cb circuitbreaker.Config) (*Executor, *[]time.Duration) {
	if h.Name == "" {
		h.Name = "vector-search"
	}
	e := New(h, circuitbreaker.New(h.Name, cb, slog.Default()), slog.Default())
	var delays []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return e, &delays
}

func transient() error {
	return &fault.TransientError{Dependency: "vector-search", StatusCode: 503, Err: errors.New("unavailable")}
}

func TestDo_RetriesTransientWithExponentialDelay(t *testing.T) {
	e, delays := newTestExecutor(Handle{Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}},
		circuitbreaker.Config{Threshold: 10, Timeout: time.Second})

	var calls atomic.Int32
	res, err := Do(context.Background(), e, func(context.Context) (string, error) {
		if calls.Add(1) < 3 {
			return "", transient()
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", res)
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *delays)
}

func TestDo_ExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	e, delays := newTestExecutor(Handle{Retry: RetryPolicy{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond}},
		circuitbreaker.Config{Threshold: 10, Timeout: time.Second})

	var calls atomic.Int32
	_, err := Do(context.Background(), e, func(context.Context) (string, error) {
		calls.Add(1)
		return "", transient()
	})
	var te *fault.TransientError
	require.ErrorAs(t, err, &te)
	require.Equal(t, int32(4), calls.Load())
	require.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, *delays)
}

func TestDo_PermanentErrorNotRetried(t *testing.T) {
	e, delays := newTestExecutor(Handle{}, circuitbreaker.Config{Threshold: 10, Timeout: time.Second})

	var calls atomic.Int32
	_, err := Do(context.Background(), e, func(context.Context) (string, error) {
		calls.Add(1)
		return "", &fault.PermanentError{Dependency: "vector-search", StatusCode: 400, Err: errors.New("bad request")}
	})
	var pe *fault.PermanentError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, int32(1), calls.Load())
	require.Empty(t, *delays)
}

func TestDo_ClientErrorsLeaveBreakerClosed(t *testing.T) {
	e, _ := newTestExecutor(Handle{Name: "crm"}, circuitbreaker.Config{Threshold: 3, Timeout: time.Minute})
	ctx := context.Background()

	for range 5 {
		_, err := Do(ctx, e, func(context.Context) (string, error) {
			return "", &fault.PermanentError{Dependency: "crm", StatusCode: 404, Err: errors.New("no such item")}
		})
		var pe *fault.PermanentError
		require.ErrorAs(t, err, &pe)
	}
	require.Equal(t, circuitbreaker.StateClosed, e.breaker.State())

	res, err := Do(ctx, e, func(context.Context) (string, error) { return "item", nil })
	require.NoError(t, err)
	require.Equal(t, "item", res)
}

func TestDo_CircuitOpenStopsRetries(t *testing.T) {
	e, _ := newTestExecutor(Handle{Retry: RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}},
		circuitbreaker.Config{Threshold: 2, Timeout: time.Minute})

	var calls atomic.Int32
	_, err := Do(context.Background(), e, func(context.Context) (string, error) {
		calls.Add(1)
		return "", transient()
	})
	var coe *fault.CircuitOpenError
	require.ErrorAs(t, err, &coe)
	require.Equal(t, int32(2), calls.Load(), "breaker opens after two failures and the third attempt fails fast")
	require.Equal(t, circuitbreaker.StateOpen, e.Breaker().State())
}

func TestDo_RateLimitFailsFastWithoutInvoking(t *testing.T) {
	e, _ := newTestExecutor(Handle{RateLimit: ratelimit.Policy{MaxRequests: 1, Window: time.Hour}},
		circuitbreaker.Config{Threshold: 10, Timeout: time.Second})

	var calls atomic.Int32
	op := func(context.Context) (string, error) {
		calls.Add(1)
		return "ok", nil
	}
	_, err := Do(context.Background(), e, op)
	require.NoError(t, err)

	_, err = Do(context.Background(), e, op)
	var rle *fault.RateLimitError
	require.ErrorAs(t, err, &rle)
	require.Greater(t, rle.RetryAfter, time.Duration(0))
	require.Equal(t, int32(1), calls.Load())
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	e, _ := newTestExecutor(Handle{Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour}},
		circuitbreaker.Config{Threshold: 10, Timeout: time.Second})
	e.sleep = sleepCtx

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Do(ctx, e, func(context.Context) (string, error) { return "", transient() })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
}

func TestDo_DelayCappedAtMaxDelay(t *testing.T) {
	e, delays := newTestExecutor(Handle{Retry: RetryPolicy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 3 * time.Second}},
		circuitbreaker.Config{Threshold: 10, Timeout: time.Second})

	_, _ = Do(context.Background(), e, func(context.Context) (string, error) { return "", transient() })
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, *delays)
}

func TestProbe_TracksHealth(t *testing.T) {
	var fail atomic.Bool
	e, _ := newTestExecutor(Handle{Probe: func(context.Context) error {
		if fail.Load() {
			return errors.New("connection refused")
		}
		return nil
	}}, circuitbreaker.Config{})

	require.True(t, e.Probe(context.Background()).Healthy)

	fail.Store(true)
	e.Probe(context.Background())
	h := e.Probe(context.Background())
	require.False(t, h.Healthy)
	require.Equal(t, 2, h.ConsecutiveFailures)
	require.Equal(t, "connection refused", h.LastError)
	require.Equal(t, h, e.Health())

	fail.Store(false)
	require.True(t, e.Probe(context.Background()).Healthy)
	require.Zero(t, e.Health().ConsecutiveFailures)
}

func TestUpdateRetry(t *testing.T) {
	e, _ := newTestExecutor(Handle{}, circuitbreaker.Config{})
	require.Equal(t, DefaultRetryPolicy(), e.RetryPolicy())

	e.UpdateRetry(RetryPolicy{MaxAttempts: 7, BaseDelay: time.Second, Multiplier: 3})
	p := e.RetryPolicy()
	require.Equal(t, 7, p.MaxAttempts)
	require.Equal(t, 3.0, p.Multiplier)
	require.Equal(t, 10*time.Second, p.MaxDelay)
}
