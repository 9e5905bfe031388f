package ratelimit

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/dskow/upstream-guard/internal/fault"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(p Policy) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New("llm-router", p, slog.Default())
	l.now = clock.Now
	// Re-seed the bucket at the fake clock's epoch.
	l.lim.SetLimitAt(clock.t, p.limit())
	l.lim.SetBurstAt(clock.t, p.MaxRequests)
	return l, clock
}

func TestLimiter_AllowsUpToQuota(t *testing.T) {
	l, _ := newTestLimiter(Policy{MaxRequests: 3, Window: time.Second})

	for i := 0; i < 3; i++ {
		if err := l.Reserve(); err != nil {
			t.Fatalf("request %d: expected allow, got %v", i+1, err)
		}
	}
}

func TestLimiter_RejectsWithRetryAfter(t *testing.T) {
	l, _ := newTestLimiter(Policy{MaxRequests: 2, Window: time.Second})
	_ = l.Reserve()
	_ = l.Reserve()

	err := l.Reserve()
	var rle *fault.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rle.Dependency != "llm-router" {
		t.Errorf("Dependency = %q", rle.Dependency)
	}
	if rle.RetryAfter != 500*time.Millisecond {
		t.Errorf("RetryAfter = %v, want 500ms", rle.RetryAfter)
	}
	if got := l.Status().Rejected; got != 1 {
		t.Errorf("Rejected = %d, want 1", got)
	}
}

func TestLimiter_RejectionDoesNotConsumeQuota(t *testing.T) {
	l, clock := newTestLimiter(Policy{MaxRequests: 1, Window: time.Second})
	_ = l.Reserve()
	for i := 0; i < 5; i++ {
		if err := l.Reserve(); err == nil {
			t.Fatal("expected rejection while bucket empty")
		}
	}
	clock.Advance(time.Second)
	if err := l.Reserve(); err != nil {
		t.Fatalf("expected token after one window, got %v", err)
	}
}

func TestLimiter_UpdatePolicy(t *testing.T) {
	l, clock := newTestLimiter(Policy{MaxRequests: 1, Window: time.Second})
	_ = l.Reserve()

	l.UpdatePolicy(Policy{MaxRequests: 10, Window: time.Second})
	clock.Advance(200 * time.Millisecond)
	if err := l.Reserve(); err != nil {
		t.Fatalf("expected faster refill after update, got %v", err)
	}
	if l.Status().Policy.MaxRequests != 10 {
		t.Errorf("policy not updated: %+v", l.Status().Policy)
	}
}

func TestLimiter_DisabledIsNil(t *testing.T) {
	l := New("rest", Policy{}, slog.Default())
	if l != nil {
		t.Fatal("expected nil limiter for disabled policy")
	}
	if err := l.Reserve(); err != nil {
		t.Fatalf("nil limiter must allow, got %v", err)
	}
	l.UpdatePolicy(Policy{MaxRequests: 1, Window: time.Second})
	if st := l.Status(); st.Policy.Enabled() {
		t.Errorf("nil limiter status should be empty, got %+v", st)
	}
}
