// Package pool keeps a fixed set of client handles per dependency and hands
// them out round-robin. A saturated pool shares a busy handle rather than
// blocking the caller.
package pool

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dskow/upstream-guard/internal/metrics"
)

// Factory builds the handle for slot index.
type Factory[H any] func(ctx context.Context, index int) (H, error)

// Prober checks that a handle can still reach its dependency.
type Prober[H any] func(ctx context.Context, h H) error

type slot[H any] struct {
	handle    H
	holders   int
	lastUsed  time.Time
	acquired  uint64
	createdAt time.Time
}

// Lease is one checkout of a slot. Release it exactly once; extra calls are
// ignored.
type Lease[H any] struct {
	Handle    H
	Index     int
	Exclusive bool

	once sync.Once
	pool *Pool[H]
}

// Release returns the slot to the pool.
func (l *Lease[H]) Release() {
	l.once.Do(func() { l.pool.release(l.Index) })
}

// SlotHealth is the probe outcome for one slot.
type SlotHealth struct {
	Index   int    `json:"index"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency"`
}

// SlotStats describes one slot.
type SlotStats struct {
	Index    int       `json:"index"`
	InUse    bool      `json:"in_use"`
	Holders  int       `json:"holders"`
	Acquired uint64    `json:"acquired"`
	LastUsed time.Time `json:"last_used"`
	Created  time.Time `json:"created"`
}

// Stats describes the whole pool.
type Stats struct {
	Name     string      `json:"name"`
	Size     int         `json:"size"`
	InUse    int         `json:"in_use"`
	Degraded uint64      `json:"degraded"`
	Slots    []SlotStats `json:"slots"`
}

// Pool is safe for concurrent use.
type Pool[H any] struct {
	name    string
	factory Factory[H]
	probe   Prober[H]
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	slots    []*slot[H]
	cursor   int
	degraded uint64
}

// New builds size handles up front. probe may be nil, in which case every
// slot reports healthy.
func New[H any](ctx context.Context, name string, size int, factory Factory[H], probe Prober[H], logger *slog.Logger) (*Pool[H], error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool %s: size must be positive, got %d", name, size)
	}
	p := &Pool[H]{
		name:    name,
		factory: factory,
		probe:   probe,
		logger:  logger,
		now:     time.Now,
		slots:   make([]*slot[H], size),
	}
	for i := range p.slots {
		h, err := factory(ctx, i)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("pool %s: creating slot %d: %w", name, i, err)
		}
		p.slots[i] = &slot[H]{handle: h, createdAt: p.now()}
	}
	return p, nil
}

// Name returns the pool name.
func (p *Pool[H]) Name() string { return p.name }

// Size returns the number of slots.
func (p *Pool[H]) Size() int { return len(p.slots) }

// Acquire picks the next idle slot starting at the round-robin cursor. When
// every slot is busy the slot under the cursor is shared and the lease is
// marked non-exclusive. Acquire never blocks.
func (p *Pool[H]) Acquire() *Lease[H] {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.slots)
	idx, exclusive := p.cursor, false
	for i := 0; i < n; i++ {
		cand := (p.cursor + i) % n
		if p.slots[cand].holders == 0 {
			idx, exclusive = cand, true
			break
		}
	}
	p.cursor = (idx + 1) % n

	s := p.slots[idx]
	s.holders++
	s.acquired++
	s.lastUsed = p.now()

	if !exclusive {
		p.degraded++
		metrics.PoolDegraded.WithLabelValues(p.name).Inc()
		p.logger.Debug("pool saturated, sharing slot", "pool", p.name, "slot", idx, "holders", s.holders)
	}
	metrics.PoolInUse.WithLabelValues(p.name).Set(float64(p.inUseLocked()))

	return &Lease[H]{Handle: s.handle, Index: idx, Exclusive: exclusive, pool: p}
}

func (p *Pool[H]) release(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.slots[idx]; s.holders > 0 {
		s.holders--
	}
	metrics.PoolInUse.WithLabelValues(p.name).Set(float64(p.inUseLocked()))
}

// Must be called with p.mu held.
func (p *Pool[H]) inUseLocked() int {
	n := 0
	for _, s := range p.slots {
		if s.holders > 0 {
			n++
		}
	}
	return n
}

// Execute runs fn with an acquired handle and releases it afterwards, even
// if fn fails or panics.
func Execute[H, T any](ctx context.Context, p *Pool[H], fn func(context.Context, H) (T, error)) (T, error) {
	lease := p.Acquire()
	defer lease.Release()
	return fn(ctx, lease.Handle)
}

// HealthCheck probes every slot concurrently.
func (p *Pool[H]) HealthCheck(ctx context.Context) []SlotHealth {
	p.mu.Lock()
	handles := make([]H, len(p.slots))
	for i, s := range p.slots {
		handles[i] = s.handle
	}
	p.mu.Unlock()

	results := make([]SlotHealth, len(handles))
	g, gctx := errgroup.WithContext(ctx)
	for i, h := range handles {
		g.Go(func() error {
			start := time.Now()
			var err error
			if p.probe != nil {
				err = p.probe(gctx, h)
			}
			results[i] = SlotHealth{Index: i, Healthy: err == nil, Latency: time.Since(start).String()}
			if err != nil {
				results[i].Error = err.Error()
			}
			// Probe failures are reported per slot, not as a group error, so
			// one bad slot does not cancel the others.
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if !r.Healthy {
			p.logger.Warn("pool slot unhealthy", "pool", p.name, "slot", r.Index, "error", r.Error)
		}
	}
	return results
}

// Refresh replaces the handle in slot index. Holders of the old handle keep
// using it; it is closed if it implements io.Closer.
func (p *Pool[H]) Refresh(ctx context.Context, index int) error {
	if index < 0 || index >= len(p.slots) {
		return fmt.Errorf("pool %s: slot %d out of range [0,%d)", p.name, index, len(p.slots))
	}
	h, err := p.factory(ctx, index)
	if err != nil {
		return fmt.Errorf("pool %s: refreshing slot %d: %w", p.name, index, err)
	}

	p.mu.Lock()
	old := p.slots[index].handle
	p.slots[index].handle = h
	p.slots[index].createdAt = p.now()
	p.mu.Unlock()

	closeHandle(old)
	p.logger.Info("pool slot refreshed", "pool", p.name, "slot", index)
	return nil
}

// Stats returns a snapshot of every slot.
func (p *Pool[H]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{Name: p.name, Size: len(p.slots), Degraded: p.degraded, Slots: make([]SlotStats, len(p.slots))}
	for i, s := range p.slots {
		st.Slots[i] = SlotStats{
			Index:    i,
			InUse:    s.holders > 0,
			Holders:  s.holders,
			Acquired: s.acquired,
			LastUsed: s.lastUsed,
			Created:  s.createdAt,
		}
		if s.holders > 0 {
			st.InUse++
		}
	}
	return st
}

// Close closes every handle that implements io.Closer.
func (p *Pool[H]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s != nil {
			closeHandle(s.handle)
		}
	}
}

func closeHandle(h any) {
	if c, ok := h.(io.Closer); ok {
		_ = c.Close()
	}
}
