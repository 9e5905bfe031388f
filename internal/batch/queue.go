// Package batch coalesces individual requests into grouped upstream calls.
//
// A group flushes when it reaches the configured size or when the first item
// in it has waited MaxWait, whichever comes first. Each caller receives the
// result at its own position in the batch.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dskow/upstream-guard/internal/fault"
	"github.com/dskow/upstream-guard/internal/metrics"
)

// Func processes one batch. It must return exactly one output per item, in
// item order.
type Func[In, Out any] func(ctx context.Context, groupKey string, items []In) ([]Out, error)

// FailurePolicy decides what a failed batch means for its items.
type FailurePolicy string

const (
	// FailAll rejects every item of a failed batch with the batch error.
	FailAll FailurePolicy = "fail_all"
	// Isolate re-runs each item of a failed batch on its own so only the
	// items that fail alone are rejected.
	Isolate FailurePolicy = "isolate"
)

// Config tunes flushing.
type Config struct {
	BatchSize     int
	MaxWait       time.Duration
	FlushTimeout  time.Duration
	FailurePolicy FailurePolicy
}

// DefaultConfig returns size 16, 25ms max wait, 30s flush timeout, FailAll.
func DefaultConfig() Config {
	return Config{BatchSize: 16, MaxWait: 25 * time.Millisecond, FlushTimeout: 30 * time.Second, FailurePolicy: FailAll}
}

var (
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("batch queue closed")
	// ErrResultMismatch rejects a batch whose Func returned the wrong number
	// of outputs.
	ErrResultMismatch = errors.New("batch result count does not match item count")
)

type result[Out any] struct {
	val Out
	err error
}

type pending[In, Out any] struct {
	item In
	done chan result[Out]
}

type group[In, Out any] struct {
	key   string
	items []*pending[In, Out]
	timer *time.Timer
}

// Stats reports queue activity.
type Stats struct {
	Pending       int    `json:"pending"`
	Groups        int    `json:"groups"`
	Enqueued      uint64 `json:"enqueued"`
	Flushes       uint64 `json:"flushes"`
	FlushedItems  uint64 `json:"flushed_items"`
	FailedBatches uint64 `json:"failed_batches"`
	Cleared       uint64 `json:"cleared"`
}

// Queue is safe for concurrent use.
type Queue[In, Out any] struct {
	name   string
	cfg    Config
	fn     Func[In, Out]
	logger *slog.Logger

	mu     sync.Mutex
	groups map[string]*group[In, Out]
	closed bool
	wg     sync.WaitGroup

	enqueued, flushes, flushedItems, failed, cleared atomic.Uint64
}

// New creates a Queue that calls fn for every flushed batch.
func New[In, Out any](name string, cfg Config, fn Func[In, Out], logger *slog.Logger) *Queue[In, Out] {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = def.FailurePolicy
	}
	return &Queue[In, Out]{
		name:   name,
		cfg:    cfg,
		fn:     fn,
		logger: logger,
		groups: make(map[string]*group[In, Out]),
	}
}

// Enqueue adds item to the group and waits for its batch result. If ctx ends
// first the caller stops waiting; the item still goes out with its batch.
func (q *Queue[In, Out]) Enqueue(ctx context.Context, groupKey string, item In) (Out, error) {
	var zero Out
	p := &pending[In, Out]{item: item, done: make(chan result[Out], 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return zero, ErrClosed
	}
	g, ok := q.groups[groupKey]
	if !ok {
		g = &group[In, Out]{key: groupKey}
		q.groups[groupKey] = g
	}
	g.items = append(g.items, p)
	q.enqueued.Add(1)

	switch {
	case len(g.items) >= q.cfg.BatchSize:
		q.dispatchLocked(g, "size")
	case len(g.items) == 1:
		g.timer = time.AfterFunc(q.cfg.MaxWait, func() { q.onTimer(g) })
	}
	q.mu.Unlock()

	select {
	case r := <-p.done:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (q *Queue[In, Out]) onTimer(g *group[In, Out]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	// The group may already have been flushed by size or cleared.
	if q.groups[g.key] != g {
		return
	}
	q.dispatchLocked(g, "timer")
}

// dispatchLocked detaches g so no other trigger can flush it and hands its
// items to a flush goroutine. Must be called with q.mu held.
func (q *Queue[In, Out]) dispatchLocked(g *group[In, Out], trigger string) {
	delete(q.groups, g.key)
	if g.timer != nil {
		g.timer.Stop()
	}
	items := g.items
	g.items = nil

	metrics.BatchFlushes.WithLabelValues(q.name, trigger).Inc()
	metrics.BatchSize.WithLabelValues(q.name).Observe(float64(len(items)))

	q.wg.Add(1)
	go q.flush(g.key, items, trigger)
}

func (q *Queue[In, Out]) flush(key string, items []*pending[In, Out], trigger string) {
	defer q.wg.Done()

	q.flushes.Add(1)
	q.flushedItems.Add(uint64(len(items)))

	outs, err := q.runBounded(key, items)
	if err == nil {
		for i, p := range items {
			p.done <- result[Out]{val: outs[i]}
		}
		q.logger.Debug("batch flushed", "queue", q.name, "group", key, "size", len(items), "trigger", trigger)
		return
	}

	q.failed.Add(1)
	q.logger.Warn("batch failed",
		"queue", q.name,
		"group", key,
		"size", len(items),
		"trigger", trigger,
		"error", err,
	)

	if q.cfg.FailurePolicy == Isolate && len(items) > 1 {
		for _, p := range items {
			single, serr := q.runBounded(key, []*pending[In, Out]{p})
			if serr != nil {
				p.done <- result[Out]{err: serr}
				continue
			}
			p.done <- result[Out]{val: single[0]}
		}
		return
	}
	for _, p := range items {
		p.done <- result[Out]{err: err}
	}
}

// runBounded gives each call its own FlushTimeout so isolated retries are not
// starved by a batch that used up the budget.
func (q *Queue[In, Out]) runBounded(key string, items []*pending[In, Out]) ([]Out, error) {
	ctx := context.Background()
	if q.cfg.FlushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.FlushTimeout)
		defer cancel()
	}
	return q.run(ctx, key, items)
}

func (q *Queue[In, Out]) run(ctx context.Context, key string, items []*pending[In, Out]) (outs []Out, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch %s: panic: %v", q.name, r)
		}
	}()

	inputs := make([]In, len(items))
	for i, p := range items {
		inputs[i] = p.item
	}
	outs, err = q.fn(ctx, key, inputs)
	if err != nil {
		return nil, err
	}
	if len(outs) != len(items) {
		return nil, fmt.Errorf("%w: %d outputs for %d items", ErrResultMismatch, len(outs), len(items))
	}
	return outs, nil
}

// Flush sends every pending group immediately.
func (q *Queue[In, Out]) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, g := range q.groups {
		q.dispatchLocked(g, "forced")
	}
}

// Clear rejects every pending item with *fault.QueueClearedError and returns
// how many were rejected. Batches already flushing are unaffected.
func (q *Queue[In, Out]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for key, g := range q.groups {
		if g.timer != nil {
			g.timer.Stop()
		}
		for _, p := range g.items {
			p.done <- result[Out]{err: &fault.QueueClearedError{Queue: q.name}}
			n++
		}
		delete(q.groups, key)
	}
	q.cleared.Add(uint64(n))
	if n > 0 {
		q.logger.Info("batch queue cleared", "queue", q.name, "rejected", n)
	}
	return n
}

// Close flushes pending groups, waits for in-flight batches and rejects
// later Enqueue calls with ErrClosed.
func (q *Queue[In, Out]) Close() {
	q.mu.Lock()
	q.closed = true
	for _, g := range q.groups {
		q.dispatchLocked(g, "forced")
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Stats returns a snapshot of queue counters.
func (q *Queue[In, Out]) Stats() Stats {
	q.mu.Lock()
	pendingItems := 0
	for _, g := range q.groups {
		pendingItems += len(g.items)
	}
	groups := len(q.groups)
	q.mu.Unlock()

	return Stats{
		Pending:       pendingItems,
		Groups:        groups,
		Enqueued:      q.enqueued.Load(),
		Flushes:       q.flushes.Load(),
		FlushedItems:  q.flushedItems.Load(),
		FailedBatches: q.failed.Load(),
		Cleared:       q.cleared.Load(),
	}
}
