// Package dedup collapses concurrent identical calls into one execution.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dskow/upstream-guard/internal/metrics"
)

// Stats reports deduplicator activity.
type Stats struct {
	Total        uint64            `json:"total"`
	Deduplicated uint64            `json:"deduplicated"`
	InFlight     map[string]string `json:"in_flight"`
}

// Group ensures that at most one execution per key is in flight. Callers
// arriving while it runs share its outcome.
type Group[T any] struct {
	name   string
	logger *slog.Logger

	sf singleflight.Group

	mu       sync.Mutex
	inflight map[string]time.Time

	total  atomic.Uint64
	shared atomic.Uint64
}

// New creates a Group. name labels its metrics.
func New[T any](name string, logger *slog.Logger) *Group[T] {
	return &Group[T]{
		name:     name,
		logger:   logger,
		inflight: make(map[string]time.Time),
	}
}

// Do executes fn for key unless an execution for key is already in flight,
// in which case it waits for that execution and returns its result. shared
// reports whether the result came from another caller's execution.
//
// The execution runs detached from the initiating caller's cancellation so
// that other waiters still receive an outcome; each caller stops waiting when
// its own ctx is done.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (res T, shared bool, err error) {
	g.total.Add(1)

	executed := false
	detached := context.WithoutCancel(ctx)
	ch := g.sf.DoChan(key, func() (v any, err error) {
		executed = true
		g.mu.Lock()
		g.inflight[key] = time.Now()
		g.mu.Unlock()
		defer func() {
			g.mu.Lock()
			delete(g.inflight, key)
			g.mu.Unlock()
			if p := recover(); p != nil {
				g.logger.Error("panic in deduplicated call", "group", g.name, "key", key, "panic", p)
				err = fmt.Errorf("dedup %s: panic: %v", key, p)
			}
		}()
		return fn(detached)
	})

	select {
	case r := <-ch:
		if !executed {
			g.shared.Add(1)
			metrics.DedupCalls.WithLabelValues(g.name, "shared").Inc()
			g.logger.Debug("deduplicated call", "group", g.name, "key", key)
		} else {
			metrics.DedupCalls.WithLabelValues(g.name, "executed").Inc()
		}
		if r.Err != nil {
			return res, !executed, r.Err
		}
		v, _ := r.Val.(T)
		return v, !executed, nil
	case <-ctx.Done():
		return res, false, ctx.Err()
	}
}

// InFlight reports whether an execution for key is currently running.
func (g *Group[T]) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inflight[key]
	return ok
}

// Stats returns totals and the start time of every in-flight key.
func (g *Group[T]) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	inflight := make(map[string]string, len(g.inflight))
	for k, started := range g.inflight {
		inflight[k] = started.UTC().Format(time.RFC3339Nano)
	}
	return Stats{
		Total:        g.total.Load(),
		Deduplicated: g.shared.Load(),
		InFlight:     inflight,
	}
}
