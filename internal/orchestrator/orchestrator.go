// Package orchestrator is the single entry point through which the guard
// reaches its dependencies. Every invocation is deduplicated by key, served
// from the adaptive cache when possible, and otherwise sent through the
// dependency's executor (rate limit, breaker, retry) onto a pooled backend
// handle, directly or via the batch queue.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dskow/upstream-guard/internal/batch"
	"github.com/dskow/upstream-guard/internal/cache"
	"github.com/dskow/upstream-guard/internal/circuitbreaker"
	"github.com/dskow/upstream-guard/internal/dedup"
	"github.com/dskow/upstream-guard/internal/executor"
	"github.com/dskow/upstream-guard/internal/fault"
	"github.com/dskow/upstream-guard/internal/metrics"
	"github.com/dskow/upstream-guard/internal/pool"
	"github.com/dskow/upstream-guard/internal/ratelimit"
	"github.com/dskow/upstream-guard/internal/transport"
)

// Backend is one pooled handle to a dependency. *transport.Client
// satisfies it.
type Backend interface {
	Do(ctx context.Context, req transport.Request) (transport.Response, error)
	Ping(ctx context.Context) error
}

// BatchFunc sends items that share group to the dependency in one call and
// returns one output per item, in order.
type BatchFunc func(ctx context.Context, b Backend, group string, items [][]byte) ([][]byte, error)

// ErrUnknownDependency is returned for names that were never registered.
var ErrUnknownDependency = errors.New("unknown dependency")

// DependencySpec registers one dependency. It is fixed for the process
// lifetime apart from the tuning UpdateDependency accepts.
type DependencySpec struct {
	Name string
	Kind string
	// Endpoint is informational; it only appears in the registration log.
	Endpoint  string
	PoolSize  int
	Factory   pool.Factory[Backend]
	Namespace string
	Breaker   circuitbreaker.Config
	Retry     executor.RetryPolicy
	RateLimit ratelimit.Policy
	// Batch enables InvokeBatched for this dependency.
	Batch BatchFunc
}

// Tuning is the hot-reloadable part of a DependencySpec.
type Tuning struct {
	Breaker   circuitbreaker.Config
	Retry     executor.RetryPolicy
	RateLimit ratelimit.Policy
}

// Operation is one call. Key is the canonical dedup and cache key; an empty
// Key disables both, which is what mutations want.
type Operation struct {
	Name      string
	Key       string
	Namespace string
	TTL       time.Duration
	NoCache   bool
	Call      func(ctx context.Context, b Backend) ([]byte, error)
}

// BatchedOperation is one item bound for the dependency's batch queue.
type BatchedOperation struct {
	Name      string
	Key       string
	Namespace string
	Group     string
	Item      []byte
}

// Result is a successful invocation.
type Result struct {
	Value        []byte        `json:"-"`
	Dependency   string        `json:"dependency"`
	Operation    string        `json:"operation"`
	InvocationID string        `json:"invocation_id"`
	Cached       bool          `json:"cached"`
	Shared       bool          `json:"shared"`
	Elapsed      time.Duration `json:"elapsed"`
}

// DependencyStatus is the operator view of one dependency.
type DependencyStatus struct {
	Name      string                `json:"name"`
	Kind      string                `json:"kind"`
	Breaker   circuitbreaker.Status `json:"circuit_breaker"`
	Health    executor.Health       `json:"health"`
	Retry     executor.RetryPolicy  `json:"retry"`
	RateLimit *ratelimit.Status     `json:"rate_limit,omitempty"`
	Pool      pool.Stats            `json:"pool"`
	Batch     *batch.Stats          `json:"batch,omitempty"`
}

// Options wires shared components into an Orchestrator.
type Options struct {
	Cache  *cache.Cache
	Store  *metrics.Store
	Batch  batch.Config
	Logger *slog.Logger
}

type dependency struct {
	spec  DependencySpec
	exec  *executor.Executor
	pool  *pool.Pool[Backend]
	queue *batch.Queue[[]byte, []byte]
}

// outcome is what the deduplicator shares between concurrent callers.
type outcome struct {
	value  []byte
	cached bool
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	cache    *cache.Cache
	store    *metrics.Store
	dedup    *dedup.Group[outcome]
	batchCfg batch.Config
	logger   *slog.Logger

	mu   sync.RWMutex
	deps map[string]*dependency
}

// New creates an Orchestrator with no dependencies. A nil Cache gets the
// default configuration; a nil Store disables sample recording.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := opts.Cache
	if c == nil {
		c = cache.New(cache.DefaultConfig(), nil, logger)
	}
	return &Orchestrator{
		cache:    c,
		store:    opts.Store,
		dedup:    dedup.New[outcome]("orchestrator", logger),
		batchCfg: opts.Batch,
		logger:   logger,
		deps:     make(map[string]*dependency),
	}
}

// Register builds the pool, breaker and executor for spec.
func (o *Orchestrator) Register(ctx context.Context, spec DependencySpec) error {
	if spec.Name == "" {
		return errors.New("dependency name is required")
	}
	if spec.Factory == nil {
		return fmt.Errorf("dependency %s: factory is required", spec.Name)
	}
	if spec.PoolSize <= 0 {
		spec.PoolSize = 1
	}
	if spec.Namespace == "" {
		spec.Namespace = spec.Name
	}

	o.mu.RLock()
	_, exists := o.deps[spec.Name]
	o.mu.RUnlock()
	if exists {
		return fmt.Errorf("dependency %s already registered", spec.Name)
	}

	logger := o.logger.With("dependency", spec.Name)
	p, err := pool.New(ctx, spec.Name, spec.PoolSize, spec.Factory,
		func(ctx context.Context, b Backend) error { return b.Ping(ctx) }, logger)
	if err != nil {
		return err
	}

	// Breaker and executor tag their own lines with the dependency name.
	breaker := circuitbreaker.New(spec.Name, spec.Breaker, o.logger)
	exec := executor.New(executor.Handle{
		Name:      spec.Name,
		Retry:     spec.Retry,
		RateLimit: spec.RateLimit,
		Probe:     poolProbe(p),
	}, breaker, o.logger)

	d := &dependency{spec: spec, exec: exec, pool: p}
	if spec.Batch != nil {
		d.queue = batch.New(spec.Name, o.batchCfg, o.batchFunc(d), logger)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.deps[spec.Name]; exists {
		p.Close()
		return fmt.Errorf("dependency %s already registered", spec.Name)
	}
	o.deps[spec.Name] = d
	logger.Info("dependency registered", "kind", spec.Kind, "base_url", spec.Endpoint, "pool_size", spec.PoolSize, "batched", spec.Batch != nil)
	return nil
}

// poolProbe reports a dependency unhealthy only when every slot fails.
func poolProbe(p *pool.Pool[Backend]) func(context.Context) error {
	return func(ctx context.Context) error {
		var lastErr string
		for _, h := range p.HealthCheck(ctx) {
			if h.Healthy {
				return nil
			}
			lastErr = h.Error
		}
		return fmt.Errorf("all %d slots unhealthy: %s", p.Size(), lastErr)
	}
}

func (o *Orchestrator) batchFunc(d *dependency) batch.Func[[]byte, []byte] {
	return func(ctx context.Context, group string, items [][]byte) ([][]byte, error) {
		if o.store != nil {
			o.store.Record("batch.size", float64(len(items)), map[string]string{"dependency": d.spec.Name})
		}
		return executor.Do(ctx, d.exec, func(ctx context.Context) ([][]byte, error) {
			return pool.Execute(ctx, d.pool, func(ctx context.Context, b Backend) ([][]byte, error) {
				return d.spec.Batch(ctx, b, group, items)
			})
		})
	}
}

func (o *Orchestrator) dependency(name string) (*dependency, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	d, ok := o.deps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDependency, name)
	}
	return d, nil
}

// Invoke runs op against the named dependency.
func (o *Orchestrator) Invoke(ctx context.Context, name string, op Operation) (Result, error) {
	d, err := o.dependency(name)
	if err != nil {
		return Result{}, err
	}
	if op.Call == nil {
		return Result{}, fmt.Errorf("operation %s on %s has no call", op.Name, name)
	}
	load := func(ctx context.Context) ([]byte, error) {
		return executor.Do(ctx, d.exec, func(ctx context.Context) ([]byte, error) {
			return pool.Execute(ctx, d.pool, op.Call)
		})
	}
	return o.run(ctx, d, op.Name, op.Key, op.Namespace, op.TTL, op.NoCache, load)
}

// InvokeBatched queues op's item on the dependency's batch queue. Items with
// the same Group are sent together.
func (o *Orchestrator) InvokeBatched(ctx context.Context, name string, op BatchedOperation) (Result, error) {
	d, err := o.dependency(name)
	if err != nil {
		return Result{}, err
	}
	if d.queue == nil {
		return Result{}, fmt.Errorf("dependency %s does not support batching", name)
	}
	load := func(ctx context.Context) ([]byte, error) {
		return d.queue.Enqueue(ctx, op.Group, op.Item)
	}
	return o.run(ctx, d, op.Name, op.Key, op.Namespace, 0, false, load)
}

func (o *Orchestrator) run(ctx context.Context, d *dependency, opName, key, ns string, ttl time.Duration, noCache bool,
	load func(context.Context) ([]byte, error)) (Result, error) {

	start := time.Now()
	res := Result{Dependency: d.spec.Name, Operation: opName, InvocationID: uuid.NewString()}
	if ns == "" {
		ns = d.spec.Namespace
	}

	var (
		out outcome
		err error
	)
	if key == "" {
		out.value, err = load(ctx)
	} else {
		dedupKey := d.spec.Name + "|" + opName + "|" + key
		out, res.Shared, err = o.dedup.Do(ctx, dedupKey, func(ctx context.Context) (outcome, error) {
			if noCache {
				v, err := load(ctx)
				return outcome{value: v}, err
			}
			return o.cached(ctx, ns, key, ttl, load)
		})
	}
	res.Elapsed = time.Since(start)
	res.Value = out.value
	res.Cached = out.cached

	outcomeLabel := "success"
	switch {
	case err != nil:
		outcomeLabel = "error"
	case res.Cached:
		outcomeLabel = "cached"
	case res.Shared:
		outcomeLabel = "shared"
	}
	o.observe(d.spec.Name, opName, outcomeLabel, res.Elapsed)

	if err != nil {
		o.logger.Warn("invocation failed",
			"dependency", d.spec.Name,
			"operation", opName,
			"invocation_id", res.InvocationID,
			"elapsed_ms", res.Elapsed.Milliseconds(),
			"error", err,
		)
		return res, &fault.InvocationError{
			Dependency:   d.spec.Name,
			Operation:    opName,
			InvocationID: res.InvocationID,
			Elapsed:      res.Elapsed,
			Err:          err,
		}
	}
	o.logger.Debug("invocation completed",
		"dependency", d.spec.Name,
		"operation", opName,
		"invocation_id", res.InvocationID,
		"outcome", outcomeLabel,
		"elapsed_ms", res.Elapsed.Milliseconds(),
	)
	return res, nil
}

// cached serves key from the cache or loads and stores it. A failed load
// never populates the cache.
func (o *Orchestrator) cached(ctx context.Context, ns, key string, ttl time.Duration,
	load func(context.Context) ([]byte, error)) (outcome, error) {

	if ttl <= 0 {
		v, hit, err := o.cache.GetOrLoad(ctx, ns, key, func(ctx context.Context) (any, error) {
			return load(ctx)
		})
		if err != nil {
			return outcome{}, err
		}
		b, _ := v.([]byte)
		return outcome{value: b, cached: hit}, nil
	}

	if v, ok := o.cache.Get(ns, key); ok {
		b, _ := v.([]byte)
		return outcome{value: b, cached: true}, nil
	}
	v, err := load(ctx)
	if err != nil {
		return outcome{}, err
	}
	o.cache.SetWithTTL(ns, key, v, ttl)
	return outcome{value: v}, nil
}

func (o *Orchestrator) observe(dep, op, outcome string, elapsed time.Duration) {
	metrics.InvocationsTotal.WithLabelValues(dep, op, outcome).Inc()
	metrics.InvocationDuration.WithLabelValues(dep, op).Observe(elapsed.Seconds())
	if o.store == nil {
		return
	}
	tags := map[string]string{"dependency": dep, "operation": op, "outcome": outcome}
	o.store.Record("invoke.duration_ms", float64(elapsed)/float64(time.Millisecond), tags)
	o.store.Record("invoke.count", 1, tags)
}

// Names returns the registered dependency names in order.
func (o *Orchestrator) Names() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, 0, len(o.deps))
	for n := range o.deps {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Status returns every dependency's status, ordered by name.
func (o *Orchestrator) Status() []DependencyStatus {
	names := o.Names()
	out := make([]DependencyStatus, 0, len(names))
	for _, n := range names {
		if st, ok := o.DependencyStatus(n); ok {
			out = append(out, st)
		}
	}
	return out
}

// DependencyStatus returns the status of one dependency.
func (o *Orchestrator) DependencyStatus(name string) (DependencyStatus, bool) {
	d, err := o.dependency(name)
	if err != nil {
		return DependencyStatus{}, false
	}
	st := DependencyStatus{
		Name:    d.spec.Name,
		Kind:    d.spec.Kind,
		Breaker: d.exec.Breaker().Status(),
		Health:  d.exec.Health(),
		Retry:   d.exec.RetryPolicy(),
		Pool:    d.pool.Stats(),
	}
	if l := d.exec.Limiter(); l != nil {
		ls := l.Status()
		st.RateLimit = &ls
	}
	if d.queue != nil {
		bs := d.queue.Stats()
		st.Batch = &bs
	}
	return st, true
}

// Breaker returns the named dependency's breaker.
func (o *Orchestrator) Breaker(name string) (*circuitbreaker.Breaker, bool) {
	d, err := o.dependency(name)
	if err != nil {
		return nil, false
	}
	return d.exec.Breaker(), true
}

// Pool returns the named dependency's pool statistics.
func (o *Orchestrator) Pool(name string) (pool.Stats, bool) {
	d, err := o.dependency(name)
	if err != nil {
		return pool.Stats{}, false
	}
	return d.pool.Stats(), true
}

// Invalidate drops cached results of the named dependency whose keys match
// pattern. An empty pattern clears the dependency's namespace.
func (o *Orchestrator) Invalidate(name, pattern string) (int, error) {
	d, err := o.dependency(name)
	if err != nil {
		return 0, err
	}
	return o.cache.Invalidate(d.spec.Namespace, pattern), nil
}

// ResetBreaker forces the named breaker closed.
func (o *Orchestrator) ResetBreaker(name string) error {
	d, err := o.dependency(name)
	if err != nil {
		return err
	}
	d.exec.Breaker().Reset()
	return nil
}

// RefreshSlot replaces one pool slot's handle.
func (o *Orchestrator) RefreshSlot(ctx context.Context, name string, index int) error {
	d, err := o.dependency(name)
	if err != nil {
		return err
	}
	return d.pool.Refresh(ctx, index)
}

// Probe health-checks every dependency concurrently and returns the results
// by name.
func (o *Orchestrator) Probe(ctx context.Context) map[string]executor.Health {
	o.mu.RLock()
	deps := make([]*dependency, 0, len(o.deps))
	for _, d := range o.deps {
		deps = append(deps, d)
	}
	o.mu.RUnlock()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out = make(map[string]executor.Health, len(deps))
	)
	for _, d := range deps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := d.exec.Probe(ctx)
			mu.Lock()
			out[d.spec.Name] = h
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// ClearBatches rejects every pending batch item and returns the count per
// dependency.
func (o *Orchestrator) ClearBatches() map[string]int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]int)
	for name, d := range o.deps {
		if d.queue != nil {
			out[name] = d.queue.Clear()
		}
	}
	return out
}

// FlushBatches sends every pending batch now.
func (o *Orchestrator) FlushBatches() {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, d := range o.deps {
		if d.queue != nil {
			d.queue.Flush()
		}
	}
}

// BatchStats returns queue statistics per batched dependency.
func (o *Orchestrator) BatchStats() map[string]batch.Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]batch.Stats)
	for name, d := range o.deps {
		if d.queue != nil {
			out[name] = d.queue.Stats()
		}
	}
	return out
}

// DedupStats returns deduplicator statistics.
func (o *Orchestrator) DedupStats() dedup.Stats { return o.dedup.Stats() }

// Cache returns the shared cache.
func (o *Orchestrator) Cache() *cache.Cache { return o.cache }

// Store returns the metrics store, nil when recording is disabled.
func (o *Orchestrator) Store() *metrics.Store { return o.store }

// UpdateDependency applies new tuning to a registered dependency.
func (o *Orchestrator) UpdateDependency(name string, t Tuning) error {
	d, err := o.dependency(name)
	if err != nil {
		return err
	}
	d.exec.Breaker().UpdateConfig(t.Breaker)
	d.exec.UpdateRetry(t.Retry)
	if l := d.exec.Limiter(); l != nil {
		l.UpdatePolicy(t.RateLimit)
	} else if t.RateLimit.Enabled() {
		o.logger.Warn("rate limit cannot be enabled on a running dependency; restart to apply", "dependency", name)
	}
	return nil
}

// Close flushes pending batches and closes every pool.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, d := range o.deps {
		if d.queue != nil {
			d.queue.Close()
		}
		d.pool.Close()
	}
}
