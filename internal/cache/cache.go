// Package cache implements a namespaced in-memory cache whose entry TTLs
// stretch for frequently read keys and shrink for cold ones.
package cache

import (
	"context"
	"log/slog"
	"math"
	"path"
	"sync"
	"time"

	"github.com/dskow/upstream-guard/internal/metrics"
)

// Recorder receives cache samples. *metrics.Store satisfies it.
type Recorder interface {
	Record(name string, value float64, tags map[string]string)
}

// Config tunes TTL adaptation and pattern decay.
type Config struct {
	DefaultTTL       time.Duration
	Namespaces       map[string]time.Duration
	MinMultiplier    float64
	MaxMultiplier    float64
	DecayFactor      float64
	FrequencyFloor   float64
	PatternRetention time.Duration
}

// DefaultConfig returns the stock tuning: 5m base TTL, multiplier band
// [0.5, 3.0], 0.9 decay per sweep, 0.01/h frequency floor, 24h retention.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:       5 * time.Minute,
		MinMultiplier:    0.5,
		MaxMultiplier:    3.0,
		DecayFactor:      0.9,
		FrequencyFloor:   0.01,
		PatternRetention: 24 * time.Hour,
	}
}

func normalize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.MinMultiplier <= 0 {
		cfg.MinMultiplier = def.MinMultiplier
	}
	if cfg.MaxMultiplier < cfg.MinMultiplier {
		cfg.MaxMultiplier = math.Max(def.MaxMultiplier, cfg.MinMultiplier)
	}
	if cfg.DecayFactor <= 0 || cfg.DecayFactor > 1 {
		cfg.DecayFactor = def.DecayFactor
	}
	if cfg.FrequencyFloor < 0 {
		cfg.FrequencyFloor = 0
	}
	if cfg.PatternRetention <= 0 {
		cfg.PatternRetention = def.PatternRetention
	}
	return cfg
}

type entry struct {
	value     any
	storedAt  time.Time
	expiresAt time.Time
	ttl       time.Duration
}

// AccessPattern tracks how often a key is read.
type AccessPattern struct {
	Count      uint64    `json:"count"`
	FirstSeen  time.Time `json:"first_seen"`
	LastAccess time.Time `json:"last_access"`
	Frequency  float64   `json:"frequency_per_hour"`
}

type namespace struct {
	entries  map[string]*entry
	patterns map[string]*AccessPattern

	hits, misses, sets, expired, invalidated uint64
}

// NamespaceStats reports per-namespace counters.
type NamespaceStats struct {
	BaseTTL     string `json:"base_ttl"`
	Entries     int    `json:"entries"`
	Patterns    int    `json:"patterns"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Sets        uint64 `json:"sets"`
	Expired     uint64 `json:"expired"`
	Invalidated uint64 `json:"invalidated"`
}

// SweepResult summarizes one maintenance pass.
type SweepResult struct {
	ExpiredEntries  int
	EvictedPatterns int
}

// Cache is safe for concurrent use.
type Cache struct {
	mu     sync.Mutex
	cfg    Config
	ns     map[string]*namespace
	rec    Recorder
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Cache. rec may be nil.
func New(cfg Config, rec Recorder, logger *slog.Logger) *Cache {
	return &Cache{
		cfg:    normalize(cfg),
		ns:     make(map[string]*namespace),
		rec:    rec,
		logger: logger,
		now:    time.Now,
	}
}

// UpdateConfig swaps tuning in place. Stored entries keep their TTLs.
func (c *Cache) UpdateConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = normalize(cfg)
}

// Must be called with c.mu held.
func (c *Cache) namespace(name string) *namespace {
	n, ok := c.ns[name]
	if !ok {
		n = &namespace{entries: make(map[string]*entry), patterns: make(map[string]*AccessPattern)}
		c.ns[name] = n
	}
	return n
}

// Must be called with c.mu held.
func (c *Cache) baseTTL(ns string) time.Duration {
	if ttl, ok := c.cfg.Namespaces[ns]; ok && ttl > 0 {
		return ttl
	}
	return c.cfg.DefaultTTL
}

// Get returns the live value stored under key. A hit updates the key's
// access pattern; an expired entry is removed and reported as a miss.
func (c *Cache) Get(ns, key string) (any, bool) {
	now := c.now()

	c.mu.Lock()
	n := c.namespace(ns)
	e, ok := n.entries[key]
	if ok && !now.Before(e.expiresAt) {
		delete(n.entries, key)
		n.expired++
		ok = false
		metrics.CacheOperations.WithLabelValues(ns, "expired").Inc()
	}
	if !ok {
		n.misses++
		c.mu.Unlock()
		metrics.CacheOperations.WithLabelValues(ns, "miss").Inc()
		c.record("cache.miss", ns)
		return nil, false
	}
	n.hits++
	c.touch(n, key, now)
	value := e.value
	c.mu.Unlock()

	metrics.CacheOperations.WithLabelValues(ns, "hit").Inc()
	c.record("cache.hit", ns)
	return value, true
}

// Must be called with c.mu held.
func (c *Cache) touch(n *namespace, key string, now time.Time) {
	p, ok := n.patterns[key]
	if !ok {
		p = &AccessPattern{FirstSeen: now}
		n.patterns[key] = p
	}
	p.Count++
	p.LastAccess = now
	hours := math.Max(now.Sub(p.FirstSeen).Hours(), 1)
	p.Frequency = float64(p.Count) / hours
}

// Set stores value with a TTL derived from the key's access frequency.
func (c *Cache) Set(ns, key string, value any) time.Duration {
	return c.set(ns, key, value, 0)
}

// SetWithTTL stores value with an explicit TTL, clamped into the same band
// adaptive TTLs occupy.
func (c *Cache) SetWithTTL(ns, key string, value any, ttl time.Duration) time.Duration {
	return c.set(ns, key, value, ttl)
}

func (c *Cache) set(ns, key string, value any, explicit time.Duration) time.Duration {
	now := c.now()

	c.mu.Lock()
	n := c.namespace(ns)
	ttl := explicit
	if ttl <= 0 {
		ttl = c.adaptiveTTL(ns, n, key)
	} else {
		base := c.baseTTL(ns)
		lo := time.Duration(float64(base) * c.cfg.MinMultiplier)
		hi := time.Duration(float64(base) * c.cfg.MaxMultiplier)
		ttl = min(max(ttl, lo), hi)
	}
	n.entries[key] = &entry{value: value, storedAt: now, expiresAt: now.Add(ttl), ttl: ttl}
	n.sets++
	c.mu.Unlock()

	metrics.CacheOperations.WithLabelValues(ns, "set").Inc()
	if c.rec != nil {
		c.rec.Record("cache.ttl_seconds", ttl.Seconds(), map[string]string{"namespace": ns})
	}
	return ttl
}

// TTLFor returns the TTL a Set of key would receive now.
func (c *Cache) TTLFor(ns, key string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adaptiveTTL(ns, c.namespace(ns), key)
}

// Must be called with c.mu held.
func (c *Cache) adaptiveTTL(ns string, n *namespace, key string) time.Duration {
	var freq float64
	if p, ok := n.patterns[key]; ok {
		freq = p.Frequency
	}
	mult := 1 + math.Log10(freq+1)*0.5
	mult = math.Min(math.Max(mult, c.cfg.MinMultiplier), c.cfg.MaxMultiplier)
	return time.Duration(float64(c.baseTTL(ns)) * mult)
}

// Pattern returns the access pattern of key, if tracked.
func (c *Cache) Pattern(ns, key string) (AccessPattern, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.ns[ns]; ok {
		if p, ok := n.patterns[key]; ok {
			return *p, true
		}
	}
	return AccessPattern{}, false
}

// GetOrLoad returns the cached value or calls load and caches its result.
// A failed load is returned without touching the cache.
func (c *Cache) GetOrLoad(ctx context.Context, ns, key string, load func(context.Context) (any, error)) (any, bool, error) {
	if v, ok := c.Get(ns, key); ok {
		return v, true, nil
	}
	v, err := load(ctx)
	if err != nil {
		return nil, false, err
	}
	c.Set(ns, key, v)
	return v, false, nil
}

// Invalidate removes entries from ns. An empty pattern clears the whole
// namespace; otherwise keys matching the shell glob are removed. It returns
// the number of entries removed.
func (c *Cache) Invalidate(ns, pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.ns[ns]
	if !ok {
		return 0
	}
	removed := 0
	if pattern == "" {
		removed = len(n.entries)
		n.entries = make(map[string]*entry)
	} else {
		for key := range n.entries {
			if matched, err := path.Match(pattern, key); err == nil && matched {
				delete(n.entries, key)
				removed++
			}
		}
	}
	n.invalidated += uint64(removed)
	if removed > 0 {
		metrics.CacheOperations.WithLabelValues(ns, "invalidated").Add(float64(removed))
		c.logger.Info("cache invalidated", "namespace", ns, "pattern", pattern, "removed", removed)
	}
	return removed
}

// Sweep removes expired entries, decays every access pattern and evicts
// patterns that fell below the frequency floor or were not read within the
// retention horizon.
func (c *Cache) Sweep() SweepResult {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var res SweepResult
	for name, n := range c.ns {
		for key, e := range n.entries {
			if !now.Before(e.expiresAt) {
				delete(n.entries, key)
				n.expired++
				res.ExpiredEntries++
			}
		}
		for key, p := range n.patterns {
			p.Frequency *= c.cfg.DecayFactor
			if p.Frequency < c.cfg.FrequencyFloor || now.Sub(p.LastAccess) > c.cfg.PatternRetention {
				delete(n.patterns, key)
				res.EvictedPatterns++
			}
		}
		metrics.CacheEntries.WithLabelValues(name).Set(float64(len(n.entries)))
	}
	if res.ExpiredEntries > 0 || res.EvictedPatterns > 0 {
		c.logger.Debug("cache sweep",
			"expired_entries", res.ExpiredEntries,
			"evicted_patterns", res.EvictedPatterns,
		)
	}
	return res
}

// Stats returns counters for every namespace seen so far.
func (c *Cache) Stats() map[string]NamespaceStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]NamespaceStats, len(c.ns))
	for name, n := range c.ns {
		out[name] = NamespaceStats{
			BaseTTL:     c.baseTTL(name).String(),
			Entries:     len(n.entries),
			Patterns:    len(n.patterns),
			Hits:        n.hits,
			Misses:      n.misses,
			Sets:        n.sets,
			Expired:     n.expired,
			Invalidated: n.invalidated,
		}
	}
	return out
}

func (c *Cache) record(name, ns string) {
	if c.rec != nil {
		c.rec.Record(name, 1, map[string]string{"namespace": ns})
	}
}
