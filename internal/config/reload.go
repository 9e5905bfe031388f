package config

import (
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dskow/upstream-guard/internal/metrics"
)

// reloadDebounce coalesces the burst of events editors emit on save.
const reloadDebounce = 300 * time.Millisecond

// Change is one difference between two configs. Restart marks changes the
// running process cannot apply.
type Change struct {
	Field   string `json:"field"`
	Old     any    `json:"old,omitempty"`
	New     any    `json:"new,omitempty"`
	Restart bool   `json:"restart"`
}

// Diff lists what changed from old to new. Breaker, retry, rate limit and
// cache settings apply live; listener, logging, auth and dependency
// topology need a restart.
func Diff(old, new *Config) []Change {
	var out []Change
	add := func(field string, o, n any, restart bool) {
		out = append(out, Change{Field: field, Old: o, New: n, Restart: restart})
	}

	if old.Server.Port != new.Server.Port {
		add("server.port", old.Server.Port, new.Server.Port, true)
	}
	if old.Server.TLS != new.Server.TLS {
		add("server.tls", nil, nil, true)
	}
	if old.Logging != new.Logging {
		add("logging", nil, nil, true)
	}
	if old.Auth.Enabled != new.Auth.Enabled || old.Auth.JWTSecret != new.Auth.JWTSecret ||
		old.Auth.Issuer != new.Auth.Issuer || old.Auth.Audience != new.Auth.Audience {
		add("auth", nil, nil, true)
	}
	if old.Batch != new.Batch {
		add("batch", old.Batch, new.Batch, true)
	}
	if old.Cache.DefaultTTL != new.Cache.DefaultTTL {
		add("cache.default_ttl", old.Cache.DefaultTTL, new.Cache.DefaultTTL, false)
	}
	if !maps.Equal(old.Cache.Namespaces, new.Cache.Namespaces) {
		add("cache.namespaces", old.Cache.Namespaces, new.Cache.Namespaces, false)
	}

	for _, od := range old.Dependencies {
		if _, ok := new.Dependency(od.Name); !ok {
			add("dependencies."+od.Name, od.Name, nil, true)
		}
	}
	for _, nd := range new.Dependencies {
		od, ok := old.Dependency(nd.Name)
		if !ok {
			add("dependencies."+nd.Name, nil, nd.Name, true)
			continue
		}
		prefix := "dependencies." + nd.Name + "."
		if od.CircuitBreaker != nd.CircuitBreaker {
			add(prefix+"circuit_breaker", od.CircuitBreaker, nd.CircuitBreaker, false)
		}
		if od.Retry != nd.Retry {
			add(prefix+"retry", od.Retry, nd.Retry, false)
		}
		if od.RateLimit != nd.RateLimit {
			// A limiter cannot be added to a running dependency.
			add(prefix+"rate_limit", od.RateLimit, nd.RateLimit, od.RateLimit.MaxRequests == 0)
		}
		if od.Kind != nd.Kind || od.BaseURL != nd.BaseURL || od.PoolSize != nd.PoolSize ||
			od.Timeout != nd.Timeout || od.TLS != nd.TLS || !maps.Equal(od.Headers, nd.Headers) {
			add(prefix+"transport", nil, nil, true)
		}
	}
	return out
}

// Reloader watches the config file and reloads on changes. It also reloads
// on the platform's reload signals (SIGHUP on Unix, see reload_unix.go).
type Reloader struct {
	mu        sync.RWMutex
	current   *Config
	path      string
	logger    *slog.Logger
	callbacks []func(*Config)
	watcher   *fsnotify.Watcher
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// NewReloader creates a Reloader for the given config file path.
func NewReloader(path string, initial *Config, logger *slog.Logger) *Reloader {
	return &Reloader{
		current: initial,
		path:    filepath.Clean(path),
		logger:  logger.With("component", "config"),
		stopCh:  make(chan struct{}),
	}
}

// Current returns the active configuration (thread-safe).
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// OnReload registers a callback that is invoked with the new config
// after a successful reload.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Start begins watching the config file and listening for reload signals.
// The parent directory is watched so editors that save by rename are seen.
func (r *Reloader) Start() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Error("failed to create file watcher", "error", err)
		return
	}
	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		r.logger.Error("failed to watch config directory", "dir", dir, "error", err)
		watcher.Close()
		return
	}
	r.watcher = watcher
	r.logger.Info("config file watcher started", "path", r.path)

	go r.watchLoop()

	if len(reloadSignals) > 0 {
		go r.signalLoop()
	}
}

// Stop terminates the file watcher and signal handler. Safe to call more
// than once.
func (r *Reloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

// Reload loads the config from disk and, if valid, swaps it in and notifies
// callbacks. On error the current config is kept.
func (r *Reloader) Reload() ([]Change, error) {
	newCfg, err := Load(r.path)
	if err != nil {
		metrics.ConfigReloads.WithLabelValues("failure").Inc()
		r.logger.Error("config reload failed, keeping current", "path", r.path, "error", err)
		return nil, fmt.Errorf("reloading %s: %w", r.path, err)
	}

	r.mu.Lock()
	old := r.current
	r.current = newCfg
	callbacks := make([]func(*Config), len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.Unlock()

	changes := Diff(old, newCfg)
	for _, c := range changes {
		if c.Restart {
			r.logger.Warn("config change takes effect on restart", "field", c.Field)
		} else {
			r.logger.Info("config change applied", "field", c.Field, "old", c.Old, "new", c.New)
		}
	}
	for _, w := range newCfg.Warnings {
		r.logger.Warn("config warning", "message", w)
	}

	for _, cb := range callbacks {
		cb(newCfg)
	}

	metrics.ConfigReloads.WithLabelValues("success").Inc()
	r.logger.Info("configuration reloaded", "changes", len(changes))
	return changes, nil
}

func (r *Reloader) watchLoop() {
	var debounce *time.Timer

	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				_, _ = r.Reload()
			})
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("file watcher error", "error", err)
		case <-r.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

func (r *Reloader) signalLoop() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, reloadSignals...)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			r.logger.Info("reload signal received", "signal", sig.String())
			_, _ = r.Reload()
		case <-r.stopCh:
			return
		}
	}
}
