// Package main is the entry point for upstream-guard. It loads configuration,
// registers every dependency with the orchestrator, assembles the middleware
// stack, starts the HTTP server and handles graceful shutdown on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dskow/upstream-guard/internal/admin"
	"github.com/dskow/upstream-guard/internal/cache"
	"github.com/dskow/upstream-guard/internal/config"
	"github.com/dskow/upstream-guard/internal/health"
	"github.com/dskow/upstream-guard/internal/logging"
	"github.com/dskow/upstream-guard/internal/metrics"
	"github.com/dskow/upstream-guard/internal/middleware"
	"github.com/dskow/upstream-guard/internal/ops"
	"github.com/dskow/upstream-guard/internal/orchestrator"
	"github.com/dskow/upstream-guard/internal/pool"
	"github.com/dskow/upstream-guard/internal/routing"
	"github.com/dskow/upstream-guard/internal/scheduler"
	"github.com/dskow/upstream-guard/internal/server"
	"github.com/dskow/upstream-guard/internal/tlsutil"
	"github.com/dskow/upstream-guard/internal/transport"
)

func main() {
	configPath := flag.String("config", "configs/guard.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "upstream-guard:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"dependencies", len(cfg.Dependencies),
		"auth_enabled", cfg.Auth.Enabled,
		"admin_enabled", cfg.Admin.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"max_body_bytes", cfg.Server.MaxBodyBytes,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Prometheus vectors and the in-process store
	var store *metrics.Store
	if cfg.Metrics.IsEnabled() {
		metrics.Init()
		store = metrics.NewStore(cfg.Metrics.StoreConfig(), logger)
	}

	var rec cache.Recorder
	if store != nil {
		rec = store
	}
	c := cache.New(cfg.Cache.CacheSettings(), rec, logger)

	orch := orchestrator.New(orchestrator.Options{
		Cache:  c,
		Store:  store,
		Batch:  cfg.Batch.QueueSettings(),
		Logger: logger,
	})
	defer orch.Close()

	loaders, err := registerDependencies(ctx, orch, cfg, logger)
	defer func() {
		for _, l := range loaders {
			l.Stop()
		}
	}()
	if err != nil {
		return err
	}

	targets, paths := selectTargets(cfg)
	guarded := ops.NewGuarded(orch, targets, paths, logger)

	sched := scheduler.New(logger)
	if err := addJobs(sched, cfg, orch, store, logger); err != nil {
		return err
	}

	reloader := config.NewReloader(configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()

	// Breakers, retries, limiters and cache TTLs hot-reload; topology does not.
	reloader.OnReload(func(newCfg *config.Config) {
		c.UpdateConfig(newCfg.Cache.CacheSettings())
		for _, d := range newCfg.Dependencies {
			err := orch.UpdateDependency(d.Name, orchestrator.Tuning{
				Breaker:   d.CircuitBreaker.BreakerSettings(),
				Retry:     d.Retry.Policy(),
				RateLimit: d.RateLimit.Policy(),
			})
			if errors.Is(err, orchestrator.ErrUnknownDependency) {
				logger.Warn("new dependency ignored until restart", "dependency", d.Name)
			}
		}
	})

	// Assemble middleware stack:
	// Recovery → RequestID → SecurityHeaders → Logging → BodyLimit → Deadline → API
	apiMux := http.NewServeMux()
	server.New(guarded, logger).RegisterRoutes(apiMux)
	if cfg.Admin.Enabled {
		admin.New(admin.Options{
			Config:       reloader,
			Orchestrator: orch,
			Scheduler:    sched,
			Allowlist:    cfg.Admin.IPAllowlist,
			Auth:         cfg.Auth,
			Logger:       logger,
		}).RegisterRoutes(apiMux)
		logger.Info("admin API enabled", "allowlist", len(cfg.Admin.IPAllowlist))
	}

	var handler http.Handler = apiMux
	handler = middleware.Deadline(cfg.Server.GlobalTimeout())(handler)
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.Logging(logger, "/admin/metrics")(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	// Health and metrics endpoints bypass the middleware stack
	probeMux := http.NewServeMux()
	health.New(orch, cfg.Health, logger).RegisterRoutes(probeMux)
	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		probeMux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if routing.MatchesAny(r.URL.Path, "/health", "/ready") ||
			(cfg.Metrics.IsEnabled() && r.URL.Path == metricsPath) {
			probeMux.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      combined,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	if cfg.Server.TLS.Enabled {
		tlsCfg, cl, err := tlsutil.NewServerConfig(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, cfg.Server.TLS.MinVersion, logger)
		if err != nil {
			return fmt.Errorf("server TLS: %w", err)
		}
		defer cl.Stop()
		srv.TLSConfig = tlsCfg
	}

	sched.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting upstream-guard", "addr", srv.Addr, "tls", cfg.Server.TLS.Enabled)
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	sched.Stop()
	orch.FlushBatches()

	logger.Info("upstream-guard stopped gracefully")
	return nil
}

// registerDependencies registers every configured dependency. The returned
// certificate loaders must be stopped even when an error is returned.
func registerDependencies(ctx context.Context, orch *orchestrator.Orchestrator, cfg *config.Config, logger *slog.Logger) ([]*tlsutil.CertLoader, error) {
	var loaders []*tlsutil.CertLoader
	for _, d := range cfg.Dependencies {
		var tlsCfg *tls.Config
		if d.TLS.Configured() {
			tc, cl, err := tlsutil.NewClientConfig(d.TLS.ClientOptions(), logger)
			if err != nil {
				return loaders, fmt.Errorf("dependency %q TLS: %w", d.Name, err)
			}
			if cl != nil {
				loaders = append(loaders, cl)
			}
			tlsCfg = tc
		}

		spec := orchestrator.DependencySpec{
			Name:      d.Name,
			Kind:      d.Kind,
			Endpoint:  d.BaseURL,
			PoolSize:  d.PoolSize,
			Factory:   clientFactory(d, tlsCfg, logger),
			Namespace: d.CacheNamespace,
			Breaker:   d.CircuitBreaker.BreakerSettings(),
			Retry:     d.Retry.Policy(),
			RateLimit: d.RateLimit.Policy(),
		}
		if d.Kind == config.KindEmbedding {
			spec.Batch = ops.EmbedBatchFunc(ops.DefaultPaths().With(d.Paths).Embed)
		}
		if err := orch.Register(ctx, spec); err != nil {
			return loaders, fmt.Errorf("registering dependency %q: %w", d.Name, err)
		}
	}
	return loaders, nil
}

// clientFactory builds one transport client per pool slot.
func clientFactory(d config.DependencyConfig, tlsCfg *tls.Config, logger *slog.Logger) pool.Factory[orchestrator.Backend] {
	return func(_ context.Context, index int) (orchestrator.Backend, error) {
		c, err := transport.New(transport.Options{
			Name:       d.Name,
			BaseURL:    d.BaseURL,
			Timeout:    d.Timeout,
			HealthPath: d.HealthPath,
			Headers:    d.Headers,
			TLS:        tlsCfg,
			Logger:     logger.With("slot", index),
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// selectTargets picks the first dependency of each kind and the operation
// paths it declares.
func selectTargets(cfg *config.Config) (ops.Targets, ops.Paths) {
	var t ops.Targets
	paths := ops.DefaultPaths()
	for _, d := range cfg.Dependencies {
		p := ops.DefaultPaths().With(d.Paths)
		switch d.Kind {
		case config.KindVectorSearch:
			if t.Vectors == "" {
				t.Vectors = d.Name
				paths.Query, paths.Upsert = p.Query, p.Upsert
			}
		case config.KindEmbedding:
			if t.Embeddings == "" {
				t.Embeddings = d.Name
				paths.Embed = p.Embed
			}
		case config.KindLLMRouter:
			if t.Router == "" {
				t.Router = d.Name
				paths.Route = p.Route
			}
		case config.KindREST:
			if t.REST == "" {
				t.REST = d.Name
			}
		}
	}
	return t, paths
}

// addJobs schedules cache sweeps, metrics retention and dependency probes.
func addJobs(s *scheduler.Scheduler, cfg *config.Config, orch *orchestrator.Orchestrator, store *metrics.Store, logger *slog.Logger) error {
	jobs := []scheduler.Job{
		{
			Name:  "cache-sweep",
			Every: cfg.Cache.SweepInterval,
			Run: func(context.Context) error {
				res := orch.Cache().Sweep()
				logger.Debug("cache swept", "expired", res.ExpiredEntries, "patterns_evicted", res.EvictedPatterns)
				return nil
			},
		},
		{
			Name:  "dependency-probe",
			Every: cfg.Health.ProbeInterval,
			Run: func(ctx context.Context) error {
				pctx, cancel := context.WithTimeout(ctx, cfg.Health.ProbeTimeout)
				defer cancel()
				var down []string
				for name, h := range orch.Probe(pctx) {
					if !h.Healthy {
						down = append(down, name)
					}
				}
				if len(down) > 0 {
					return fmt.Errorf("unhealthy dependencies: %s", strings.Join(down, ", "))
				}
				return nil
			},
		},
	}
	if store != nil {
		jobs = append(jobs, scheduler.Job{
			Name:  "metrics-retention",
			Every: cfg.Metrics.SweepInterval,
			Run: func(context.Context) error {
				if n := store.Sweep(); n > 0 {
					logger.Debug("metrics samples pruned", "samples", n)
				}
				return nil
			},
		})
	}
	for _, j := range jobs {
		if err := s.Add(j); err != nil {
			return err
		}
	}
	return nil
}
