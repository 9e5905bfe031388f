// Package admin provides the operator API for runtime inspection and
// recovery of guard state. All endpoints are protected by IP allowlist;
// mutations additionally require a bearer token when auth is enabled.
package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dskow/upstream-guard/internal/apierror"
	"github.com/dskow/upstream-guard/internal/auth"
	"github.com/dskow/upstream-guard/internal/config"
	"github.com/dskow/upstream-guard/internal/metrics"
	"github.com/dskow/upstream-guard/internal/middleware"
	"github.com/dskow/upstream-guard/internal/orchestrator"
	"github.com/dskow/upstream-guard/internal/scheduler"
)

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// Reloader is implemented by providers that can re-read their source.
// *config.Reloader satisfies it, which enables POST /admin/config/reload.
type Reloader interface {
	Reload() ([]config.Change, error)
}

// Options wires an admin Handler.
type Options struct {
	Config       ConfigProvider
	Orchestrator *orchestrator.Orchestrator
	// Scheduler is optional; without it /admin/jobs lists nothing.
	Scheduler *scheduler.Scheduler
	Allowlist []string
	Auth      config.AuthConfig
	Logger    *slog.Logger
}

// Handler provides admin API endpoints.
type Handler struct {
	config      ConfigProvider
	orch        *orchestrator.Orchestrator
	sched       *scheduler.Scheduler
	allowedNets []*net.IPNet
	authorize   func(http.Handler) http.Handler
	logger      *slog.Logger
}

// New creates an admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(opts Options) *Handler {
	nets := make([]*net.IPNet, 0, len(opts.Allowlist))
	for _, cidr := range opts.Allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		config:      opts.Config,
		orch:        opts.Orchestrator,
		sched:       opts.Scheduler,
		allowedNets: nets,
		authorize:   auth.Middleware(opts.Auth, nil, opts.Logger),
		logger:      opts.Logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/dependencies", h.guard(h.dependencies))
	mux.HandleFunc("GET /admin/dependencies/{name}", h.guard(h.dependency))
	mux.HandleFunc("GET /admin/cache", h.guard(h.cacheStats))
	mux.HandleFunc("GET /admin/dedup", h.guard(h.dedupStats))
	mux.HandleFunc("GET /admin/batch", h.guard(h.batchStats))
	mux.HandleFunc("GET /admin/jobs", h.guard(h.jobs))
	mux.HandleFunc("GET /admin/metrics", h.guard(h.metricsSnapshot))
	mux.HandleFunc("GET /admin/metrics/aggregate", h.guard(h.metricsAggregate))
	mux.HandleFunc("GET /admin/metrics/export", h.guard(h.metricsExport))
	mux.HandleFunc("GET /admin/config", h.guard(h.configHandler))

	mux.Handle("POST /admin/breakers/{name}/reset", h.mutation("breaker_reset", h.resetBreaker))
	mux.Handle("POST /admin/cache/invalidate", h.mutation("cache_invalidate", h.invalidateCache))
	mux.Handle("POST /admin/pools/{name}/refresh/{index}", h.mutation("pool_refresh", h.refreshSlot))
	mux.Handle("POST /admin/batch/clear", h.mutation("batch_clear", h.clearBatches))
	mux.Handle("POST /admin/jobs/{name}/run", h.mutation("job_run", h.runJob))
	if rl, ok := h.config.(Reloader); ok {
		mux.Handle("POST /admin/config/reload", h.mutation("config_reload", h.reloadConfig(rl)))
	}
}

// guard wraps a handler with IP allowlist checking.
func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusForbidden, apierror.Forbidden, "admin access denied")
			return
		}
		next(w, r)
	}
}

// mutation layers bearer auth and an audit log line over guard.
func (h *Handler) mutation(action string, next http.HandlerFunc) http.Handler {
	audited := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := ""
		if c, ok := auth.ClaimsFromContext(r.Context()); ok {
			subject = c.Subject
		}
		metrics.AdminActions.WithLabelValues(action).Inc()
		h.logger.Info("admin action",
			"action", action,
			"path", r.URL.Path,
			"subject", subject,
			"client_ip", extractIP(r.RemoteAddr),
			"request_id", middleware.GetRequestID(r.Context()),
		)
		next(w, r)
	})
	return h.guard(h.authorize(audited).ServeHTTP)
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func (h *Handler) dependencies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"dependencies": h.orch.Status()})
}

func (h *Handler) dependency(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	st, ok := h.orch.DependencyStatus(name)
	if !ok {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.UnknownDependency, "no dependency named "+strconv.Quote(name))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"namespaces": h.orch.Cache().Stats()})
}

func (h *Handler) dedupStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.DedupStats())
}

func (h *Handler) batchStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"queues": h.orch.BatchStats()})
}

func (h *Handler) jobs(w http.ResponseWriter, r *http.Request) {
	var jobs []scheduler.JobStatus
	if h.sched != nil {
		jobs = h.sched.Status()
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *Handler) store(w http.ResponseWriter, r *http.Request) (*metrics.Store, bool) {
	s := h.orch.Store()
	if s == nil {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.NotFound, "metrics store is disabled")
		return nil, false
	}
	return s, true
}

func (h *Handler) metricsSnapshot(w http.ResponseWriter, r *http.Request) {
	s, ok := h.store(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"series": s.Snapshot()})
}

// metricsAggregate serves ?name=invoke.duration_ms&interval=1m&tag.dependency=vectors.
func (h *Handler) metricsAggregate(w http.ResponseWriter, r *http.Request) {
	s, ok := h.store(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	name := q.Get("name")
	if name == "" {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "name is required")
		return
	}
	interval := time.Minute
	if v := q.Get("interval"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "interval must be a positive duration")
			return
		}
		interval = d
	}
	tags := map[string]string{}
	for k, vs := range q {
		if tag, ok := strings.CutPrefix(k, "tag."); ok && len(vs) > 0 {
			tags[tag] = vs[0]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":     name,
		"interval": interval.String(),
		"tags":     tags,
		"buckets":  s.Aggregate(name, interval, tags),
	})
}

func (h *Handler) metricsExport(w http.ResponseWriter, r *http.Request) {
	s, ok := h.store(w, r)
	if !ok {
		return
	}
	text, err := s.Export()
	if err != nil {
		h.logger.Error("metrics export failed", "error", err)
		apierror.WriteError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(text))
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, redact(h.config.Current()))
}

func (h *Handler) reloadConfig(rl Reloader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		changes, err := rl.Reload()
		if err != nil {
			apierror.WriteJSON(w, r, http.StatusUnprocessableEntity, apierror.InvalidRequest, err.Error())
			return
		}
		if changes == nil {
			changes = []config.Change{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"changes": changes})
	}
}

// redact copies cfg with secrets and upstream header values masked.
func redact(cfg *config.Config) config.Config {
	out := *cfg
	if out.Auth.JWTSecret != "" {
		out.Auth.JWTSecret = "***"
	}
	out.Dependencies = make([]config.DependencyConfig, len(cfg.Dependencies))
	for i, d := range cfg.Dependencies {
		if len(d.Headers) > 0 {
			masked := make(map[string]string, len(d.Headers))
			for k := range d.Headers {
				masked[k] = "***"
			}
			d.Headers = masked
		}
		out.Dependencies[i] = d
	}
	return out
}

func (h *Handler) resetBreaker(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.orch.ResetBreaker(name); err != nil {
		h.writeOrchError(w, r, err)
		return
	}
	st, _ := h.orch.DependencyStatus(name)
	writeJSON(w, http.StatusOK, map[string]any{"dependency": name, "circuit_breaker": st.Breaker})
}

type invalidateRequest struct {
	Namespace string `json:"namespace"`
	Pattern   string `json:"pattern"`
}

func (h *Handler) invalidateCache(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if middleware.IsBodyTooLarge(err) {
			middleware.WriteBodyLimitError(w, r)
			return
		}
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "body must be JSON with a namespace")
		return
	}
	if req.Namespace == "" {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "namespace is required")
		return
	}
	removed := h.orch.Cache().Invalidate(req.Namespace, req.Pattern)
	writeJSON(w, http.StatusOK, map[string]any{"namespace": req.Namespace, "pattern": req.Pattern, "removed": removed})
}

func (h *Handler) refreshSlot(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	idx, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || idx < 0 {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "index must be a non-negative integer")
		return
	}
	if err := h.orch.RefreshSlot(r.Context(), name, idx); err != nil {
		h.writeOrchError(w, r, err)
		return
	}
	pool, _ := h.orch.Pool(name)
	writeJSON(w, http.StatusOK, map[string]any{"dependency": name, "index": idx, "pool": pool})
}

func (h *Handler) clearBatches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"cleared": h.orch.ClearBatches()})
}

func (h *Handler) runJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if h.sched == nil {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.NotFound, "no scheduler configured")
		return
	}
	err := h.sched.RunNow(name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.NotFound, "no job named "+strconv.Quote(name))
	case err != nil:
		writeJSON(w, http.StatusOK, map[string]any{"job": name, "ok": false, "error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"job": name, "ok": true})
	}
}

func (h *Handler) writeOrchError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, orchestrator.ErrUnknownDependency) {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.UnknownDependency, err.Error())
		return
	}
	apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
