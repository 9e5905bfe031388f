// Package health provides liveness and readiness probe HTTP handlers.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dskow/upstream-guard/internal/circuitbreaker"
	"github.com/dskow/upstream-guard/internal/config"
	"github.com/dskow/upstream-guard/internal/executor"
	"github.com/dskow/upstream-guard/internal/orchestrator"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

// Source is what readiness inspects. *orchestrator.Orchestrator satisfies it.
type Source interface {
	Status() []orchestrator.DependencyStatus
	Probe(ctx context.Context) map[string]executor.Health
}

// Handler provides /health and /ready endpoints.
type Handler struct {
	source   Source
	timeout  time.Duration
	cacheTTL time.Duration
	logger   *slog.Logger
	now      func() time.Time

	// Cached readiness result so frequent /ready polls do not probe every
	// dependency. Protected by cacheMu.
	cacheMu      sync.RWMutex
	cachedResult []byte
	cachedStatus int
	cachedAt     time.Time
}

// New creates a Handler over source.
func New(source Source, cfg config.HealthConfig, logger *slog.Logger) *Handler {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	return &Handler{
		source:   source,
		timeout:  cfg.ProbeTimeout,
		cacheTTL: cfg.ReadyCacheTTL,
		logger:   logger,
		now:      time.Now,
	}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.liveness)
	mux.HandleFunc("GET /ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

type readinessBody struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies"`
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	h.cacheMu.RLock()
	if h.cachedResult != nil && h.now().Sub(h.cachedAt) < h.cacheTTL {
		body, status := h.cachedResult, h.cachedStatus
		h.cacheMu.RUnlock()
		writeBody(w, status, body)
		return
	}
	h.cacheMu.RUnlock()

	status, body := h.evaluate(r.Context())

	h.cacheMu.Lock()
	h.cachedResult = body
	h.cachedStatus = status
	h.cachedAt = h.now()
	h.cacheMu.Unlock()

	writeBody(w, status, body)
}

// evaluate reports not ready when any breaker is open or any closed
// dependency fails its probe. Half-open dependencies count as ready.
func (h *Handler) evaluate(ctx context.Context) (int, []byte) {
	deps := h.source.Status()
	results := make(map[string]string, len(deps))

	needProbe := false
	for _, d := range deps {
		switch d.Breaker.State {
		case circuitbreaker.StateOpen:
			results[d.Name] = "circuit-open"
		case circuitbreaker.StateHalfOpen:
			results[d.Name] = "circuit-half-open"
		default:
			needProbe = true
		}
	}

	if needProbe {
		pctx, cancel := context.WithTimeout(ctx, h.timeout)
		probes := h.source.Probe(pctx)
		cancel()
		for _, d := range deps {
			if _, decided := results[d.Name]; decided {
				continue
			}
			if p, ok := probes[d.Name]; ok && !p.Healthy {
				h.logger.Warn("dependency unreachable", "dependency", d.Name, "error", p.LastError)
				results[d.Name] = "unreachable"
				continue
			}
			results[d.Name] = "ok"
		}
	}

	status, label := http.StatusOK, "ready"
	for _, v := range results {
		if v == "circuit-open" || v == "unreachable" {
			status, label = http.StatusServiceUnavailable, "not ready"
			break
		}
	}

	body, _ := json.Marshal(readinessBody{Status: label, Dependencies: results})
	return status, append(body, '\n')
}

func writeBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
