// Package server exposes the guarded operations over HTTP under /v1.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dskow/upstream-guard/internal/apierror"
	"github.com/dskow/upstream-guard/internal/middleware"
	"github.com/dskow/upstream-guard/internal/ops"
	"github.com/dskow/upstream-guard/internal/orchestrator"
)

// Response headers describing how a result was produced.
const (
	HeaderInvocationID = "X-Guard-Invocation-ID"
	HeaderCache        = "X-Guard-Cache"
	HeaderLatency      = "X-Guard-Latency"
)

// Handler serves the operation API.
type Handler struct {
	ops    ops.Operations
	logger *slog.Logger
}

// New returns a Handler over o.
func New(o ops.Operations, logger *slog.Logger) *Handler {
	return &Handler{ops: o, logger: logger.With("component", "server")}
}

// RegisterRoutes adds the /v1 routes to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/search", h.search)
	mux.HandleFunc("POST /v1/embed", h.embed)
	mux.HandleFunc("POST /v1/insert", h.insert)
	mux.HandleFunc("POST /v1/route", h.route)
	mux.HandleFunc("/v1/rest/{path...}", h.rest)
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req ops.QueryRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.ops.Query(r.Context(), req)
	if err != nil {
		h.fail(w, r, "query", err)
		return
	}
	writeResult(w, start, res.Meta, res)
}

func (h *Handler) embed(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req ops.EmbedRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.ops.Embed(r.Context(), req)
	if err != nil {
		h.fail(w, r, "embed", err)
		return
	}
	writeResult(w, start, res.Meta, res)
}

func (h *Handler) insert(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req ops.InsertRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.ops.BatchInsert(r.Context(), req)
	if err != nil {
		h.fail(w, r, "insert", err)
		return
	}
	writeResult(w, start, res.Meta, res)
}

func (h *Handler) route(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req ops.RouteRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.ops.Route(r.Context(), req)
	if err != nil {
		h.fail(w, r, "route", err)
		return
	}
	writeResult(w, start, res.Meta, res)
}

// rest relays the upstream status, content type and body unchanged.
func (h *Handler) rest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		if middleware.IsBodyTooLarge(err) {
			middleware.WriteBodyLimitError(w, r)
			return
		}
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "failed to read request body")
		return
	}

	req := ops.RESTRequest{
		Method: r.Method,
		Path:   "/" + r.PathValue("path"),
		Query:  r.URL.Query(),
		Header: make(http.Header),
		Body:   body,
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && len(body) > 0 {
		req.Header.Set("Content-Type", ct)
	}
	for _, name := range ops.RESTNegotiationHeaders {
		if v := r.Header.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}

	res, err := h.ops.REST(r.Context(), req)
	if err != nil {
		h.fail(w, r, "rest", err)
		return
	}

	setMeta(w, start, res.Meta)
	if res.ContentType != "" {
		w.Header().Set("Content-Type", res.ContentType)
	}
	status := res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(res.Body)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if middleware.IsBodyTooLarge(err) {
			middleware.WriteBodyLimitError(w, r)
			return false
		}
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, ops.ErrInvalid):
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, err.Error())
		return
	case errors.Is(err, orchestrator.ErrUnknownDependency):
		apierror.WriteJSON(w, r, http.StatusNotImplemented, apierror.UnknownDependency, "no dependency configured for "+op)
		return
	}

	p := apierror.FromError(err)
	attrs := []any{"operation", op, "status", p.Status, "code", p.Code, "request_id", middleware.GetRequestID(r.Context())}
	if p.Status >= http.StatusInternalServerError {
		h.logger.Error("operation failed", append(attrs, "error", err)...)
	} else {
		h.logger.Warn("operation rejected", append(attrs, "error", err)...)
	}
	apierror.WriteError(w, r, err)
}

func setMeta(w http.ResponseWriter, start time.Time, m ops.Meta) {
	if m.InvocationID != "" {
		w.Header().Set(HeaderInvocationID, m.InvocationID)
	}
	w.Header().Set(HeaderCache, cacheLabel(m))
	w.Header().Set(HeaderLatency, time.Since(start).String())
}

func cacheLabel(m ops.Meta) string {
	switch {
	case m.Cached:
		return "hit"
	case m.Shared:
		return "shared"
	default:
		return "miss"
	}
}

func writeResult(w http.ResponseWriter, start time.Time, m ops.Meta, v any) {
	setMeta(w, start, m)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}
