// Package ops is the narrow operation surface the guard exposes over its
// dependencies. Plain calls one backend per dependency kind directly;
// Guarded routes the same calls through the orchestrator.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dskow/upstream-guard/internal/orchestrator"
	"github.com/dskow/upstream-guard/internal/transport"
)

// ErrInvalid marks a request rejected before reaching any dependency.
var ErrInvalid = errors.New("invalid request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Operations is implemented by Plain and Guarded.
type Operations interface {
	Query(ctx context.Context, req QueryRequest) (QueryResult, error)
	Embed(ctx context.Context, req EmbedRequest) (Embedding, error)
	BatchInsert(ctx context.Context, req InsertRequest) (InsertResult, error)
	Route(ctx context.Context, req RouteRequest) (RouteResult, error)
	REST(ctx context.Context, req RESTRequest) (RESTResult, error)
}

// Meta describes how a guarded result was produced. Plain results leave it
// zero.
type Meta struct {
	InvocationID string
	Cached       bool
	Shared       bool
	Elapsed      time.Duration
}

func metaOf(r orchestrator.Result) Meta {
	return Meta{InvocationID: r.InvocationID, Cached: r.Cached, Shared: r.Shared, Elapsed: r.Elapsed}
}

// QueryRequest is a similarity search. Either Vector or Text is required.
type QueryRequest struct {
	Index  string         `json:"index"`
	Vector []float32      `json:"vector,omitempty"`
	Text   string         `json:"text,omitempty"`
	TopK   int            `json:"top_k"`
	Filter map[string]any `json:"filter,omitempty"`
}

// Validate checks required fields and applies the default TopK.
func (r *QueryRequest) Validate() error {
	if r.Index == "" {
		return invalid("index is required")
	}
	if len(r.Vector) == 0 && strings.TrimSpace(r.Text) == "" {
		return invalid("vector or text is required")
	}
	if r.TopK == 0 {
		r.TopK = 10
	}
	if r.TopK < 0 || r.TopK > 1000 {
		return invalid("top_k must be between 1 and 1000")
	}
	return nil
}

// Match is one search hit.
type Match struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// QueryResult holds matches in upstream order.
type QueryResult struct {
	Matches []Match `json:"matches"`
	Meta    Meta    `json:"-"`
}

// EmbedRequest embeds one input with one model.
type EmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// Validate checks required fields.
func (r *EmbedRequest) Validate() error {
	if r.Model == "" {
		return invalid("model is required")
	}
	if r.Input == "" {
		return invalid("input is required")
	}
	return nil
}

// Embedding is one vector.
type Embedding struct {
	Model  string    `json:"model"`
	Vector []float32 `json:"vector"`
	Meta   Meta      `json:"-"`
}

// Record is one vector written by BatchInsert.
type Record struct {
	ID       string         `json:"id"`
	Vector   []float32      `json:"vector"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// InsertRequest upserts records into an index.
type InsertRequest struct {
	Index   string   `json:"index"`
	Records []Record `json:"records"`
}

// Validate checks required fields.
func (r *InsertRequest) Validate() error {
	if r.Index == "" {
		return invalid("index is required")
	}
	if len(r.Records) == 0 {
		return invalid("records must not be empty")
	}
	for i, rec := range r.Records {
		if rec.ID == "" {
			return invalid("records[%d].id is required", i)
		}
		if len(rec.Vector) == 0 {
			return invalid("records[%d].vector is required", i)
		}
	}
	return nil
}

// InsertResult reports how many records the dependency accepted.
type InsertResult struct {
	Upserted int  `json:"upserted"`
	Meta     Meta `json:"-"`
}

// RouteRequest asks the LLM router for a completion.
type RouteRequest struct {
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature"`
}

// Validate checks required fields.
func (r *RouteRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return invalid("prompt is required")
	}
	if r.MaxTokens < 0 {
		return invalid("max_tokens must not be negative")
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return invalid("temperature must be between 0 and 2")
	}
	return nil
}

// Deterministic reports whether identical requests may share one answer.
func (r RouteRequest) Deterministic() bool { return r.Temperature == 0 }

// RouteResult is the router's answer.
type RouteResult struct {
	Model    string `json:"model"`
	Provider string `json:"provider"`
	Text     string `json:"text"`
	Meta     Meta   `json:"-"`
}

// RESTRequest is passed through to the generic REST dependency.
type RESTRequest struct {
	Method string      `json:"method"`
	Path   string      `json:"path"`
	Query  url.Values  `json:"query,omitempty"`
	Header http.Header `json:"-"`
	Body   []byte      `json:"body,omitempty"`
}

// Validate checks the method and path.
func (r *RESTRequest) Validate() error {
	switch r.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return invalid("method %q not allowed", r.Method)
	}
	if !strings.HasPrefix(r.Path, "/") {
		r.Path = "/" + r.Path
	}
	if strings.Contains(r.Path, "..") {
		return invalid("path must not contain ..")
	}
	return nil
}

// RESTNegotiationHeaders are the caller headers forwarded to a REST
// dependency. They select the representation, so they are part of the
// cache key. Conditional headers are not forwarded: cached responses would
// otherwise be shared between conditional and plain callers.
var RESTNegotiationHeaders = []string{"Accept", "Accept-Language"}

// negotiation returns the forwarded negotiation headers, or nil.
func (r RESTRequest) negotiation() map[string]string {
	var out map[string]string
	for _, name := range RESTNegotiationHeaders {
		if v := r.Header.Get(name); v != "" {
			if out == nil {
				out = make(map[string]string, len(RESTNegotiationHeaders))
			}
			out[name] = v
		}
	}
	return out
}

// Idempotent reports whether the request may be deduplicated and cached.
func (r RESTRequest) Idempotent() bool { return r.Method == http.MethodGet }

// RESTResult is the upstream response.
type RESTResult struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
	Meta        Meta   `json:"-"`
}

// Paths locates each operation on its dependency.
type Paths struct {
	Query  string
	Upsert string
	Embed  string
	Route  string
}

// DefaultPaths returns /query, /upsert, /embed and /route.
func DefaultPaths() Paths {
	return Paths{Query: "/query", Upsert: "/upsert", Embed: "/embed", Route: "/route"}
}

// With returns p with entries of overrides (keyed query, upsert, embed,
// route) applied.
func (p Paths) With(overrides map[string]string) Paths {
	for k, v := range overrides {
		if v == "" {
			continue
		}
		switch k {
		case "query":
			p.Query = v
		case "upsert":
			p.Upsert = v
		case "embed":
			p.Embed = v
		case "route":
			p.Route = v
		}
	}
	return p
}

func postJSON(ctx context.Context, b orchestrator.Backend, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request for %s: %w", path, err)
	}
	resp, err := b.Do(ctx, transport.Request{Method: http.MethodPost, Path: path, Body: payload})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func decode[T any](raw []byte, what string) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decoding %s response: %w", what, err)
	}
	return v, nil
}

func queryCall(path string, req QueryRequest) func(context.Context, orchestrator.Backend) ([]byte, error) {
	return func(ctx context.Context, b orchestrator.Backend) ([]byte, error) {
		return postJSON(ctx, b, path, req)
	}
}

func insertCall(path string, req InsertRequest) func(context.Context, orchestrator.Backend) ([]byte, error) {
	return func(ctx context.Context, b orchestrator.Backend) ([]byte, error) {
		return postJSON(ctx, b, path, req)
	}
}

func routeCall(path string, req RouteRequest) func(context.Context, orchestrator.Backend) ([]byte, error) {
	return func(ctx context.Context, b orchestrator.Backend) ([]byte, error) {
		return postJSON(ctx, b, path, req)
	}
}

// restEnvelope carries status and content type through the cache, which
// only stores bytes.
type restEnvelope struct {
	Status      int    `json:"s"`
	ContentType string `json:"ct,omitempty"`
	Body        []byte `json:"b"`
}

func restCall(req RESTRequest) func(context.Context, orchestrator.Backend) ([]byte, error) {
	return func(ctx context.Context, b orchestrator.Backend) ([]byte, error) {
		resp, err := b.Do(ctx, transport.Request{
			Method: req.Method,
			Path:   req.Path,
			Query:  req.Query,
			Header: req.Header,
			Body:   req.Body,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(restEnvelope{Status: resp.StatusCode, ContentType: resp.Header.Get("Content-Type"), Body: resp.Body})
	}
}

func restResult(raw []byte) (RESTResult, error) {
	env, err := decode[restEnvelope](raw, "rest")
	if err != nil {
		return RESTResult{}, err
	}
	return RESTResult{StatusCode: env.Status, ContentType: env.ContentType, Body: env.Body}, nil
}

type embedBatchRequest struct {
	Model  string   `json:"model"`
	Inputs []string `json:"inputs"`
}

type embedBatchResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func embedMany(ctx context.Context, b orchestrator.Backend, path, model string, inputs []string) ([][]float32, error) {
	raw, err := postJSON(ctx, b, path, embedBatchRequest{Model: model, Inputs: inputs})
	if err != nil {
		return nil, err
	}
	resp, err := decode[embedBatchResponse](raw, "embed")
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("embed returned %d vectors for %d inputs", len(resp.Embeddings), len(inputs))
	}
	return resp.Embeddings, nil
}

// EmbedBatchFunc sends one batch of inputs, grouped by model, to the
// embedding dependency. Items and outputs are JSON strings and JSON vectors.
func EmbedBatchFunc(path string) orchestrator.BatchFunc {
	return func(ctx context.Context, b orchestrator.Backend, model string, items [][]byte) ([][]byte, error) {
		inputs := make([]string, len(items))
		for i, it := range items {
			inputs[i] = string(it)
		}
		vecs, err := embedMany(ctx, b, path, model, inputs)
		if err != nil {
			return nil, err
		}
		out := make([][]byte, len(vecs))
		for i, v := range vecs {
			if out[i], err = json.Marshal(v); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
}
