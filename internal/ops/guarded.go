package ops

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dskow/upstream-guard/internal/cache"
	"github.com/dskow/upstream-guard/internal/orchestrator"
)

// Targets names the registered dependency serving each kind. An empty name
// makes the matching operation fail with orchestrator.ErrUnknownDependency.
type Targets struct {
	Vectors    string
	Embeddings string
	Router     string
	REST       string
}

// Guarded sends every operation through the orchestrator with a canonical
// key, so identical reads are deduplicated and cached.
type Guarded struct {
	orch    *orchestrator.Orchestrator
	targets Targets
	paths   Paths
	logger  *slog.Logger
}

// NewGuarded returns a Guarded over orch.
func NewGuarded(orch *orchestrator.Orchestrator, targets Targets, paths Paths, logger *slog.Logger) *Guarded {
	return &Guarded{orch: orch, targets: targets, paths: paths, logger: logger}
}

func (g *Guarded) Query(ctx context.Context, req QueryRequest) (QueryResult, error) {
	if err := req.Validate(); err != nil {
		return QueryResult{}, err
	}
	key, err := cache.Key("query", req)
	if err != nil {
		return QueryResult{}, err
	}
	res, err := g.orch.Invoke(ctx, g.targets.Vectors, orchestrator.Operation{
		Name: "query",
		Key:  key,
		Call: queryCall(g.paths.Query, req),
	})
	if err != nil {
		return QueryResult{}, err
	}
	out, err := decode[QueryResult](res.Value, "query")
	out.Meta = metaOf(res)
	return out, err
}

func (g *Guarded) Embed(ctx context.Context, req EmbedRequest) (Embedding, error) {
	if err := req.Validate(); err != nil {
		return Embedding{}, err
	}
	key, err := cache.Key("embed", req)
	if err != nil {
		return Embedding{}, err
	}
	res, err := g.orch.InvokeBatched(ctx, g.targets.Embeddings, orchestrator.BatchedOperation{
		Name:  "embed",
		Key:   key,
		Group: req.Model,
		Item:  []byte(req.Input),
	})
	if err != nil {
		return Embedding{}, err
	}
	vec, err := decode[[]float32](res.Value, "embed")
	return Embedding{Model: req.Model, Vector: vec, Meta: metaOf(res)}, err
}

// BatchInsert is never deduplicated or cached. A successful write drops the
// vector dependency's cached query results.
func (g *Guarded) BatchInsert(ctx context.Context, req InsertRequest) (InsertResult, error) {
	if err := req.Validate(); err != nil {
		return InsertResult{}, err
	}
	res, err := g.orch.Invoke(ctx, g.targets.Vectors, orchestrator.Operation{
		Name: "batch_insert",
		Call: insertCall(g.paths.Upsert, req),
	})
	if err != nil {
		return InsertResult{}, err
	}
	if n, err := g.orch.Invalidate(g.targets.Vectors, ""); err == nil && n > 0 {
		g.logger.Debug("query cache invalidated after insert", "dependency", g.targets.Vectors, "index", req.Index, "removed", n)
	}
	out, err := decode[InsertResult](res.Value, "upsert")
	out.Meta = metaOf(res)
	return out, err
}

// Route caches only deterministic requests; sampled completions always
// reach the router.
func (g *Guarded) Route(ctx context.Context, req RouteRequest) (RouteResult, error) {
	if err := req.Validate(); err != nil {
		return RouteResult{}, err
	}
	op := orchestrator.Operation{Name: "route", Call: routeCall(g.paths.Route, req)}
	if req.Deterministic() {
		key, err := cache.Key("route", req)
		if err != nil {
			return RouteResult{}, err
		}
		op.Key = key
	}
	res, err := g.orch.Invoke(ctx, g.targets.Router, op)
	if err != nil {
		return RouteResult{}, err
	}
	out, err := decode[RouteResult](res.Value, "route")
	out.Meta = metaOf(res)
	return out, err
}

// REST deduplicates and caches GET requests by method, path, query and
// negotiation headers.
func (g *Guarded) REST(ctx context.Context, req RESTRequest) (RESTResult, error) {
	if err := req.Validate(); err != nil {
		return RESTResult{}, err
	}
	op := orchestrator.Operation{Name: "rest_" + strings.ToLower(req.Method), Call: restCall(req)}
	if req.Idempotent() {
		key, err := cache.Key("rest", struct {
			Method string              `json:"method"`
			Path   string              `json:"path"`
			Query  map[string][]string `json:"query,omitempty"`
			Vary   map[string]string   `json:"vary,omitempty"`
		}{req.Method, req.Path, req.Query, req.negotiation()})
		if err != nil {
			return RESTResult{}, fmt.Errorf("deriving rest key: %w", err)
		}
		op.Key = key
	}
	res, err := g.orch.Invoke(ctx, g.targets.REST, op)
	if err != nil {
		return RESTResult{}, err
	}
	out, err := restResult(res.Value)
	out.Meta = metaOf(res)
	return out, err
}

var (
	_ Operations = (*Plain)(nil)
	_ Operations = (*Guarded)(nil)
)
