package ops

import (
	"context"
	"errors"

	"github.com/dskow/upstream-guard/internal/orchestrator"
)

// Backends holds one handle per dependency kind. A nil entry makes the
// matching operation fail.
type Backends struct {
	Vectors    orchestrator.Backend
	Embeddings orchestrator.Backend
	Router     orchestrator.Backend
	REST       orchestrator.Backend
}

// Plain calls its backends directly with no resilience around them.
type Plain struct {
	backends Backends
	paths    Paths
}

// NewPlain returns a Plain over b.
func NewPlain(b Backends, paths Paths) *Plain {
	return &Plain{backends: b, paths: paths}
}

var errNoBackend = errors.New("no backend configured for this operation")

func need(b orchestrator.Backend) error {
	if b == nil {
		return errNoBackend
	}
	return nil
}

func (p *Plain) Query(ctx context.Context, req QueryRequest) (QueryResult, error) {
	if err := req.Validate(); err != nil {
		return QueryResult{}, err
	}
	if err := need(p.backends.Vectors); err != nil {
		return QueryResult{}, err
	}
	raw, err := queryCall(p.paths.Query, req)(ctx, p.backends.Vectors)
	if err != nil {
		return QueryResult{}, err
	}
	return decode[QueryResult](raw, "query")
}

func (p *Plain) Embed(ctx context.Context, req EmbedRequest) (Embedding, error) {
	if err := req.Validate(); err != nil {
		return Embedding{}, err
	}
	if err := need(p.backends.Embeddings); err != nil {
		return Embedding{}, err
	}
	vecs, err := embedMany(ctx, p.backends.Embeddings, p.paths.Embed, req.Model, []string{req.Input})
	if err != nil {
		return Embedding{}, err
	}
	return Embedding{Model: req.Model, Vector: vecs[0]}, nil
}

func (p *Plain) BatchInsert(ctx context.Context, req InsertRequest) (InsertResult, error) {
	if err := req.Validate(); err != nil {
		return InsertResult{}, err
	}
	if err := need(p.backends.Vectors); err != nil {
		return InsertResult{}, err
	}
	raw, err := insertCall(p.paths.Upsert, req)(ctx, p.backends.Vectors)
	if err != nil {
		return InsertResult{}, err
	}
	return decode[InsertResult](raw, "upsert")
}

func (p *Plain) Route(ctx context.Context, req RouteRequest) (RouteResult, error) {
	if err := req.Validate(); err != nil {
		return RouteResult{}, err
	}
	if err := need(p.backends.Router); err != nil {
		return RouteResult{}, err
	}
	raw, err := routeCall(p.paths.Route, req)(ctx, p.backends.Router)
	if err != nil {
		return RouteResult{}, err
	}
	return decode[RouteResult](raw, "route")
}

func (p *Plain) REST(ctx context.Context, req RESTRequest) (RESTResult, error) {
	if err := req.Validate(); err != nil {
		return RESTResult{}, err
	}
	if err := need(p.backends.REST); err != nil {
		return RESTResult{}, err
	}
	raw, err := restCall(req)(ctx, p.backends.REST)
	if err != nil {
		return RESTResult{}, err
	}
	return restResult(raw)
}
