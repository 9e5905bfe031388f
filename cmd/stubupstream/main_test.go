package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dskow/upstream-guard/internal/ops"
	"github.com/dskow/upstream-guard/internal/transport"
)

func newStub(t *testing.T) *ops.Plain {
	t.Helper()
	s := &stub{name: "stub", index: make(map[string]map[string]ops.Record)}
	mux := http.NewServeMux()
	s.routes(mux)
	srv := httptest.NewServer(delayed(mux))
	t.Cleanup(srv.Close)

	c, err := transport.New(transport.Options{Name: "stub", BaseURL: srv.URL})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return ops.NewPlain(ops.Backends{Vectors: c, Embeddings: c, Router: c, REST: c}, ops.DefaultPaths())
}

func TestStub_InsertThenQuery(t *testing.T) {
	p := newStub(t)
	ctx := context.Background()

	near := embedText("m\x00alpha")
	res, err := p.BatchInsert(ctx, ops.InsertRequest{Index: "docs", Records: []ops.Record{
		{ID: "a", Vector: near},
		{ID: "b", Vector: embedText("m\x00something else")},
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Upserted)

	q, err := p.Query(ctx, ops.QueryRequest{Index: "docs", Vector: near, TopK: 1})
	require.NoError(t, err)
	require.Len(t, q.Matches, 1)
	assert.Equal(t, "a", q.Matches[0].ID)
	assert.InDelta(t, 1.0, q.Matches[0].Score, 1e-6)
}

func TestStub_EmbedIsDeterministic(t *testing.T) {
	p := newStub(t)
	ctx := context.Background()

	a, err := p.Embed(ctx, ops.EmbedRequest{Model: "m", Input: "alpha"})
	require.NoError(t, err)
	b, err := p.Embed(ctx, ops.EmbedRequest{Model: "m", Input: "alpha"})
	require.NoError(t, err)
	assert.Equal(t, a.Vector, b.Vector)
	assert.Len(t, a.Vector, dims)

	other, err := p.Embed(ctx, ops.EmbedRequest{Model: "other", Input: "alpha"})
	require.NoError(t, err)
	assert.NotEqual(t, a.Vector, other.Vector)
}

func TestStub_RouteAndREST(t *testing.T) {
	p := newStub(t)
	ctx := context.Background()

	r, err := p.Route(ctx, ops.RouteRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "[stub-small] hi", r.Text)
	assert.Equal(t, "stub", r.Provider)

	rest, err := p.REST(ctx, ops.RESTRequest{Method: http.MethodPut, Path: "/items/7"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, rest.StatusCode)
	assert.Contains(t, string(rest.Body), `"id":"7"`)
}

func TestStub_StatusEndpointFails(t *testing.T) {
	p := newStub(t)
	_, err := p.REST(context.Background(), ops.RESTRequest{Method: http.MethodGet, Path: "/__status/503"})
	require.Error(t, err)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, cosine([]float32{0, 0}, []float32{1, 1}))
}
