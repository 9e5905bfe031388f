package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/upstream-guard/internal/circuitbreaker"
	"github.com/dskow/upstream-guard/internal/config"
	"github.com/dskow/upstream-guard/internal/executor"
	"github.com/dskow/upstream-guard/internal/fault"
	"github.com/dskow/upstream-guard/internal/metrics"
	"github.com/dskow/upstream-guard/internal/orchestrator"
	"github.com/dskow/upstream-guard/internal/scheduler"
	"github.com/dskow/upstream-guard/internal/transport"
)

const testSecret = "admin-test-secret"

// mockConfigProvider implements ConfigProvider for testing.
type mockConfigProvider struct {
	cfg *config.Config
}

func (m *mockConfigProvider) Current() *config.Config { return m.cfg }

type stubBackend struct{}

func (stubBackend) Do(context.Context, transport.Request) (transport.Response, error) {
	return transport.Response{StatusCode: 200, Body: []byte("ok")}, nil
}

func (stubBackend) Ping(context.Context) error { return nil }

type fixture struct {
	mux   *http.ServeMux
	orch  *orchestrator.Orchestrator
	sched *scheduler.Scheduler
}

func testHandler(t *testing.T, allowlist []string, authEnabled bool) *fixture {
	t.Helper()
	logger := slog.Default()

	authCfg := config.AuthConfig{
		Enabled:   authEnabled,
		JWTSecret: testSecret,
		Issuer:    "test",
		Audience:  "test",
		Scopes:    []string{"admin:write"},
	}
	cfg := &config.Config{
		Auth: authCfg,
		Dependencies: []config.DependencyConfig{
			{Name: "vectors", Kind: config.KindVectorSearch, BaseURL: "http://localhost:3001", Headers: map[string]string{"X-Api-Key": "k-123"}},
		},
	}

	orch := orchestrator.New(orchestrator.Options{
		Store:  metrics.NewStore(metrics.StoreConfig{}, logger),
		Logger: logger,
	})
	t.Cleanup(orch.Close)
	err := orch.Register(context.Background(), orchestrator.DependencySpec{
		Name:     "vectors",
		Kind:     config.KindVectorSearch,
		PoolSize: 2,
		Factory:  func(context.Context, int) (orchestrator.Backend, error) { return stubBackend{}, nil },
		Breaker:  circuitbreaker.Config{Threshold: 1, Timeout: time.Minute},
		Retry:    executor.RetryPolicy{MaxAttempts: 1},
		Batch: func(_ context.Context, _ orchestrator.Backend, _ string, items [][]byte) ([][]byte, error) {
			return items, nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	sched := scheduler.New(logger)
	runs := 0
	if err := sched.Add(scheduler.Job{Name: "cache-sweep", Every: time.Hour, Run: func(context.Context) error {
		runs++
		return nil
	}}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	h := New(Options{
		Config:       &mockConfigProvider{cfg: cfg},
		Orchestrator: orch,
		Scheduler:    sched,
		Allowlist:    allowlist,
		Auth:         authCfg,
		Logger:       logger,
	})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &fixture{mux: mux, orch: orch, sched: sched}
}

func (f *fixture) do(method, path, body, token string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.RemoteAddr = "127.0.0.1:1234"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func signedToken(t *testing.T, scope string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "operator",
		"iss":   "test",
		"aud":   "test",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": scope,
	})
	s, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestDependenciesEndpoint(t *testing.T) {
	f := testHandler(t, []string{"127.0.0.0/8"}, false)

	rec := f.do("GET", "/admin/dependencies", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Dependencies []orchestrator.DependencyStatus `json:"dependencies"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Dependencies) != 1 || resp.Dependencies[0].Name != "vectors" {
		t.Fatalf("unexpected dependencies: %+v", resp.Dependencies)
	}
	if resp.Dependencies[0].Breaker.State != circuitbreaker.StateClosed {
		t.Errorf("state = %v, want CLOSED", resp.Dependencies[0].Breaker.State)
	}
	if resp.Dependencies[0].Pool.Size != 2 {
		t.Errorf("pool size = %d, want 2", resp.Dependencies[0].Pool.Size)
	}
}

func TestDependencyEndpoint_Unknown(t *testing.T) {
	f := testHandler(t, []string{"127.0.0.0/8"}, false)
	rec := f.do("GET", "/admin/dependencies/nope", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if body := decodeBody(t, rec); body["error_code"] != "GUARD_UNKNOWN_DEPENDENCY" {
		t.Errorf("error_code = %v", body["error_code"])
	}
}

func TestConfigEndpoint_RedactsSecrets(t *testing.T) {
	f := testHandler(t, []string{"127.0.0.0/8"}, false)

	rec := f.do("GET", "/admin/config", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, testSecret) {
		t.Error("jwt_secret leaked")
	}
	if strings.Contains(body, "k-123") {
		t.Error("dependency header value leaked")
	}
	if !strings.Contains(body, `"***"`) {
		t.Error("expected redacted markers")
	}
}

func TestIPAllowlist_Denied(t *testing.T) {
	f := testHandler(t, []string{"10.0.0.0/8"}, false)

	rec := f.do("GET", "/admin/dependencies", "", "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if body := decodeBody(t, rec); body["error_code"] != "GUARD_FORBIDDEN" {
		t.Errorf("error_code = %v", body["error_code"])
	}
}

func TestWrongMethodRejected(t *testing.T) {
	f := testHandler(t, []string{"127.0.0.0/8"}, false)
	rec := f.do("DELETE", "/admin/dependencies", "", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestResetBreaker(t *testing.T) {
	f := testHandler(t, []string{"127.0.0.0/8"}, false)

	_, _ = f.orch.Invoke(context.Background(), "vectors", orchestrator.Operation{
		Name: "query",
		Call: func(context.Context, orchestrator.Backend) ([]byte, error) {
			return nil, &fault.TransientError{Dependency: "vectors", Err: errors.New("down")}
		},
	})
	if st, _ := f.orch.DependencyStatus("vectors"); st.Breaker.State != circuitbreaker.StateOpen {
		t.Fatalf("precondition: breaker should be open, got %v", st.Breaker.State)
	}

	rec := f.do("POST", "/admin/breakers/vectors/reset", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if st, _ := f.orch.DependencyStatus("vectors"); st.Breaker.State != circuitbreaker.StateClosed {
		t.Errorf("breaker state = %v, want CLOSED", st.Breaker.State)
	}

	if rec := f.do("POST", "/admin/breakers/nope/reset", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown breaker status = %d, want 404", rec.Code)
	}
}

func TestCacheInvalidate(t *testing.T) {
	f := testHandler(t, []string{"127.0.0.0/8"}, false)
	c := f.orch.Cache()
	c.Set("vectors", "query:a1", []byte("x"))
	c.Set("vectors", "query:a2", []byte("y"))
	c.Set("vectors", "route:b", []byte("z"))

	rec := f.do("POST", "/admin/cache/invalidate", `{"namespace":"vectors","pattern":"query:*"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["removed"] != float64(2) {
		t.Errorf("removed = %v, want 2", body["removed"])
	}
	if _, ok := c.Get("vectors", "route:b"); !ok {
		t.Error("non-matching key should survive")
	}

	if rec := f.do("POST", "/admin/cache/invalidate", `{"pattern":"*"}`, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing namespace status = %d, want 400", rec.Code)
	}
	if rec := f.do("POST", "/admin/cache/invalidate", `not json`, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", rec.Code)
	}
}

func TestPoolRefresh(t *testing.T) {
	f := testHandler(t, []string{"127.0.0.0/8"}, false)

	if rec := f.do("POST", "/admin/pools/vectors/refresh/1", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if rec := f.do("POST", "/admin/pools/vectors/refresh/x", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad index status = %d, want 400", rec.Code)
	}
	if rec := f.do("POST", "/admin/pools/vectors/refresh/9", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("out of range status = %d, want 400", rec.Code)
	}
}

func TestBatchClearAndStats(t *testing.T) {
	f := testHandler(t, []string{"127.0.0.0/8"}, false)

	rec := f.do("POST", "/admin/batch/clear", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	cleared := decodeBody(t, rec)["cleared"].(map[string]any)
	if cleared["vectors"] != float64(0) {
		t.Errorf("cleared = %v, want vectors:0", cleared)
	}

	if rec := f.do("GET", "/admin/batch", "", ""); rec.Code != http.StatusOK {
		t.Errorf("batch stats status = %d", rec.Code)
	}
	if rec := f.do("GET", "/admin/dedup", "", ""); rec.Code != http.StatusOK {
		t.Errorf("dedup stats status = %d", rec.Code)
	}
	if rec := f.do("GET", "/admin/cache", "", ""); rec.Code != http.StatusOK {
		t.Errorf("cache stats status = %d", rec.Code)
	}
}

func TestJobs(t *testing.T) {
	f := testHandler(t, []string{"127.0.0.0/8"}, false)

	rec := f.do("POST", "/admin/jobs/cache-sweep/run", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := decodeBody(t, rec); body["ok"] != true {
		t.Errorf("ok = %v", body["ok"])
	}
	if rec := f.do("POST", "/admin/jobs/nope/run", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown job status = %d, want 404", rec.Code)
	}

	rec = f.do("GET", "/admin/jobs", "", "")
	var resp struct {
		Jobs []scheduler.JobStatus `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Jobs) != 1 || resp.Jobs[0].Runs != 1 {
		t.Errorf("unexpected jobs: %+v", resp.Jobs)
	}
}

func TestMetricsEndpoints(t *testing.T) {
	f := testHandler(t, []string{"127.0.0.0/8"}, false)
	_, err := f.orch.Invoke(context.Background(), "vectors", orchestrator.Operation{
		Name: "query",
		Call: func(context.Context, orchestrator.Backend) ([]byte, error) { return []byte("ok"), nil },
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := f.do("GET", "/admin/metrics", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "invoke.count") {
		t.Errorf("snapshot: %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do("GET", "/admin/metrics/aggregate?name=invoke.count&interval=1m&tag.dependency=vectors", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("aggregate status = %d: %s", rec.Code, rec.Body.String())
	}
	buckets := decodeBody(t, rec)["buckets"].([]any)
	if len(buckets) != 1 {
		t.Errorf("expected 1 bucket, got %d", len(buckets))
	}

	if rec := f.do("GET", "/admin/metrics/aggregate", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing name status = %d, want 400", rec.Code)
	}
	if rec := f.do("GET", "/admin/metrics/aggregate?name=x&interval=soon", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad interval status = %d, want 400", rec.Code)
	}

	rec = f.do("GET", "/admin/metrics/export", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("export content type = %q", rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "invoke_count") {
		t.Errorf("export missing sanitized series: %s", rec.Body.String())
	}
}

func TestMutationsRequireToken(t *testing.T) {
	f := testHandler(t, []string{"127.0.0.0/8"}, true)

	if rec := f.do("GET", "/admin/dependencies", "", ""); rec.Code != http.StatusOK {
		t.Errorf("reads should not need a token, got %d", rec.Code)
	}
	if rec := f.do("POST", "/admin/batch/clear", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token status = %d, want 401", rec.Code)
	}
	if rec := f.do("POST", "/admin/batch/clear", "", signedToken(t, "admin:read")); rec.Code != http.StatusForbidden {
		t.Errorf("insufficient scope status = %d, want 403", rec.Code)
	}
	if rec := f.do("POST", "/admin/batch/clear", "", signedToken(t, "admin:write")); rec.Code != http.StatusOK {
		t.Errorf("valid token status = %d, want 200", rec.Code)
	}
}

func TestMutationsCheckAllowlistBeforeToken(t *testing.T) {
	f := testHandler(t, []string{"10.0.0.0/8"}, true)
	if rec := f.do("POST", "/admin/batch/clear", "", ""); rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 from allowlist", rec.Code)
	}
}

type reloadingProvider struct {
	mockConfigProvider
	err   error
	calls int
}

func (p *reloadingProvider) Reload() ([]config.Change, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return []config.Change{{Field: "dependencies.vectors.retry"}}, nil
}

func TestConfigReload(t *testing.T) {
	f := testHandler(t, []string{"127.0.0.0/8"}, false)
	if rec := f.do("POST", "/admin/config/reload", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("static provider should not expose reload, got %d", rec.Code)
	}

	p := &reloadingProvider{mockConfigProvider: mockConfigProvider{cfg: &config.Config{}}}
	h := New(Options{Config: p, Orchestrator: f.orch, Allowlist: []string{"127.0.0.0/8"}, Logger: slog.Default()})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	rf := &fixture{mux: mux}

	rec := rf.do("POST", "/admin/config/reload", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Changes []config.Change `json:"changes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Changes) != 1 || resp.Changes[0].Field != "dependencies.vectors.retry" {
		t.Errorf("unexpected changes: %+v", resp.Changes)
	}

	p.err = errors.New("validating config: bad port")
	if rec := rf.do("POST", "/admin/config/reload", "", ""); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("failed reload status = %d, want 422", rec.Code)
	}
	if p.calls != 2 {
		t.Errorf("reload calls = %d, want 2", p.calls)
	}
}
