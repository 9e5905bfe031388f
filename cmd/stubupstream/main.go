// Package main provides a stand-in upstream for exercising the guard
// locally. One process answers the vector search, embedding, LLM router and
// REST contracts with deterministic results.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dskow/upstream-guard/internal/ops"
)

const dims = 8

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "stub", "service name")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", *name)
	s := &stub{name: *name, index: make(map[string]map[string]ops.Record)}

	mux := http.NewServeMux()
	s.routes(mux)

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("stub upstream listening", "addr", addr)
	if err := http.ListenAndServe(addr, delayed(mux)); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

type stub struct {
	name string

	mu    sync.RWMutex
	index map[string]map[string]ops.Record
}

func (s *stub) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": s.name})
	})

	// /__status/{code} returns an arbitrary HTTP status code.
	// Example: GET /__status/503 → 503 Service Unavailable
	mux.HandleFunc("/__status/{code}", func(w http.ResponseWriter, r *http.Request) {
		code, err := strconv.Atoi(r.PathValue("code"))
		if err != nil || code < 100 || code > 599 {
			code = 500
		}
		writeJSON(w, code, map[string]any{
			"service":        s.name,
			"requested_code": code,
			"message":        http.StatusText(code),
		})
	})

	mux.HandleFunc("POST /query", s.query)
	mux.HandleFunc("POST /upsert", s.upsert)
	mux.HandleFunc("POST /embed", s.embed)
	mux.HandleFunc("POST /route", s.route)
	mux.HandleFunc("/items/{id}", s.item)
}

func (s *stub) query(w http.ResponseWriter, r *http.Request) {
	var req ops.QueryRequest
	if !readJSON(w, r, &req) {
		return
	}
	q := req.Vector
	if len(q) == 0 {
		q = embedText(req.Text)
	}

	s.mu.RLock()
	matches := make([]ops.Match, 0, len(s.index[req.Index]))
	for _, rec := range s.index[req.Index] {
		matches = append(matches, ops.Match{ID: rec.ID, Score: cosine(q, rec.Vector), Metadata: rec.Metadata})
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if req.TopK > 0 && len(matches) > req.TopK {
		matches = matches[:req.TopK]
	}
	writeJSON(w, http.StatusOK, ops.QueryResult{Matches: matches})
}

func (s *stub) upsert(w http.ResponseWriter, r *http.Request) {
	var req ops.InsertRequest
	if !readJSON(w, r, &req) {
		return
	}
	s.mu.Lock()
	idx, ok := s.index[req.Index]
	if !ok {
		idx = make(map[string]ops.Record)
		s.index[req.Index] = idx
	}
	for _, rec := range req.Records {
		idx[rec.ID] = rec
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, ops.InsertResult{Upserted: len(req.Records)})
}

func (s *stub) embed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model  string   `json:"model"`
		Inputs []string `json:"inputs"`
	}
	if !readJSON(w, r, &req) {
		return
	}
	out := make([][]float32, len(req.Inputs))
	for i, in := range req.Inputs {
		out[i] = embedText(req.Model + "\x00" + in)
	}
	writeJSON(w, http.StatusOK, map[string]any{"embeddings": out})
}

func (s *stub) route(w http.ResponseWriter, r *http.Request) {
	var req ops.RouteRequest
	if !readJSON(w, r, &req) {
		return
	}
	model := req.Model
	if model == "" {
		model = "stub-small"
	}
	text := fmt.Sprintf("[%s] %s", model, req.Prompt)
	if req.Temperature > 0 {
		text += " @" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	writeJSON(w, http.StatusOK, ops.RouteResult{Model: model, Provider: s.name, Text: text})
}

func (s *stub) item(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"service":   s.name,
		"id":        r.PathValue("id"),
		"method":    r.Method,
		"query":     r.URL.RawQuery,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if r.Method == http.MethodPost || r.Method == http.MethodPut {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

// delayed sleeps for ?delay_ms before serving, for slow-call testing.
func delayed(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ms, err := strconv.Atoi(r.URL.Query().Get("delay_ms")); err == nil && ms > 0 {
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-r.Context().Done():
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// embedText derives a unit vector from FNV hashes of s.
func embedText(s string) []float32 {
	v := make([]float32, dims)
	var norm float64
	for i := range v {
		h := fnv.New32a()
		h.Write([]byte{byte(i)})
		h.Write([]byte(s))
		x := float64(h.Sum32())/math.MaxUint32*2 - 1
		v[i] = float32(x)
		norm += x * x
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range v {
			v[i] /= n
		}
	}
	return v
}

func cosine(a, b []float32) float64 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
