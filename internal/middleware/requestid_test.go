package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

// echoRequestID reports the context ID, the forwarded request header and the
// response header for one request.
func echoRequestID(supplied string) (ctxID, forwarded, echoed string) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = GetRequestID(r.Context())
		forwarded = r.Header.Get(HeaderRequestID)
	}))
	req := httptest.NewRequest(http.MethodPost, "/v1/embed", nil)
	if supplied != "" {
		req.Header.Set(HeaderRequestID, supplied)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return ctxID, forwarded, rec.Header().Get(HeaderRequestID)
}

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		supplied string
		keep     bool
	}{
		{"absent", "", false},
		{"caller trace id", "trace-7f3a.batch-2", true},
		{"max length", strings.Repeat("r", maxRequestIDLen), true},
		{"too long", strings.Repeat("r", maxRequestIDLen+1), false},
		{"embedded space", "abc def", false},
		{"log injection", "ok\n{\"level\":\"ERROR\"}", false},
		{"non ascii", "réq-1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctxID, forwarded, echoed := echoRequestID(tt.supplied)

			if ctxID != forwarded || ctxID != echoed {
				t.Fatalf("ids disagree: ctx %q forwarded %q echoed %q", ctxID, forwarded, echoed)
			}
			if tt.keep {
				if ctxID != tt.supplied {
					t.Errorf("supplied id replaced by %q", ctxID)
				}
				return
			}
			u, err := uuid.Parse(ctxID)
			if err != nil || u.Version() != 4 {
				t.Errorf("expected a generated v4 UUID, got %q", ctxID)
			}
		})
	}
}

func TestRequestID_FreshPerRequest(t *testing.T) {
	seen := make(map[string]struct{}, 64)
	for range 64 {
		id, _, _ := echoRequestID("")
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}

func TestGetRequestID_Missing(t *testing.T) {
	if id := GetRequestID(httptest.NewRequest(http.MethodGet, "/health", nil).Context()); id != "" {
		t.Errorf("expected empty id, got %q", id)
	}
}
