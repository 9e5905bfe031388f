package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDeadline(t *testing.T) {
	fast := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
			w.WriteHeader(http.StatusOK)
		case <-r.Context().Done():
		}
	})

	tests := []struct {
		name    string
		timeout time.Duration
		handler http.Handler
		want    int
	}{
		{"fast handler", time.Second, fast, http.StatusAccepted},
		{"slow handler", 30 * time.Millisecond, slow, http.StatusGatewayTimeout},
		{"disabled", 0, fast, http.StatusAccepted},
		{"negative disables", -time.Second, fast, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			Deadline(tt.timeout)(tt.handler).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/route", nil))

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusGatewayTimeout && !strings.Contains(rec.Body.String(), "GUARD_DEADLINE_EXCEEDED") {
				t.Errorf("missing deadline code in %s", rec.Body.String())
			}
		})
	}
}

func TestDeadline_PropagatesToHandlerContext(t *testing.T) {
	var remaining time.Duration
	h := Deadline(time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if dl, ok := r.Context().Deadline(); ok {
			remaining = time.Until(dl)
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/search", nil))

	if remaining <= 0 || remaining > time.Minute {
		t.Errorf("handler saw remaining budget %v", remaining)
	}
}

func TestDeadline_LateWriteIsDropped(t *testing.T) {
	wrote := make(chan error, 1)
	h := Deadline(20 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		time.Sleep(30 * time.Millisecond)
		_, err := w.Write([]byte(`{"vectors":[]}`))
		wrote <- err
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/embed", nil))

	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rec.Code)
	}
	if err := <-wrote; err != http.ErrHandlerTimeout {
		t.Errorf("late write returned %v, want ErrHandlerTimeout", err)
	}
	if strings.Contains(rec.Body.String(), "vectors") {
		t.Error("late handler output leaked into the response")
	}
}

func TestDeadline_HandlerWinsRace(t *testing.T) {
	h := Deadline(40 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		<-r.Context().Done()
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/v1/rest/items/1", nil))

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want the handler's 201", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "GUARD_DEADLINE_EXCEEDED") {
		t.Error("deadline body written after the handler claimed the response")
	}
}
