package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dskow/upstream-guard/internal/apierror"
)

// Deadline bounds the whole handler chain. If the deadline fires before the
// handler has written anything, a 504 is returned. Pass 0 to disable.
func Deadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			done := make(chan struct{})
			tw := &deadlineWriter{ResponseWriter: w}

			go func() {
				defer close(done)
				next.ServeHTTP(tw, r.WithContext(ctx))
			}()

			select {
			case <-done:
			case <-ctx.Done():
				if tw.claim(true) {
					apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.DeadlineExceeded, "global request deadline exceeded")
				}
				<-done
			}
		})
	}
}

// deadlineWriter lets exactly one of the handler and the deadline write the
// response.
type deadlineWriter struct {
	http.ResponseWriter
	mu       sync.Mutex
	claimed  bool
	timedOut bool
}

// claim reports whether the caller owns the response. The deadline path
// passes timeout=true and, once it wins, later handler writes are dropped.
func (dw *deadlineWriter) claim(timeout bool) bool {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.timedOut {
		return false
	}
	if timeout {
		if dw.claimed {
			return false
		}
		dw.timedOut = true
		return true
	}
	dw.claimed = true
	return true
}

func (dw *deadlineWriter) WriteHeader(code int) {
	if dw.claim(false) {
		dw.ResponseWriter.WriteHeader(code)
	}
}

func (dw *deadlineWriter) Write(b []byte) (int, error) {
	if !dw.claim(false) {
		return 0, http.ErrHandlerTimeout
	}
	return dw.ResponseWriter.Write(b)
}
