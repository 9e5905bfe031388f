package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/dskow/upstream-guard/internal/apierror"
)

// Recovery turns a handler panic into a GUARD_INTERNAL_ERROR response. When the
// handler had already started the response, the connection is aborted instead
// so the client never sees a truncated body as a success.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &startedWriter{ResponseWriter: w}
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				logger.Error("handler panic",
					"panic", v,
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
					"response_started", sw.started,
					"request_id", GetRequestID(r.Context()),
				)
				if sw.started {
					panic(http.ErrAbortHandler)
				}
				apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, "an unexpected error occurred")
			}()
			next.ServeHTTP(sw, r)
		})
	}
}

type startedWriter struct {
	http.ResponseWriter
	started bool
}

func (sw *startedWriter) WriteHeader(code int) {
	sw.started = true
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *startedWriter) Write(b []byte) (int, error) {
	sw.started = true
	return sw.ResponseWriter.Write(b)
}

func (sw *startedWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }
