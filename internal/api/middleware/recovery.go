package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"

	"github.com/kiranshivaraju/droidqueue/internal/api/response"
)

// Recovery turns a handler panic into a 500 envelope. The log line names
// the matched route and, where present, the job id and device of the call.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				attrs := []any{
					"error", err,
					"stack", string(debug.Stack()),
					"request_id", GetRequestID(r),
					"method", r.Method,
					"path", r.URL.Path,
				}
				slog.Error("panic recovered", append(attrs, jobAttrs(r)...)...)
				response.Error(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "An unexpected error occurred", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// jobAttrs reads the routing state chi left on the request.
func jobAttrs(r *http.Request) []any {
	var attrs []any
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			attrs = append(attrs, "route", p)
		}
		if id := rctx.URLParam("id"); id != "" {
			attrs = append(attrs, "job_id", id)
		}
	}
	if d := r.URL.Query().Get("device"); d != "" {
		attrs = append(attrs, "device", d)
	}
	return attrs
}
