package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/droidqueue/internal/api/response"
	"github.com/kiranshivaraju/droidqueue/internal/cache"
)

// Pinger checks a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler checks database and cache connectivity. Only the
// database decides the status code; c may be nil when Redis is disabled.
func NewHealthHandler(db Pinger, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		switch {
		case c == nil:
			checks["cache"] = "disabled"
		case c.Ping(r.Context()) != nil:
			checks["cache"] = "degraded"
		}

		if checks["database"] != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
