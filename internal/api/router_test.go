package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/droidqueue/internal/api"
	mw "github.com/kiranshivaraju/droidqueue/internal/api/middleware"
	"github.com/kiranshivaraju/droidqueue/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testToken = "router-test-token"

// --- stub cache: every client is always over a limit of 0 after one call ---

type stubCache struct{ count int64 }

func (c *stubCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (c *stubCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (c *stubCache) Delete(_ context.Context, _ string) error                         { return nil }
func (c *stubCache) Ping(_ context.Context) error                                     { return nil }
func (c *stubCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	c.count++
	return c.count, nil
}

var _ cache.Cache = (*stubCache)(nil)

func ok(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"data":null}`))
}

func newTestRouter(t *testing.T, limit int) http.Handler {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testToken), bcrypt.MinCost)
	require.NoError(t, err)

	return api.NewRouter(api.Dependencies{
		Auth:            mw.NewAuth(string(hash)),
		RateLimit:       mw.NewRateLimit(&stubCache{}, limit),
		HealthHandler:   ok,
		EnqueueWarmup:   ok,
		EnqueuePipeline: ok,
		ListJobs:        ok,
		ClaimJob:        ok,
		GetJob:          ok,
		CompleteJob:     ok,
		CancelJob:       ok,
		RetryJob:        ok,
		ReconcileJobs:   ok,
		ListRuns:        ok,
		ListDevices:     ok,
		ConfigCycles:    ok,
		// ConfigSchedules left unset.
	})
}

func do(router http.Handler, method, path string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRouter_HealthEndpoint_Public(t *testing.T) {
	w := do(newTestRouter(t, 10), "GET", "/health", false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRouter_ProtectedEndpoints_RequireAuth(t *testing.T) {
	router := newTestRouter(t, 10)

	endpoints := []struct {
		method string
		path   string
	}{
		{"POST", "/enqueue/warmup"},
		{"POST", "/enqueue/pipeline"},
		{"GET", "/jobs"},
		{"GET", "/jobs/next?device=a"},
		{"GET", "/jobs/1"},
		{"POST", "/jobs/1/complete"},
		{"POST", "/jobs/1/cancel"},
		{"POST", "/jobs/1/retry"},
		{"POST", "/jobs/reconcile?device=a"},
		{"GET", "/runs"},
		{"GET", "/devices"},
		{"GET", "/config/cycles"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			w := do(router, ep.method, ep.path, false)
			assert.Equal(t, http.StatusUnauthorized, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			errObj := body["error"].(map[string]any)
			assert.Equal(t, "INVALID_TOKEN", errObj["code"])

			assert.Equal(t, http.StatusOK, do(router, ep.method, ep.path, true).Code)
		})
	}
}

func TestRouter_RateLimitsMutationsOnly(t *testing.T) {
	router := newTestRouter(t, 1)

	assert.Equal(t, http.StatusOK, do(router, "POST", "/enqueue/warmup", true).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(router, "POST", "/enqueue/pipeline", true).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(router, "POST", "/jobs/3/cancel", true).Code)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, do(router, "GET", "/jobs/next?device=a", true).Code)
		assert.Equal(t, http.StatusOK, do(router, "POST", "/jobs/3/complete?ok=true", true).Code)
	}
}

func TestRouter_UnsetHandlerIsNotImplemented(t *testing.T) {
	w := do(newTestRouter(t, 10), "GET", "/config/schedules", true)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRouter_NotFound(t *testing.T) {
	w := do(newTestRouter(t, 10), "GET", "/nonexistent", true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	w := do(newTestRouter(t, 10), "DELETE", "/jobs/1", true)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
