package middleware_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	mw "github.com/kiranshivaraju/droidqueue/internal/api/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- Mock Cache ---

type mockCache struct {
	mu       sync.Mutex
	counters map[string]int64
	err      error
}

func newMockCache() *mockCache {
	return &mockCache{counters: map[string]int64{}}
}

func (m *mockCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (m *mockCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (m *mockCache) Delete(_ context.Context, _ string) error                         { return nil }
func (m *mockCache) Ping(_ context.Context) error                                     { return nil }
func (m *mockCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.counters[key]++
	return m.counters[key], nil
}

// --- helpers ---

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

func hashToken(t *testing.T, token string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// ========================================
// Auth
// ========================================

func TestAuth_DisabledWithoutHash(t *testing.T) {
	auth := mw.NewAuth("")
	assert.False(t, auth.Enabled())

	w := serve(auth.Authenticate(okHandler()), httptest.NewRequest("GET", "/jobs", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_MissingHeader(t *testing.T) {
	auth := mw.NewAuth(hashToken(t, "s3cret-token"))

	w := serve(auth.Authenticate(okHandler()), httptest.NewRequest("GET", "/jobs", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errBody(t, w)["code"])
}

func TestAuth_InvalidBearerFormat(t *testing.T) {
	auth := mw.NewAuth(hashToken(t, "s3cret-token"))
	req := httptest.NewRequest("GET", "/jobs", nil)
	req.Header.Set("Authorization", "Basic abc123")

	w := serve(auth.Authenticate(okHandler()), req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_WrongToken(t *testing.T) {
	auth := mw.NewAuth(hashToken(t, "s3cret-token"))
	req := httptest.NewRequest("GET", "/jobs", nil)
	req.Header.Set("Authorization", "Bearer guess")

	w := serve(auth.Authenticate(okHandler()), req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_ValidTokenRepeatedly(t *testing.T) {
	auth := mw.NewAuth(hashToken(t, "s3cret-token"))
	h := auth.Authenticate(okHandler())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/jobs/next?device=a", nil)
		req.Header.Set("Authorization", "bearer s3cret-token")
		assert.Equal(t, http.StatusOK, serve(h, req).Code)
	}

	req := httptest.NewRequest("GET", "/jobs", nil)
	req.Header.Set("Authorization", "Bearer s3cret-tokeN")
	assert.Equal(t, http.StatusUnauthorized, serve(h, req).Code, "a verified token does not admit near misses")
}

// ========================================
// Rate limit
// ========================================

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	rl := mw.NewRateLimit(newMockCache(), 60)

	w := serve(rl.Limit(okHandler()), httptest.NewRequest("POST", "/enqueue/warmup", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	rl := mw.NewRateLimit(newMockCache(), 2)
	h := rl.Limit(okHandler())

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest("POST", "/enqueue/warmup", nil)).Code)
	}
	w := serve(h, httptest.NewRequest("POST", "/enqueue/warmup", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errBody(t, w)["code"])
}

func TestRateLimit_PerClientAddress(t *testing.T) {
	rl := mw.NewRateLimit(newMockCache(), 1)
	h := rl.Limit(okHandler())

	a := httptest.NewRequest("POST", "/jobs/1/cancel", nil)
	a.RemoteAddr = "10.0.0.1:5555"
	b := httptest.NewRequest("POST", "/jobs/1/cancel", nil)
	b.RemoteAddr = "10.0.0.2:5555"

	assert.Equal(t, http.StatusOK, serve(h, a).Code)
	assert.Equal(t, http.StatusOK, serve(h, b).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(h, a).Code)
}

func TestRateLimit_FailOpen(t *testing.T) {
	mc := newMockCache()
	mc.err = errors.New("redis down")
	rl := mw.NewRateLimit(mc, 1)

	w := serve(rl.Limit(okHandler()), httptest.NewRequest("POST", "/enqueue/warmup", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimit_NilCachePassThrough(t *testing.T) {
	rl := mw.NewRateLimit(nil, 1)
	h := rl.Limit(okHandler())
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, serve(h, httptest.NewRequest("POST", "/enqueue/warmup", nil)).Code)
	}
}

// ========================================
// Recovery
// ========================================

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	})

	w := serve(mw.Recovery(panicking), httptest.NewRequest("GET", "/jobs", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_LogsRouteAndJob(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	r := chi.NewRouter()
	r.Use(mw.Recovery)
	r.Post("/jobs/{id}/complete", func(http.ResponseWriter, *http.Request) {
		panic("nil job")
	})

	w := serve(r, httptest.NewRequest("POST", "/jobs/42/complete?device=emulator-5554", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "panic recovered", entry["msg"])
	assert.Equal(t, "/jobs/{id}/complete", entry["route"])
	assert.Equal(t, "42", entry["job_id"])
	assert.Equal(t, "emulator-5554", entry["device"])
}

func TestRecovery_NoPanic(t *testing.T) {
	w := serve(mw.Recovery(okHandler()), httptest.NewRequest("GET", "/jobs", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

// ========================================
// Logger
// ========================================

func TestLogger_AssignsRequestID(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = mw.GetRequestID(r)
		w.WriteHeader(http.StatusAccepted)
	})

	w := serve(mw.Logger(inner), httptest.NewRequest("GET", "/jobs", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Len(t, seen, 36)
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))
}

func TestLogger_KeepsIncomingRequestID(t *testing.T) {
	req := httptest.NewRequest("GET", "/jobs", nil)
	req.Header.Set("X-Request-ID", "abc-123")

	w := serve(mw.Logger(okHandler()), req)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
}
