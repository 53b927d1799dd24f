package middleware

import (
	"crypto/sha256"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/droidqueue/internal/api/response"
)

// Auth checks a shared bearer token against a bcrypt hash.
type Auth struct {
	hash []byte

	// verified remembers digests of tokens that already passed bcrypt so
	// polling workers do not pay the hash cost on every request.
	verified sync.Map
}

// NewAuth creates Auth for tokenHash. An empty hash disables authentication.
func NewAuth(tokenHash string) *Auth {
	return &Auth{hash: []byte(tokenHash)}
}

// Enabled reports whether requests must carry a token.
func (a *Auth) Enabled() bool {
	return a != nil && len(a.hash) > 0
}

// Authenticate rejects requests without a valid Bearer token.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		token := extractBearerToken(r)
		if token == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}
		if !a.check(token) {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Auth) check(token string) bool {
	digest := sha256.Sum256([]byte(token))
	if _, ok := a.verified.Load(digest); ok {
		return true
	}
	if bcrypt.CompareHashAndPassword(a.hash, []byte(token)) != nil {
		return false
	}
	a.verified.Store(digest, struct{}{})
	return true
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
