package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func signTestToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	assert.NoError(t, err)
	return token
}

func TestAuthMiddleware_Authenticate(t *testing.T) {
	viper.Set("jwt.secret_key", "test-secret")
	m := InitAuthMiddleware(nil)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := r.Context().Value(ContextTenantID).(string)
		w.Header().Set("X-Test-Tenant", tenantID)
		w.WriteHeader(http.StatusOK)
	})

	t.Run("valid token carries the tenant into context", func(t *testing.T) {
		token := signTestToken(t, "test-secret", jwt.MapClaims{
			"tenant_id":  "tenant_1",
			"account_id": "acct_1",
		})

		req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts/acct_1/balance", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		m.Authenticate(next).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "tenant_1", w.Header().Get("X-Test-Tenant"))
	})

	t.Run("missing authorization header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/billing/charges", nil)
		w := httptest.NewRecorder()

		m.Authenticate(next).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/billing/charges", nil)
		req.Header.Set("Authorization", "Token abc")
		w := httptest.NewRecorder()

		m.Authenticate(next).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong signing secret", func(t *testing.T) {
		token := signTestToken(t, "other-secret", jwt.MapClaims{"tenant_id": "tenant_1"})

		req := httptest.NewRequest(http.MethodGet, "/api/v1/billing/charges", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		m.Authenticate(next).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("token without tenant claim", func(t *testing.T) {
		token := signTestToken(t, "test-secret", jwt.MapClaims{"user_id": "user_1"})

		req := httptest.NewRequest(http.MethodGet, "/api/v1/billing/charges", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()

		m.Authenticate(next).ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestSecurityHeaders(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	SecurityHeaders(next).ServeHTTP(w, req)

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}
