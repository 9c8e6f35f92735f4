package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
)

type contextKey string

const (
	ContextTenantID  contextKey = "tenantID"
	ContextAccountID contextKey = "accountID"
)

// AuthMiddleware validates bearer tokens and rejects revoked ones.
type AuthMiddleware struct {
	redisClient *redis.Client
}

func InitAuthMiddleware(redisClient *redis.Client) *AuthMiddleware {
	return &AuthMiddleware{redisClient: redisClient}
}

func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := m.validateToken(r.Context(), parts[1])
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ContextTenantID, fmt.Sprintf("%v", claims["tenant_id"]))
		if accountID, ok := claims["account_id"]; ok {
			ctx = context.WithValue(ctx, ContextAccountID, fmt.Sprintf("%v", accountID))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) validateToken(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(viper.GetString("jwt.secret_key")), nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}
	if _, ok := claims["tenant_id"]; !ok {
		return nil, fmt.Errorf("missing tenant_id claim")
	}

	// Tokens revoked out of band live in Redis until they expire.
	if m.redisClient != nil {
		if jti, ok := claims["jti"].(string); ok && jti != "" {
			revoked, err := m.redisClient.Exists(ctx, "revoked_tokens:"+jti).Result()
			if err == nil && revoked > 0 {
				return nil, fmt.Errorf("token revoked")
			}
		}
	}

	return claims, nil
}

// SecurityHeaders sets baseline response headers on every route.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
