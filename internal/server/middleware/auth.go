// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/virtpack/virtpack/internal/auth"
)

// ContextKey is the type for context keys.
type ContextKey string

const (
	// ClaimsKey is the context key for JWT claims.
	ClaimsKey ContextKey = "claims"
	// UserIDKey is the context key for the authenticated user ID.
	UserIDKey ContextKey = "user_id"
	// RoleKey is the context key for the user's role.
	RoleKey ContextKey = "role"
)

// Auth enforces bearer-token authentication on API routes.
type Auth struct {
	jwtManager *auth.JWTManager
	logger     *zap.Logger
}

// NewAuth creates the auth middleware.
func NewAuth(jwtManager *auth.JWTManager, logger *zap.Logger) *Auth {
	return &Auth{
		jwtManager: jwtManager,
		logger:     logger.With(zap.String("middleware", "auth")),
	}
}

// Wrap returns a handler that authenticates every request except public
// endpoints before passing it on.
func (a *Auth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			a.logger.Debug("Missing authorization header", zap.String("path", r.URL.Path))
			writeUnauthorized(w, "missing authorization header")
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			writeUnauthorized(w, "invalid authorization format, expected 'Bearer <token>'")
			return
		}

		claims, err := a.jwtManager.Verify(tokenString)
		if err != nil {
			a.logger.Debug("Token verification failed", zap.Error(err))
			writeUnauthorized(w, "invalid or expired token")
			return
		}

		ctx := r.Context()
		ctx = context.WithValue(ctx, ClaimsKey, claims)
		ctx = context.WithValue(ctx, UserIDKey, claims.UserID)
		ctx = context.WithValue(ctx, RoleKey, claims.Role)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":{"code":"unauthenticated","message":"` + message + `"}}`))
}

// publicEndpoints lists endpoints that don't require authentication.
var publicEndpoints = []string{
	"/health",
	"/healthz",
	"/ready",
	"/live",
	"/api/v1/info",
}

// isPublicEndpoint checks if a path is public (no auth required).
func isPublicEndpoint(path string) bool {
	for _, ep := range publicEndpoints {
		if path == ep {
			return true
		}
	}
	return false
}

// GetClaims extracts JWT claims from the context.
func GetClaims(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*auth.Claims)
	return claims, ok
}

// GetUserID extracts the user ID from the context.
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok
}

// GetRole extracts the user's role from the context.
func GetRole(ctx context.Context) (string, bool) {
	role, ok := ctx.Value(RoleKey).(string)
	return role, ok
}
