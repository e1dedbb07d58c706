// Package middleware provides HTTP middleware for the funding gateway.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/R3E-Network/pledgevault/pkg/logger"
)

// CallerHeader carries the caller identity in development deployments that
// run without a JWT secret. It is ignored whenever a secret is configured.
const CallerHeader = "X-Caller"

// Claims represents JWT claims for API callers. The identity claim wins over
// the registered subject when both are present.
type Claims struct {
	Identity string `json:"identity,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) caller() string {
	if c.Identity != "" {
		return c.Identity
	}
	return c.Subject
}

// AuthMiddleware resolves the caller identity for each request. Reads stay
// open: requests without credentials pass through unauthenticated and the
// handlers reject mutations that lack a caller. Presented credentials are
// always verified, and bad ones fail the request outright.
type AuthMiddleware struct {
	secret    []byte
	log       *logger.Logger
	skipPaths map[string]bool
}

// NewAuthMiddleware creates a new authentication middleware. An empty secret
// enables the X-Caller development fallback.
func NewAuthMiddleware(secret string, log *logger.Logger, skipPaths []string) *AuthMiddleware {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	skip := make(map[string]bool)
	for _, path := range skipPaths {
		skip[path] = true
	}

	return &AuthMiddleware{
		secret:    []byte(secret),
		log:       log,
		skipPaths: skip,
	}
}

// Handler returns the middleware handler.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		// Development mode: no secret configured, trust the caller header.
		if len(m.secret) == 0 {
			if caller := strings.TrimSpace(r.Header.Get(CallerHeader)); caller != "" {
				r = r.WithContext(WithCaller(r.Context(), caller))
			}
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			// No credentials presented; continue unauthenticated.
			next.ServeHTTP(w, r)
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
			writeAuthError(w, http.StatusUnauthorized, "unauthorized", "invalid Authorization header format")
			return
		}

		claims, err := m.validateToken(parts[1])
		if err != nil {
			m.log.WithError(err).WithField("path", r.URL.Path).Warn("token validation failed")
			writeAuthError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}

		caller := strings.TrimSpace(claims.caller())
		if caller == "" {
			writeAuthError(w, http.StatusUnauthorized, "unauthorized", "token carries no identity")
			return
		}

		ctx := WithCaller(r.Context(), caller)
		if claims.Role != "" {
			ctx = context.WithValue(ctx, roleKey, claims.Role)
		}

		m.log.WithField("caller", caller).Debug("authentication successful")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validateToken validates a JWT token and returns its claims.
func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", token.Claims)
	}
	return claims, nil
}

type contextKey string

const (
	callerKey contextKey = "caller"
	roleKey   contextKey = "role"
)

// WithCaller returns a new context carrying the caller identity.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// Caller extracts the authenticated caller identity from context.
func Caller(ctx context.Context) string {
	if v := ctx.Value(callerKey); v != nil {
		return v.(string)
	}
	return ""
}

// Role extracts the caller role from context.
func Role(ctx context.Context) string {
	if v := ctx.Value(roleKey); v != nil {
		return v.(string)
	}
	return ""
}

// RequireCaller rejects requests that carry no caller identity. Mount it on
// routes that mutate state.
func RequireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if Caller(r.Context()) == "" {
			writeAuthError(w, http.StatusUnauthorized, "unauthorized", "caller identity is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeAuthError emits the gateway error envelope without importing httpapi.
func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
}
