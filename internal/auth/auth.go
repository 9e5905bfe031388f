// Package auth validates HS256 Bearer tokens in front of operator endpoints.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/upstream-guard/internal/apierror"
	"github.com/dskow/upstream-guard/internal/config"
	"github.com/dskow/upstream-guard/internal/metrics"
)

type contextKey string

// ClaimsKey is the context key used to store validated claims.
const ClaimsKey contextKey = "jwt_claims"

// Claims is the validated token content placed in the request context.
type Claims struct {
	Subject  string   `json:"sub"`
	Issuer   string   `json:"iss"`
	Audience []string `json:"aud"`
	Scopes   []string `json:"scopes"`
}

// tokenClaims is the wire form: registered claims plus an OAuth2-style
// space-separated scope string.
type tokenClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// ScopeError indicates the token is valid but lacks a required scope.
type ScopeError struct {
	MissingScope string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("missing required scope: %s", e.MissingScope)
}

// MutationsOnly requires credentials for every method except GET, HEAD and
// OPTIONS.
func MutationsOnly(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// Middleware rejects requests for which requiresAuth returns true unless they
// carry a valid Bearer token. A nil requiresAuth guards every request.
func Middleware(cfg config.AuthConfig, requiresAuth func(*http.Request) bool, logger *slog.Logger) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	key := []byte(cfg.JWTSecret)

	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiresAuth != nil && !requiresAuth(r) {
				next.ServeHTTP(w, r)
				return
			}

			tokenStr, ok := extractBearerToken(r)
			if !ok {
				metrics.AuthFailures.WithLabelValues("missing_token").Inc()
				apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.AuthMissingToken, "missing or malformed Authorization header")
				return
			}

			claims, err := validateToken(parser, key, tokenStr, cfg.Scopes)
			if err != nil {
				logger.Warn("auth failure", "error", err, "path", r.URL.Path)
				var se *ScopeError
				if errors.As(err, &se) {
					metrics.AuthFailures.WithLabelValues("insufficient_scope").Inc()
					apierror.WriteJSON(w, r, http.StatusForbidden, apierror.AuthInsufficientScope, err.Error())
				} else {
					metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
					apierror.WriteJSON(w, r, http.StatusUnauthorized, apierror.AuthInvalidToken, "invalid token")
				}
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext returns the claims stored by Middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ClaimsKey).(*Claims)
	return c, ok
}

func extractBearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func validateToken(parser *jwt.Parser, key []byte, tokenStr string, required []string) (*Claims, error) {
	var tc tokenClaims
	if _, err := parser.ParseWithClaims(tokenStr, &tc, func(*jwt.Token) (any, error) {
		return key, nil
	}); err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims := &Claims{
		Subject:  tc.Subject,
		Issuer:   tc.Issuer,
		Audience: tc.Audience,
		Scopes:   strings.Fields(tc.Scope),
	}
	for _, s := range required {
		if !slices.Contains(claims.Scopes, s) {
			return nil, &ScopeError{MissingScope: s}
		}
	}
	return claims, nil
}
