// Package middleware provides HTTP middleware for the control-plane server.
package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/types"
)

type callerKey struct{}

// WithCaller stores the resolved caller on the request context.
func WithCaller(ctx context.Context, c types.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller attached by the Auth middleware. The
// zero caller (no user, no roles) is returned for unauthenticated
// contexts such as health checks.
func CallerFrom(ctx context.Context) types.Caller {
	c, _ := ctx.Value(callerKey{}).(types.Caller)
	return c
}

// BearerToken extracts the credential from a request: the Authorization
// bearer header first, then the X-API-Key header, then the api_key
// query parameter.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
	}
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	return r.URL.Query().Get("api_key")
}

// ResolveCaller builds the caller identity for an authenticated request.
// The gateway in front of this service asserts the end user via the
// X-User-ID and X-User-Roles headers; absent headers yield a default
// single-tenant identity.
func ResolveCaller(r *http.Request) types.Caller {
	c := types.Caller{
		UserID:   r.Header.Get("X-User-ID"),
		Username: r.Header.Get("X-User-Name"),
		Roles:    splitRoles(r.Header.Get("X-User-Roles")),
	}
	if c.UserID == "" {
		c.UserID = "default"
	}
	if len(c.Roles) == 0 {
		c.Roles = []string{"user"}
	}
	return c
}

func splitRoles(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	roles := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			roles = append(roles, p)
		}
	}
	return roles
}

// CheckAPIKey compares a presented key against the configured key in
// constant time.
func CheckAPIKey(cfg *config.Config, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(cfg.APIKey)) == 1
}

// Auth returns middleware that validates API key authentication and
// attaches the caller identity to the request context.
// If API key authentication is disabled in config, requests pass through
// with the identity headers still honored. Health and metrics endpoints
// are always allowed without authentication.
func Auth(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Health and metrics stay open for load balancers and
			// scrapers.
			if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			if cfg.APIKeyEnabled {
				if !CheckAPIKey(cfg, BearerToken(r)) {
					writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Invalid or missing API key")
					return
				}
			}

			r = r.WithContext(WithCaller(r.Context(), ResolveCaller(r)))
			next.ServeHTTP(w, r)
		})
	}
}
