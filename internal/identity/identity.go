// Package identity attaches caller identity primitives to requests.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
)

type contextKey int

const (
	authTokenKey contextKey = iota
	clientIPKey
)

// maxTokenLen bounds bearer tokens; regexp repeat counts stop at 1000.
const maxTokenLen = 4096

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9._~+/=-]+$`)

// AuthTokenFromContext returns the bearer token presented with the request,
// or "" when none was.
func AuthTokenFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(authTokenKey).(string); ok {
		return v
	}
	return ""
}

// ClientIPFromContext returns the caller's remote IP.
func ClientIPFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIPKey).(string); ok {
		return v
	}
	return ""
}

// WithAuthToken returns a context carrying token.
func WithAuthToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, authTokenKey, token)
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	token := strings.TrimSpace(h[7:])
	if len(token) > maxTokenLen || !tokenPattern.MatchString(token) {
		return ""
	}
	return token
}

// Middleware injects the bearer token and client IP into the request context.
// Malformed Authorization headers are ignored rather than rejected; the
// entitlement check downstream decides what a missing token means.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), clientIPKey, IPFromRequest(r))
		if token := bearerToken(r); token != "" {
			ctx = WithAuthToken(ctx, token)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
