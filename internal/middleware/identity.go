package middleware

import (
	"context"
	"net/http"
	"strings"
)

// Identity copies the caller identity from the trusted header set by the
// upstream session layer into the request context. A missing header leaves
// the request anonymous; the entitlement gate decides what that allows.
func Identity(header string) func(http.Handler) http.Handler {
	if header == "" {
		header = "X-User-ID"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := strings.TrimSpace(r.Header.Get(header))
			if user != "" {
				r = r.WithContext(context.WithValue(r.Context(), userIDKey, user))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserIDFromContext returns the caller identity or "" when anonymous.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}
