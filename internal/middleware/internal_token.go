package middleware

import (
	"crypto/subtle"
	"net/http"
)

// InternalTokenHeader authenticates calls from the ingestion side.
const InternalTokenHeader = "X-Internal-Token"

// RequireInternalToken rejects requests whose X-Internal-Token does not match
// token. An empty token disables the check.
func RequireInternalToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(InternalTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				WriteError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
