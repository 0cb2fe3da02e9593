package middleware

import (
	"net/http"
	"strings"

	"github.com/ryanuber/go-glob"
)

const (
	corsAllowMethods = "GET, POST, OPTIONS"
	corsAllowHeaders = "Content-Type, X-Request-ID, Range"
	corsMaxAge       = "600"
)

// CORS allows browser players served from the configured origins to fetch
// playlists and keys. Patterns are globs such as "https://*.example.com".
// With no patterns configured the middleware is a pass-through.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	patterns := make([]string, 0, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			patterns = append(patterns, o)
		}
	}
	return func(next http.Handler) http.Handler {
		if len(patterns) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Add("Vary", "Origin")
			match := matchOrigin(patterns, origin)
			if match == originDenied {
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			if match == originWildcard {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			h.Set("Access-Control-Expose-Headers", RequestIDHeader)
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", corsAllowMethods)
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				h.Set("Access-Control-Max-Age", corsMaxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type originMatch int

const (
	originDenied originMatch = iota
	originWildcard
	originListed
)

// matchOrigin prefers an explicit pattern over a bare "*". Only listed
// origins receive credentials.
func matchOrigin(patterns []string, origin string) originMatch {
	match := originDenied
	for _, p := range patterns {
		if p == "*" {
			match = originWildcard
			continue
		}
		if glob.Glob(p, origin) {
			return originListed
		}
	}
	return match
}
