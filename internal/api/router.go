package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/kenneth/segment-key-gateway/internal/metrics"
	"github.com/kenneth/segment-key-gateway/internal/middleware"
	"github.com/sirupsen/logrus"
)

// RouterOptions configures the middleware chain around the routes.
type RouterOptions struct {
	UserHeader     string
	AllowedOrigins []string
	ServiceName    string
	Logger         *logrus.Logger
	Metrics        *metrics.Metrics
}

// NewRouter returns the full HTTP surface: recovery, request id, logging,
// CORS, tracing and identity around the mux routes.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	if opts.Logger == nil {
		opts.Logger = h.logger
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "segment-key-gateway"
	}

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		middleware.WriteError(w, req, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		middleware.WriteError(w, req, http.StatusMethodNotAllowed, "method not allowed")
	})
	h.RegisterRoutes(r)

	chain := []func(http.Handler) http.Handler{
		middleware.RecoveryMiddleware(opts.Logger),
		middleware.RequestID(),
		middleware.LoggingMiddleware(opts.Logger, opts.Metrics),
		middleware.CORS(opts.AllowedOrigins),
		middleware.Tracing(opts.ServiceName),
		middleware.Identity(opts.UserHeader),
	}
	var handler http.Handler = r
	for i := len(chain) - 1; i >= 0; i-- {
		handler = chain[i](handler)
	}
	return handler
}
