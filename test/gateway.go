// Package test holds black-box tests that run the assembled gateway against
// real or fault-injecting dependencies.
package test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/kenneth/segment-key-gateway/internal/app"
	"github.com/kenneth/segment-key-gateway/internal/config"
	"github.com/kenneth/segment-key-gateway/internal/logging"
	"github.com/kenneth/segment-key-gateway/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// InternalToken is the ingestion token every test gateway is configured with.
const InternalToken = "integration-token"

// TestGateway is a running gateway behind an httptest server.
type TestGateway struct {
	URL    string
	App    *app.App
	server *httptest.Server
	client *http.Client
}

// NewTestConfig returns a config with defaults applied for the given bucket
// and upstream services.
func NewTestConfig(bucket, entitlementURL, catalogURL string) *config.Config {
	cfg := config.Default()
	cfg.LogLevel = "error"
	cfg.InternalToken = InternalToken
	cfg.Backend.Bucket = bucket
	cfg.Entitlement.ServiceURL = entitlementURL
	cfg.Entitlement.CatalogURL = catalogURL
	cfg.Pipeline.Sealer = "native"
	return cfg
}

// StartGateway builds and starts the gateway described by cfg. The gateway
// base URL is pointed at the test server.
func StartGateway(t *testing.T, cfg *config.Config, opts app.Options) *TestGateway {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}
	if cfg.Pipeline.WorkDir == "" || cfg.Pipeline.WorkDir == os.TempDir() {
		cfg.Pipeline.WorkDir = t.TempDir()
	}

	handler := &swappableHandler{}
	server := httptest.NewServer(handler)
	cfg.GatewayBaseURL = server.URL

	a, err := app.New(context.Background(), cfg, opts)
	if err != nil {
		server.Close()
		require.NoError(t, err)
	}
	handler.h = a.Handler()
	a.Start(context.Background())

	gw := &TestGateway{
		URL:    server.URL,
		App:    a,
		server: server,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	t.Cleanup(gw.Close)
	return gw
}

// swappableHandler lets the server start before the app exists so the app
// can be configured with the server URL.
type swappableHandler struct {
	h http.Handler
}

func (s *swappableHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.h.ServeHTTP(w, r)
}

// Close stops the HTTP server and drains the pipeline.
func (g *TestGateway) Close() {
	if g.server == nil {
		return
	}
	g.server.Close()
	g.server = nil
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = g.App.Shutdown(ctx)
}

// GetHTTPClient returns a client suitable for talking to the gateway.
func (g *TestGateway) GetHTTPClient() *http.Client {
	return g.client
}

// Do sends a request to the gateway with the given headers.
func (g *TestGateway) Do(t *testing.T, method, path, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, g.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := g.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}
