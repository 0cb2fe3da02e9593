package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	content := `
listen_addr: ":9090"
gateway_base_url: "https://media.example.com/"
backend:
  bucket: "vod"
  provider: "minio"
entitlement:
  upstream_failure: "deny"
  catalog_ttl: 30s
delivery:
  segment_base_url: "https://cdn.example.com/vod/"
pipeline:
  sealer: native
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("BACKEND_REGION", "eu-central-1")
	t.Setenv("HARDWARE_REQUIRE_AES", "true")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "https://media.example.com", cfg.GatewayBaseURL)
	assert.Equal(t, "vod", cfg.Backend.Bucket)
	assert.Equal(t, "eu-central-1", cfg.Backend.Region)
	assert.Equal(t, "deny", cfg.Entitlement.UpstreamFailure)
	assert.Equal(t, 30*time.Second, cfg.Entitlement.CatalogTTL)
	assert.Equal(t, time.Minute, cfg.Entitlement.EntitlementTTL)
	assert.Equal(t, 10*time.Minute, cfg.Delivery.SessionTTL)
	assert.Equal(t, "https://cdn.example.com/vod", cfg.Delivery.SegmentBaseURL)
	assert.Equal(t, 15*time.Minute, cfg.Delivery.SegmentURLTTL)
	assert.Equal(t, "native", cfg.Pipeline.Sealer)
	assert.True(t, cfg.Hardware.RequireAES)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad key store", func(c *Config) { c.KeyStore.Backend = "sqlite" }},
		{"redis store without url", func(c *Config) { c.KeyStore.Backend = "redis" }},
		{"mongo store without url", func(c *Config) { c.KeyStore.Backend = "mongo" }},
		{"bad reissue policy", func(c *Config) { c.Keys.ReissuePolicy = "upsert" }},
		{"bad failure policy", func(c *Config) { c.Entitlement.UpstreamFailure = "retry" }},
		{"bad envelope", func(c *Config) { c.Delivery.KeyEnvelope = "rsa" }},
		{"relative base url", func(c *Config) { c.GatewayBaseURL = "media.example.com" }},
		{"relative segment base url", func(c *Config) { c.Delivery.SegmentBaseURL = "cdn.example.com/vod" }},
		{"short segments", func(c *Config) { c.Pipeline.SegmentDuration = 100 * time.Millisecond }},
	}
	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
