package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the gateway configuration.
type Config struct {
	ListenAddr    string `yaml:"listen_addr"`
	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`
	InternalToken string `yaml:"internal_token"`

	// GatewayBaseURL is the externally visible base URL used for absolute
	// playlist and key URLs.
	GatewayBaseURL string `yaml:"gateway_base_url"`

	Backend     BackendConfig     `yaml:"backend"`
	Redis       RedisConfig       `yaml:"redis"`
	KeyStore    KeyStoreConfig    `yaml:"key_store"`
	Keys        KeysConfig        `yaml:"keys"`
	Entitlement EntitlementConfig `yaml:"entitlement"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	Auth        AuthConfig        `yaml:"auth"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Events      EventsConfig      `yaml:"events"`
	Audit       AuditConfig       `yaml:"audit"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Hardware    HardwareConfig    `yaml:"hardware"`
}

// BackendConfig describes the object storage that holds raw and processed assets.
type BackendConfig struct {
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	Provider     string `yaml:"provider"`
	Bucket       string `yaml:"bucket"`
	UseSSL       bool   `yaml:"use_ssl"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// RedisConfig configures the shared short-TTL caches. An empty URL selects
// in-process caches, which is only suitable for a single replica.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// KeyStoreConfig selects the persistent key store.
type KeyStoreConfig struct {
	Backend  string `yaml:"backend"` // memory, redis or mongo
	MongoURL string `yaml:"mongo_url"`
	Database string `yaml:"database"`
}

// KeysConfig controls key issuance.
type KeysConfig struct {
	// ReissuePolicy is "allow" (a second independent key set is created) or
	// "reject" (issuance fails if keys already exist for the content).
	ReissuePolicy string `yaml:"reissue_policy"`
}

// EntitlementConfig configures the entitlement gate and its upstream services.
type EntitlementConfig struct {
	ServiceURL      string        `yaml:"service_url"`
	CatalogURL      string        `yaml:"catalog_url"`
	EntitlementTTL  time.Duration `yaml:"entitlement_ttl"`
	CatalogTTL      time.Duration `yaml:"catalog_ttl"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	UpstreamFailure string        `yaml:"upstream_failure"` // error, deny or allow
	FreeTierName    string        `yaml:"free_tier_name"`
}

// DeliveryConfig controls how keys are handed to clients.
type DeliveryConfig struct {
	KeyEnvelope string        `yaml:"key_envelope"` // none or session
	SessionTTL  time.Duration `yaml:"session_ttl"`
	// SegmentBaseURL is a CDN or bucket URL that serves the processed tree.
	// Empty routes segments through the gateway, which redirects to a
	// presigned object URL.
	SegmentBaseURL string        `yaml:"segment_base_url"`
	SegmentURLTTL  time.Duration `yaml:"segment_url_ttl"`
}

// AuthConfig names the header the upstream session layer uses to pass the
// requester identity, and the origins allowed to fetch playlists and keys.
type AuthConfig struct {
	UserHeader     string   `yaml:"user_header"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// PipelineConfig configures the transcoding pipeline.
type PipelineConfig struct {
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
	WorkDir         string        `yaml:"work_dir"`
	FFmpegPath      string        `yaml:"ffmpeg_path"`
	SegmentDuration time.Duration `yaml:"segment_duration"`
	Sealer          string        `yaml:"sealer"` // ffmpeg or native
	RunTimeout      time.Duration `yaml:"run_timeout"`
}

// EventsConfig configures ingestion event sources.
type EventsConfig struct {
	SpoolDir string `yaml:"spool_dir"`
}

// AuditConfig configures audit logging of key issuance and delivery.
type AuditConfig struct {
	Enabled            bool            `yaml:"enabled"`
	MaxEvents          int             `yaml:"max_events"`
	RedactMetadataKeys []string        `yaml:"redact_metadata_keys"`
	Sink               AuditSinkConfig `yaml:"sink"`
}

// AuditSinkConfig selects where audit events go.
type AuditSinkConfig struct {
	Type          string            `yaml:"type"` // stdout, file or http
	FilePath      string            `yaml:"file_path"`
	Endpoint      string            `yaml:"endpoint"`
	Headers       map[string]string `yaml:"headers"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval time.Duration     `yaml:"flush_interval"`
	RetryCount    int               `yaml:"retry_count"`
	RetryBackoff  time.Duration     `yaml:"retry_backoff"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Exporter    string  `yaml:"exporter"` // none, stdout, otlp or jaeger
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// HardwareConfig constrains the hosts the gateway may run on.
type HardwareConfig struct {
	// RequireAES refuses to start on a CPU without AES instructions.
	RequireAES bool `yaml:"require_aes"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads a YAML file (if path is not empty), applies environment
// overrides and defaults, and validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.ListenAddr, "LISTEN_ADDR")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFile, "LOG_FILE")
	setString(&c.InternalToken, "INTERNAL_TOKEN")
	setString(&c.GatewayBaseURL, "GATEWAY_BASE_URL")

	setString(&c.Backend.Endpoint, "BACKEND_ENDPOINT")
	setString(&c.Backend.Region, "BACKEND_REGION")
	setString(&c.Backend.AccessKey, "BACKEND_ACCESS_KEY")
	setString(&c.Backend.SecretKey, "BACKEND_SECRET_KEY")
	setString(&c.Backend.Provider, "BACKEND_PROVIDER")
	setString(&c.Backend.Bucket, "BACKEND_BUCKET")
	setBool(&c.Backend.UseSSL, "BACKEND_USE_SSL")
	setBool(&c.Backend.UsePathStyle, "BACKEND_USE_PATH_STYLE")

	setString(&c.Redis.URL, "REDIS_URL")
	setString(&c.KeyStore.Backend, "KEY_STORE_BACKEND")
	setString(&c.KeyStore.MongoURL, "MONGO_URL")
	setString(&c.KeyStore.Database, "MONGO_DATABASE")
	setString(&c.Keys.ReissuePolicy, "KEYS_REISSUE_POLICY")

	setString(&c.Entitlement.ServiceURL, "ENTITLEMENT_SERVICE_URL")
	setString(&c.Entitlement.CatalogURL, "CATALOG_SERVICE_URL")
	setString(&c.Entitlement.UpstreamFailure, "ENTITLEMENT_UPSTREAM_FAILURE")
	setString(&c.Delivery.KeyEnvelope, "DELIVERY_KEY_ENVELOPE")
	setString(&c.Delivery.SegmentBaseURL, "DELIVERY_SEGMENT_BASE_URL")

	setString(&c.Pipeline.WorkDir, "PIPELINE_WORK_DIR")
	setString(&c.Pipeline.FFmpegPath, "FFMPEG_PATH")
	setString(&c.Pipeline.Sealer, "PIPELINE_SEALER")
	setInt(&c.Pipeline.Workers, "PIPELINE_WORKERS")
	setString(&c.Events.SpoolDir, "EVENTS_SPOOL_DIR")

	setString(&c.Tracing.Exporter, "TRACING_EXPORTER")
	setString(&c.Tracing.Endpoint, "TRACING_ENDPOINT")
	setBool(&c.Hardware.RequireAES, "HARDWARE_REQUIRE_AES")
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.GatewayBaseURL == "" {
		c.GatewayBaseURL = "http://localhost:8080"
	}
	c.GatewayBaseURL = strings.TrimSuffix(c.GatewayBaseURL, "/")
	if c.Backend.Provider == "" {
		c.Backend.Provider = "aws"
	}
	if c.KeyStore.Backend == "" {
		c.KeyStore.Backend = "memory"
	}
	if c.KeyStore.Database == "" {
		c.KeyStore.Database = "segment_keys"
	}
	if c.Keys.ReissuePolicy == "" {
		c.Keys.ReissuePolicy = "allow"
	}
	if c.Entitlement.EntitlementTTL == 0 {
		c.Entitlement.EntitlementTTL = time.Minute
	}
	if c.Entitlement.CatalogTTL == 0 {
		c.Entitlement.CatalogTTL = 5 * time.Minute
	}
	if c.Entitlement.UpstreamTimeout == 0 {
		c.Entitlement.UpstreamTimeout = 5 * time.Second
	}
	if c.Entitlement.UpstreamFailure == "" {
		c.Entitlement.UpstreamFailure = "error"
	}
	if c.Entitlement.FreeTierName == "" {
		c.Entitlement.FreeTierName = "Free"
	}
	if c.Delivery.KeyEnvelope == "" {
		c.Delivery.KeyEnvelope = "none"
	}
	if c.Delivery.SessionTTL == 0 {
		c.Delivery.SessionTTL = 10 * time.Minute
	}
	c.Delivery.SegmentBaseURL = strings.TrimSuffix(c.Delivery.SegmentBaseURL, "/")
	if c.Delivery.SegmentURLTTL == 0 {
		c.Delivery.SegmentURLTTL = 15 * time.Minute
	}
	if c.Auth.UserHeader == "" {
		c.Auth.UserHeader = "X-User-ID"
	}
	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = 2
	}
	if c.Pipeline.QueueSize <= 0 {
		c.Pipeline.QueueSize = 32
	}
	if c.Pipeline.WorkDir == "" {
		c.Pipeline.WorkDir = os.TempDir()
	}
	if c.Pipeline.FFmpegPath == "" {
		c.Pipeline.FFmpegPath = "ffmpeg"
	}
	if c.Pipeline.SegmentDuration == 0 {
		c.Pipeline.SegmentDuration = 6 * time.Second
	}
	if c.Pipeline.Sealer == "" {
		c.Pipeline.Sealer = "ffmpeg"
	}
	if c.Pipeline.RunTimeout == 0 {
		c.Pipeline.RunTimeout = 2 * time.Hour
	}
	if c.Audit.MaxEvents <= 0 {
		c.Audit.MaxEvents = 1000
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "none"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "segment-key-gateway"
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1.0
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if !oneOf(c.KeyStore.Backend, "memory", "redis", "mongo") {
		return fmt.Errorf("key_store.backend must be memory, redis or mongo, got %q", c.KeyStore.Backend)
	}
	if c.KeyStore.Backend == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("key_store.backend redis requires redis.url")
	}
	if c.KeyStore.Backend == "mongo" && c.KeyStore.MongoURL == "" {
		return fmt.Errorf("key_store.backend mongo requires key_store.mongo_url")
	}
	if !oneOf(c.Keys.ReissuePolicy, "allow", "reject") {
		return fmt.Errorf("keys.reissue_policy must be allow or reject, got %q", c.Keys.ReissuePolicy)
	}
	if !oneOf(c.Entitlement.UpstreamFailure, "error", "deny", "allow") {
		return fmt.Errorf("entitlement.upstream_failure must be error, deny or allow, got %q", c.Entitlement.UpstreamFailure)
	}
	if !oneOf(c.Delivery.KeyEnvelope, "none", "session") {
		return fmt.Errorf("delivery.key_envelope must be none or session, got %q", c.Delivery.KeyEnvelope)
	}
	if !oneOf(c.Pipeline.Sealer, "ffmpeg", "native") {
		return fmt.Errorf("pipeline.sealer must be ffmpeg or native, got %q", c.Pipeline.Sealer)
	}
	if !oneOf(c.Tracing.Exporter, "none", "stdout", "otlp", "jaeger") {
		return fmt.Errorf("tracing.exporter must be none, stdout, otlp or jaeger, got %q", c.Tracing.Exporter)
	}
	if !strings.HasPrefix(c.GatewayBaseURL, "http://") && !strings.HasPrefix(c.GatewayBaseURL, "https://") {
		return fmt.Errorf("gateway_base_url must be an absolute http(s) URL")
	}
	if c.Delivery.SegmentBaseURL != "" &&
		!strings.HasPrefix(c.Delivery.SegmentBaseURL, "http://") && !strings.HasPrefix(c.Delivery.SegmentBaseURL, "https://") {
		return fmt.Errorf("delivery.segment_base_url must be an absolute http(s) URL")
	}
	if c.Pipeline.SegmentDuration < time.Second {
		return fmt.Errorf("pipeline.segment_duration must be at least 1s")
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func setString(dst *string, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		*dst = v
	}
}

func setBool(dst *bool, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, env string) {
	if v, ok := os.LookupEnv(env); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
