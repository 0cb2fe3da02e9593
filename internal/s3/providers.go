package s3

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ProviderConfig holds provider-specific defaults.
type ProviderConfig struct {
	Name             string
	DefaultEndpoint  string
	EndpointTemplate string // formatted with the region when set
	DefaultRegion    string
	PathStyle        bool
}

// KnownProviders lists the S3-compatible services the gateway has been run
// against.
var KnownProviders = map[string]ProviderConfig{
	"aws": {
		Name:             "AWS S3",
		DefaultEndpoint:  "https://s3.amazonaws.com",
		EndpointTemplate: "https://s3.%s.amazonaws.com",
		DefaultRegion:    "us-east-1",
	},
	"minio": {
		Name:            "MinIO",
		DefaultEndpoint: "http://localhost:9000",
		DefaultRegion:   "us-east-1",
		PathStyle:       true,
	},
	"garage": {
		Name:            "Garage",
		DefaultEndpoint: "http://localhost:3900",
		DefaultRegion:   "garage",
		PathStyle:       true,
	},
	"wasabi": {
		Name:             "Wasabi",
		DefaultEndpoint:  "https://s3.wasabisys.com",
		EndpointTemplate: "https://s3.%s.wasabisys.com",
		DefaultRegion:    "us-east-1",
	},
	"backblaze": {
		Name:             "Backblaze B2",
		DefaultEndpoint:  "https://s3.us-west-000.backblazeb2.com",
		EndpointTemplate: "https://s3.%s.backblazeb2.com",
		DefaultRegion:    "us-west-000",
		PathStyle:        true,
	},
	"cloudflare": {
		Name:          "Cloudflare R2",
		DefaultRegion: "auto",
	},
	"digitalocean": {
		Name:             "DigitalOcean Spaces",
		DefaultEndpoint:  "https://nyc3.digitaloceanspaces.com",
		EndpointTemplate: "https://%s.digitaloceanspaces.com",
		DefaultRegion:    "nyc3",
	},
}

// GetProviderConfig returns the defaults for a provider.
func GetProviderConfig(provider string) (ProviderConfig, error) {
	if provider == "" {
		return ProviderConfig{}, fmt.Errorf("provider name is required")
	}
	cfg, ok := KnownProviders[strings.ToLower(provider)]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("unknown provider: %s (supported: %s)",
			provider, strings.Join(providerNames(), ", "))
	}
	return cfg, nil
}

// ValidateProviderConfig resolves the endpoint and region for a provider,
// filling in defaults. useSSL only affects endpoints given without a scheme.
func ValidateProviderConfig(endpoint, provider, region string, useSSL bool) (string, string, error) {
	cfg, err := GetProviderConfig(provider)
	if err != nil {
		return "", "", err
	}
	if region == "" {
		region = cfg.DefaultRegion
	}

	if endpoint == "" {
		switch {
		case cfg.EndpointTemplate != "" && region != "":
			endpoint = fmt.Sprintf(cfg.EndpointTemplate, region)
		case cfg.DefaultEndpoint != "":
			endpoint = cfg.DefaultEndpoint
		default:
			return "", "", fmt.Errorf("provider %s requires an explicit endpoint", provider)
		}
	}

	endpoint = normalizeEndpoint(endpoint, useSSL)
	if err := ValidateEndpoint(endpoint); err != nil {
		return "", "", err
	}
	return endpoint, region, nil
}

func normalizeEndpoint(endpoint string, useSSL bool) string {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		scheme := "https://"
		if !useSSL && isLocalHost(endpoint) {
			scheme = "http://"
		}
		endpoint = scheme + endpoint
	}
	return strings.TrimSuffix(endpoint, "/")
}

func isLocalHost(hostport string) bool {
	host := hostport
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host == "localhost" || host == "127.0.0.1" || !strings.Contains(host, ".")
}

// ValidateEndpoint checks that an endpoint URL is well-formed.
func ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint must use http:// or https:// scheme")
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint must include a hostname")
	}
	return nil
}

func providerNames() []string {
	names := make([]string, 0, len(KnownProviders))
	for name := range KnownProviders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsProviderSupported checks if a provider is supported.
func IsProviderSupported(provider string) bool {
	_, ok := KnownProviders[strings.ToLower(provider)]
	return ok
}

// RequiresPathStyleAddressing reports whether a provider needs path-style
// bucket addressing.
func RequiresPathStyleAddressing(provider string) bool {
	cfg, err := GetProviderConfig(provider)
	if err != nil {
		return false
	}
	return cfg.PathStyle
}
