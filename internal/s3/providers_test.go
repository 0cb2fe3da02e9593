package s3

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetProviderConfig(t *testing.T) {
	cfg, err := GetProviderConfig("AWS")
	require.NoError(t, err)
	assert.Equal(t, "AWS S3", cfg.Name)
	assert.False(t, cfg.PathStyle)

	cfg, err = GetProviderConfig("minio")
	require.NoError(t, err)
	assert.True(t, cfg.PathStyle)

	_, err = GetProviderConfig("unknown")
	assert.Error(t, err)

	_, err = GetProviderConfig("")
	assert.Error(t, err)
}

func TestValidateProviderConfig(t *testing.T) {
	tests := []struct {
		name         string
		endpoint     string
		provider     string
		region       string
		useSSL       bool
		wantEndpoint string
		wantRegion   string
		wantErr      bool
	}{
		{
			name:         "aws default region",
			provider:     "aws",
			wantEndpoint: "https://s3.us-east-1.amazonaws.com",
			wantRegion:   "us-east-1",
		},
		{
			name:         "aws templated region",
			provider:     "aws",
			region:       "eu-central-1",
			wantEndpoint: "https://s3.eu-central-1.amazonaws.com",
			wantRegion:   "eu-central-1",
		},
		{
			name:         "minio compose host without scheme",
			provider:     "minio",
			endpoint:     "minio:9000",
			wantEndpoint: "http://minio:9000",
			wantRegion:   "us-east-1",
		},
		{
			name:         "minio with ssl",
			provider:     "minio",
			endpoint:     "minio:9000/",
			useSSL:       true,
			wantEndpoint: "https://minio:9000",
			wantRegion:   "us-east-1",
		},
		{
			name:         "explicit scheme kept",
			provider:     "wasabi",
			endpoint:     "https://s3.eu-central-1.wasabisys.com/",
			wantEndpoint: "https://s3.eu-central-1.wasabisys.com",
			wantRegion:   "us-east-1",
		},
		{
			name:     "cloudflare needs endpoint",
			provider: "cloudflare",
			wantErr:  true,
		},
		{
			name:     "unknown provider",
			provider: "tape",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			endpoint, region, err := ValidateProviderConfig(tt.endpoint, tt.provider, tt.region, tt.useSSL)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantEndpoint, endpoint)
			assert.Equal(t, tt.wantRegion, region)
		})
	}
}

func TestValidateEndpoint(t *testing.T) {
	assert.NoError(t, ValidateEndpoint("https://s3.amazonaws.com"))
	assert.NoError(t, ValidateEndpoint("http://localhost:9000"))
	assert.Error(t, ValidateEndpoint("ftp://files.example.com"))
	assert.Error(t, ValidateEndpoint("https://"))
}

func TestRequiresPathStyleAddressing(t *testing.T) {
	assert.True(t, RequiresPathStyleAddressing("minio"))
	assert.True(t, RequiresPathStyleAddressing("garage"))
	assert.False(t, RequiresPathStyleAddressing("aws"))
	assert.False(t, RequiresPathStyleAddressing("nope"))
	assert.True(t, IsProviderSupported("Backblaze"))
}
