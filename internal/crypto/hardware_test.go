package crypto

import (
	"runtime"
	"testing"

	"github.com/kenneth/segment-key-gateway/internal/config"
	"github.com/stretchr/testify/assert"
)

func withAESInstructions(t *testing.T, present bool) {
	t.Helper()
	orig := aesInstructions
	aesInstructions = func() bool { return present }
	t.Cleanup(func() { aesInstructions = orig })
}

func TestCheckHardware(t *testing.T) {
	withAESInstructions(t, false)
	assert.NoError(t, CheckHardware(config.HardwareConfig{}))
	assert.ErrorIs(t, CheckHardware(config.HardwareConfig{RequireAES: true}), ErrNoAESInstructions)

	withAESInstructions(t, true)
	assert.NoError(t, CheckHardware(config.HardwareConfig{RequireAES: true}))
}

func TestCipherInfo(t *testing.T) {
	withAESInstructions(t, true)
	info := CipherInfo()

	assert.Equal(t, "aes-128-cbc", info["segment_cipher"])
	assert.Equal(t, "xchacha20-poly1305", info["envelope_cipher"])
	assert.Equal(t, true, info["aes_instructions"])
	assert.Equal(t, runtime.GOARCH, info["architecture"])
}
