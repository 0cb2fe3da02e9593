package crypto

import (
	"errors"
	"runtime"

	"github.com/kenneth/segment-key-gateway/internal/config"
	"golang.org/x/sys/cpu"
)

// ErrNoAESInstructions is returned by CheckHardware when AES instructions are
// required but missing.
var ErrNoAESInstructions = errors.New("cpu has no AES instructions")

// aesInstructions is replaced in tests.
var aesInstructions = func() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasAES && cpu.X86.HasPCLMULQDQ
	case "arm64":
		return cpu.ARM64.HasAES
	case "s390x":
		return cpu.S390X.HasAES
	default:
		return false
	}
}

// CheckHardware enforces hardware.require_aes. Without AES instructions
// crypto/aes falls back to a slower software path for segment sealing.
func CheckHardware(cfg config.HardwareConfig) error {
	if cfg.RequireAES && !aesInstructions() {
		return ErrNoAESInstructions
	}
	return nil
}

// CipherInfo returns start-up log fields naming the ciphers in use and
// whether segment sealing runs on AES instructions.
func CipherInfo() map[string]interface{} {
	return map[string]interface{}{
		"segment_cipher":   "aes-128-cbc",
		"envelope_cipher":  "xchacha20-poly1305",
		"aes_instructions": aesInstructions(),
		"architecture":     runtime.GOARCH,
		"go_version":       runtime.Version(),
	}
}
