package debug

import (
	"os"
	"sync"
)

var (
	enabled bool
	mu      sync.RWMutex
)

func init() {
	// Tests and tools that bypass main still honour DEBUG.
	InitFromEnv()
}

// Enabled returns whether debug mode is on. In debug mode pipeline runs keep
// their work directories (transcoder output, key-info descriptors) for
// inspection instead of removing them.
func Enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// SetEnabled sets debug mode.
func SetEnabled(value bool) {
	mu.Lock()
	defer mu.Unlock()
	enabled = value
}

// InitFromEnv enables debug mode when DEBUG=true or LOG_LEVEL=debug.
func InitFromEnv() {
	SetEnabled(os.Getenv("DEBUG") == "true" || os.Getenv("LOG_LEVEL") == "debug")
}

// InitFromLogLevel enables debug mode for a configured log level unless the
// environment already decided.
func InitFromLogLevel(logLevel string) {
	if os.Getenv("DEBUG") == "" && os.Getenv("LOG_LEVEL") == "" {
		SetEnabled(logLevel == "debug")
	}
}
