// Package config loads daemon settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"

	"github.com/cruciblehq/stevedore/internal/paths"
	"github.com/cruciblehq/stevedore/internal/runtime"
)

var ErrConfig = errors.New("invalid configuration")

// Environment variables read by [Load].
const (
	EnvDataDir     = "STEVEDORE_DATA_DIR"
	EnvSocket      = "STEVEDORE_SOCKET"
	EnvIsolate     = "STEVEDORE_ISOLATE"
	EnvStopTimeout = "STEVEDORE_STOP_TIMEOUT"
	EnvMemoryLimit = "STEVEDORE_MEMORY_LIMIT"
)

// Daemon settings.
type Config struct {
	DataDir     string        // Root of the layer store, metadata and containers.
	Socket      string        // Unix socket the daemon listens on.
	Isolate     bool          // Run processes in their own namespaces; on unless disabled.
	StopTimeout time.Duration // Grace period before a stop escalates to a kill.
	MemoryLimit uint64        // Per-process address space limit in bytes, zero for none.
}

// Loads configuration from the environment.
//
// A .env file in the working directory is read first if present; variables
// already set in the environment take precedence over it. Processes are
// isolated unless STEVEDORE_ISOLATE is set to false, which lets them see the
// host filesystem and is only meant for debugging.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:     getEnv(EnvDataDir, paths.Data()),
		Socket:      getEnv(EnvSocket, paths.Socket()),
		Isolate:     true,
		StopTimeout: runtime.DefaultStopTimeout,
	}

	if v := os.Getenv(EnvIsolate); v != "" {
		isolate, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrConfig, EnvIsolate, err)
		}
		cfg.Isolate = isolate
	}

	if v := os.Getenv(EnvStopTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrConfig, EnvStopTimeout, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("%w: %s must be positive", ErrConfig, EnvStopTimeout)
		}
		cfg.StopTimeout = d
	}

	if v := os.Getenv(EnvMemoryLimit); v != "" {
		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrConfig, EnvMemoryLimit, err)
		}
		cfg.MemoryLimit = size.Bytes()
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
