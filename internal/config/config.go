// Package config holds process configuration (environment variables) and the
// plan file that selects tests, declares capability gaps and known workarounds.
package config

import (
	"os"
	"strconv"
	"time"
)

// Environment variables read by Load.
const (
	EnvLogDir      = "SHMEMVV_LOG_DIR"
	EnvPE          = "SHMEMVV_PE"
	EnvNPEs        = "SHMEMVV_NPES"
	EnvStore       = "SHMEMVV_STORE"
	EnvRunID       = "SHMEMVV_RUN_ID"
	EnvBackend     = "SHMEMVV_BACKEND"
	EnvPollTimeout = "SHMEMVV_POLL_TIMEOUT"
)

// Backends.
const (
	BackendLoopback = "loopback"
	BackendSQLite   = "sqlite"
)

// DefaultPollTimeout bounds every harness-level completion poll.
const DefaultPollTimeout = 2 * time.Second

// Config is the process configuration.
type Config struct {
	// Backend selects the library binding.
	Backend string
	// NPEs is the job size.
	NPEs int
	// PE is this process's rank under the sqlite backend, -1 when unset.
	PE int
	// StorePath is the shared database of a multi-process run.
	StorePath string
	// RunID identifies the run inside the store.
	RunID string
	// LogDir is where per-PE diagnostic logs are written.
	LogDir string
	// PollTimeout bounds completion polls in test bodies.
	PollTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	return Config{
		Backend:     getenv(EnvBackend, BackendLoopback),
		NPEs:        getenvInt(EnvNPEs, 2),
		PE:          getenvInt(EnvPE, -1),
		StorePath:   os.Getenv(EnvStore),
		RunID:       os.Getenv(EnvRunID),
		LogDir:      getenv(EnvLogDir, os.TempDir()),
		PollTimeout: getenvDuration(EnvPollTimeout, DefaultPollTimeout),
	}
}

// Child is true when the process was spawned by launch to act as one PE.
func (c Config) Child() bool {
	return c.Backend == BackendSQLite && c.PE >= 0 && c.StorePath != "" && c.RunID != ""
}

// Environ renders the variables a spawned PE process needs.
func (c Config) Environ() []string {
	return []string{
		EnvBackend + "=" + c.Backend,
		EnvNPEs + "=" + strconv.Itoa(c.NPEs),
		EnvPE + "=" + strconv.Itoa(c.PE),
		EnvStore + "=" + c.StorePath,
		EnvRunID + "=" + c.RunID,
		EnvLogDir + "=" + c.LogDir,
		EnvPollTimeout + "=" + c.PollTimeout.String(),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
