package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for mediasync.
type Config struct {
	// Catalog API endpoint and credentials.
	APIBaseURL string `env:"MEDIASYNC_API_URL"`
	APIToken   string `env:"MEDIASYNC_API_TOKEN"`

	// WebSocket host for the medium event stream. Defaults to the API
	// host when empty.
	WatchHost string `env:"MEDIASYNC_WATCH_HOST"`

	// Destination container (path prefix) under which uploaded replicas
	// are placed. Can be overridden per invocation on the command line.
	Container string `env:"MEDIASYNC_CONTAINER" envDefault:"replicas"`

	// Directory for the local state database (geometry cache, committed
	// ordering snapshots). Defaults to ~/.mediasync/.
	StateDir string `env:"MEDIASYNC_STATE_DIR"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// AssumeYes skips interactive prompts: conflicts resolve to
	// overwrite and removal confirmations to "detach only".
	AssumeYes bool `env:"MEDIASYNC_ASSUME_YES" envDefault:"false"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "mediasync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.StateDir == "" {
		dir, err := DefaultStateDir()
		if err != nil {
			return nil, err
		}

		cfg.StateDir = dir
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve StateDir to an absolute path at startup so downstream
	// path handling does not depend on the working directory.
	absDir, err := filepath.Abs(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("resolving state dir to absolute path: %w", err)
	}

	cfg.StateDir = absDir

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("MEDIASYNC_API_URL is required")
	}

	if c.APIToken == "" {
		return fmt.Errorf("MEDIASYNC_API_TOKEN is required")
	}

	if c.Container == "" {
		return fmt.Errorf("MEDIASYNC_CONTAINER must not be empty")
	}

	return nil
}

// DefaultStateDir returns the default state directory: ~/.mediasync/
func DefaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".mediasync"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
