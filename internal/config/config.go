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

// Config holds all environment-based configuration for authbridge.
type Config struct {
	// AuthBridge project this client authenticates against.
	ProjectID string `env:"AUTHBRIDGE_PROJECT_ID"`

	// Base URL override. When empty the regional API URL is derived from
	// the project ID.
	BaseURL string `env:"AUTHBRIDGE_BASE_URL"`

	// WebSocket endpoint of the headless web runtime hosting flow pages.
	RuntimeURL string `env:"RUNTIME_URL" envDefault:"ws://127.0.0.1:9222/runtime"`

	// Flow selection. Either a single flow page URL, or a YAML manifest of
	// named flows plus the name to run.
	FlowURL       string `env:"FLOW_URL"`
	FlowsManifest string `env:"FLOWS_MANIFEST"`
	FlowName      string `env:"FLOW_NAME" envDefault:"sign-in"`

	// Session persistence. The passphrase protects the on-disk keyring,
	// leaving it empty disables persistence entirely. StoragePath defaults
	// to the user config directory.
	StoragePassphrase string `env:"AUTHBRIDGE_STORAGE_PASSPHRASE"`
	StoragePath       string `env:"AUTHBRIDGE_STORAGE_PATH"`

	// Environment controls log format
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

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve file paths to absolute at startup so later chdirs cannot
	// change what they refer to.
	if cfg.FlowsManifest != "" {
		absManifest, err := filepath.Abs(cfg.FlowsManifest)
		if err != nil {
			return nil, fmt.Errorf("resolving flows manifest path: %w", err)
		}

		cfg.FlowsManifest = absManifest
	}

	if cfg.StoragePath != "" {
		absStorage, err := filepath.Abs(cfg.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("resolving storage path: %w", err)
		}

		cfg.StoragePath = absStorage
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("AUTHBRIDGE_PROJECT_ID is required")
	}

	if c.FlowURL == "" && c.FlowsManifest == "" {
		return fmt.Errorf("one of FLOW_URL or FLOWS_MANIFEST is required")
	}

	if c.FlowURL != "" && c.FlowsManifest != "" {
		return fmt.Errorf("FLOW_URL and FLOWS_MANIFEST are mutually exclusive")
	}

	if c.FlowsManifest != "" && c.FlowName == "" {
		return fmt.Errorf("FLOW_NAME is required when FLOWS_MANIFEST is set")
	}

	// A storage path without a passphrase would silently persist nothing.
	if c.StoragePath != "" && c.StoragePassphrase == "" {
		return fmt.Errorf("AUTHBRIDGE_STORAGE_PASSPHRASE is required when AUTHBRIDGE_STORAGE_PATH is set")
	}

	return nil
}

// PersistenceEnabled reports whether sessions should be saved to disk.
func (c *Config) PersistenceEnabled() bool {
	return c.StoragePassphrase != ""
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
