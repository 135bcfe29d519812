// Package config loads daemon configuration from the environment, with
// optional .env overrides for local development.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all daemon settings.
type Config struct {
	// EnableSync turns the periodic sync loop on.
	EnableSync bool `env:"ENABLE_SYNC" envDefault:"true"`

	// EnableMCP exposes the sync tools over a streamable HTTP MCP server.
	EnableMCP bool `env:"ENABLE_MCP" envDefault:"false"`

	// GitHubToken authenticates against the gist API. Required when sync
	// is enabled and no token has been persisted yet.
	GitHubToken string `env:"GITHUB_TOKEN"`

	// GistID identifies the gist holding the sync file.
	GistID string `env:"GIST_ID"`

	// DeviceName identifies this device in snapshot metadata. Defaults to
	// the hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// StatePath overrides the default state database location.
	StatePath string `env:"STATE_PATH"`

	// SpoolDir, when set, is watched for host-dropped state files.
	SpoolDir string `env:"SPOOL_DIR"`

	// SyncInterval is the period of the full-sync loop.
	SyncInterval time.Duration `env:"SYNC_INTERVAL" envDefault:"5m"`

	// EncryptionPassword, when set, enables payload encryption.
	EncryptionPassword string `env:"SYNC_ENCRYPTION_PASSWORD"`

	// RulesPath points at an optional YAML sync-rules file.
	RulesPath string `env:"SYNC_RULES_PATH"`

	// Environment selects the log format: "production" means JSON.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// MCPListenAddr is the MCP HTTP listen address.
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
}

// Load reads configuration from a .env file (if present) and the
// environment.
func Load() (Config, error) {
	// A missing .env file is fine; real deployments set the environment
	// directly.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}

	if cfg.DeviceName == "" {
		host, err := os.Hostname()
		if err != nil {
			return Config{}, fmt.Errorf("determining hostname: %w", err)
		}
		cfg.DeviceName = host
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var problems []string

	if c.SyncInterval < time.Minute {
		problems = append(problems, "SYNC_INTERVAL must be at least 1m")
	}
	if c.EnableMCP && c.MCPListenAddr == "" {
		problems = append(problems, "MCP_LISTEN_ADDR is required when ENABLE_MCP is set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
