package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// Base URL of the chat service REST API, e.g. "https://chat.example.com/api".
	ServerURL string `env:"CHAT_SERVER_URL"`

	// Account credentials.
	Email    string `env:"CHAT_EMAIL"`
	Password string `env:"CHAT_PASSWORD"`

	// Username used when registering a new account. Optional; login-only
	// sessions never read it.
	Username string `env:"CHAT_USERNAME"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Number of messages fetched per history page.
	HistoryPageSize int `env:"HISTORY_PAGE_SIZE" envDefault:"50"`

	// Path of the local state database. Empty means ~/.chat-sync/state.db.
	StateDBPath string `env:"STATE_DB_PATH"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "chat-sync"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StateDBPath == "" {
		path, err := defaultStateDBPath()
		if err != nil {
			return nil, err
		}

		cfg.StateDBPath = path
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("CHAT_SERVER_URL is required")
	}

	if c.Email == "" {
		return fmt.Errorf("CHAT_EMAIL is required")
	}

	if c.Password == "" {
		return fmt.Errorf("CHAT_PASSWORD is required")
	}

	if c.HistoryPageSize <= 0 {
		return fmt.Errorf("HISTORY_PAGE_SIZE must be positive, got %d", c.HistoryPageSize)
	}

	return nil
}

func defaultStateDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chat-sync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
