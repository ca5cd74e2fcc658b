package config

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// Chat API endpoint, e.g. https://api.learnloop.app
	APIBaseURL string `env:"CHAT_API_URL"`

	// Bearer token for the API and the push channel.
	Token string `env:"CHAT_TOKEN"`

	// Group and user identity for the session.
	GroupID string `env:"CHAT_GROUP_ID"`
	UserID  string `env:"CHAT_USER_ID"`

	// Display name used for optimistic entries before the server echoes
	// the profile back. Defaults to the user id.
	DisplayName string `env:"CHAT_DISPLAY_NAME"`

	// MatchWindow bounds optimistic/confirmed entry matching.
	MatchWindow time.Duration `env:"CHAT_MATCH_WINDOW" envDefault:"5s"`

	// PageSize for message history fetches.
	PageSize int `env:"CHAT_PAGE_SIZE" envDefault:"50"`

	// MetricsListenAddr exposes prometheus metrics when non-empty.
	MetricsListenAddr string `env:"METRICS_LISTEN_ADDR"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the session token to other users.
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

	if cfg.DisplayName == "" {
		cfg.DisplayName = cfg.UserID
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("CHAT_API_URL is required")
	}
	if !strings.HasPrefix(c.APIBaseURL, "http://") && !strings.HasPrefix(c.APIBaseURL, "https://") {
		return fmt.Errorf("CHAT_API_URL must be an http(s) URL")
	}

	if c.Token == "" {
		return fmt.Errorf("CHAT_TOKEN is required")
	}

	if c.GroupID == "" {
		return fmt.Errorf("CHAT_GROUP_ID is required")
	}

	if c.UserID == "" {
		return fmt.Errorf("CHAT_USER_ID is required")
	}

	if c.MatchWindow < 0 {
		return fmt.Errorf("CHAT_MATCH_WINDOW must not be negative")
	}

	if c.PageSize <= 0 {
		return fmt.Errorf("CHAT_PAGE_SIZE must be positive")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
