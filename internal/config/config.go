package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the proxy.
type Config struct {
	// Address the metadata proxy listens on. The debugger agent is told
	// to reach the metadata service here instead of the real one.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:"localhost:7900"`

	// Path to the service account JSON key used to mint tokens.
	KeyFile string `env:"KEY_FILE" envDefault:"key.json"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Minimum log level: debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Timeout applied to passthrough calls against the real metadata
	// service. A hung upstream must not pin handler goroutines forever.
	UpstreamTimeout time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"30s"`
}

// warnInsecureKeyFile checks whether the key file has overly permissive
// permissions. On Unix systems, group or world readable service account
// keys risk exposing cloud credentials to other users.
func warnInsecureKeyFile(path string) {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		return // missing file is reported properly at credential load
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: key file %s has insecure permissions %04o; recommended 0600", path, mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve the key file to an absolute path so startup diagnostics
	// and permission warnings name the actual file regardless of the
	// working directory the proxy was launched from.
	absKey, err := filepath.Abs(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("resolving key file to absolute path: %w", err)
	}
	cfg.KeyFile = absKey

	warnInsecureKeyFile(cfg.KeyFile)

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR must not be empty")
	}

	if c.KeyFile == "" {
		return fmt.Errorf("KEY_FILE must not be empty")
	}

	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be positive")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
