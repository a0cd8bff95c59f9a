// Package config provides YAML configuration loading and validation for the
// heaptrace analyzer tool.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the analyzer.
// Every field is optional; the zero file is valid.
type Config struct {
	// Frequency is the default heavy-hitter reporting floor in (0, 1].
	// A positional CLI argument overrides it. Defaults to 0.01.
	Frequency float64 `yaml:"frequency"`

	// Error is the lossy-counting error bound in (0, 1]. Defaults to 0.001.
	Error float64 `yaml:"error"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// Store configures the optional report store.
	Store StoreConfig `yaml:"store"`

	// Serve configures the optional report HTTP API.
	Serve ServeConfig `yaml:"serve"`
}

// StoreConfig selects and parameterizes the report store backend.
type StoreConfig struct {
	// Driver is "sqlite" or "postgres". Empty disables the store.
	Driver string `yaml:"driver"`

	// Path is the SQLite database file. Required for the sqlite driver.
	Path string `yaml:"path"`

	// DSN is the PostgreSQL connection string. Required for the postgres
	// driver.
	DSN string `yaml:"dsn"`
}

// ServeConfig parameterizes the report HTTP API.
type ServeConfig struct {
	// Addr is the listen address (e.g. "127.0.0.1:9100"). Empty disables
	// serving unless the -serve flag supplies an address.
	Addr string `yaml:"addr"`

	// JWTPublicKeyPath points at a PEM-encoded RSA public key. When set,
	// all /api routes require an RS256 Bearer token verified against it.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`
}

// logLevels maps accepted log_level strings to their slog levels; its keys
// double as the validation set.
var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel returns the slog level selected by LogLevel. Unvalidated
// configurations fall back to info.
func (c *Config) SlogLevel() slog.Level {
	if l, ok := logLevels[c.LogLevel]; ok {
		return l
	}
	return slog.LevelInfo
}

// validDrivers is the set of accepted store drivers.
var validDrivers = map[string]bool{
	"":         true,
	"sqlite":   true,
	"postgres": true,
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all fields. A validation error joins every field
// failure found, not only the first.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Frequency == 0 {
		cfg.Frequency = 0.01
	}
	if cfg.Error == 0 {
		cfg.Error = 0.001
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// validate checks that all fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.Frequency <= 0 || cfg.Frequency > 1 {
		errs = append(errs, fmt.Errorf("frequency %v must be in (0, 1]", cfg.Frequency))
	}
	if cfg.Error <= 0 || cfg.Error > 1 {
		errs = append(errs, fmt.Errorf("error %v must be in (0, 1]", cfg.Error))
	}
	if _, ok := logLevels[cfg.LogLevel]; !ok {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if !validDrivers[cfg.Store.Driver] {
		errs = append(errs, fmt.Errorf("store.driver %q must be one of: sqlite, postgres", cfg.Store.Driver))
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required for the sqlite driver"))
	}
	if cfg.Store.Driver == "postgres" && cfg.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
	}

	return errors.Join(errs...)
}
