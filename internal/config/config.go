// Package config loads the credentials and defaults the CLI hands to the
// engine. Values come from an optional YAML file overridden by environment
// variables; the resulting struct is built once at startup and passed down
// explicitly — there is no mutable global credential state.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultBaseURL is the production API endpoint.
const DefaultBaseURL = "https://api.intercom.io"

// Environment variable names.
const (
	EnvAccessToken = "SWEEP_ACCESS_TOKEN"
	EnvAdminID     = "SWEEP_ADMIN_ID"
	EnvBaseURL     = "SWEEP_BASE_URL"
)

// Validation errors.
var (
	ErrMissingAccessToken = errors.New("access token is required (set " + EnvAccessToken + ")")
	ErrMissingAdminID     = errors.New("admin ID is required (set " + EnvAdminID + ")")
)

// Config holds the API credentials and connection settings.
type Config struct {
	// AccessToken authenticates every request (Bearer token).
	AccessToken string `yaml:"access_token"`

	// AdminID is the admin identity mutations are attributed to.
	AdminID string `yaml:"admin_id"`

	// BaseURL is the API root. Defaults to DefaultBaseURL.
	BaseURL string `yaml:"base_url"`

	// Logging controls log output.
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig is the logging section of the config file.
type LoggingConfig struct {
	// Level is a zerolog level name; defaults to "info".
	Level string `yaml:"level"`

	// Format is "console" or "json"; empty selects by terminal detection.
	Format string `yaml:"format"`
}

// Load reads the config file at path (skipped when path is empty or the file
// does not exist), applies environment overrides, and fills defaults. The
// result is not yet validated; call Validate before use so commands that
// never touch the API can still run.
func Load(path string) (Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Optional file.
		case err != nil:
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		}
	}

	if v := os.Getenv(EnvAccessToken); v != "" {
		cfg.AccessToken = v
	}
	if v := os.Getenv(EnvAdminID); v != "" {
		cfg.AdminID = v
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		cfg.BaseURL = v
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	return cfg, nil
}

// Validate checks that the credentials needed for API access are present.
func (c Config) Validate() error {
	if c.AccessToken == "" {
		return ErrMissingAccessToken
	}
	if c.AdminID == "" {
		return ErrMissingAdminID
	}
	return nil
}
