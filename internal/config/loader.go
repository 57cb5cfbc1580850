package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// Load loads configuration from a file path and applies environment variable overrides.
// Validation is deferred to allow CLI flag overrides to be applied first.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)
	return cfg, nil
}

// loadFromFile decodes a JSON file over cfg; absent keys keep their defaults
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrConfigFileNotFound
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfigFormat, err)
	}
	return nil
}

// applyEnvironmentOverrides applies configuration from environment variables
func applyEnvironmentOverrides(cfg *Config) {
	if apiURL := os.Getenv("POLL_API_BASE_URL"); apiURL != "" {
		cfg.APIBaseURL = apiURL
	}

	if pushURL := os.Getenv("POLL_PUSH_URL"); pushURL != "" {
		cfg.PushURL = pushURL
	}

	if backend := os.Getenv("POLL_CREDENTIALS_BACKEND"); backend != "" {
		cfg.Credentials.Backend = backend
	}

	if path := os.Getenv("POLL_CREDENTIALS_PATH"); path != "" {
		cfg.Credentials.Path = path
	}

	if debug := os.Getenv("POLL_DEBUG"); debug == "true" || debug == "1" {
		cfg.Debug = true
	}

	if logLevel := os.Getenv("POLL_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	if timeout := os.Getenv("POLL_MUTATION_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			log.Warn().Err(err).Str("value", timeout).Msg("ignoring invalid POLL_MUTATION_TIMEOUT")
		} else {
			cfg.MutationTimeout = Duration{d}
		}
	}
}

// LoadFromEnvironment creates a configuration using only environment variables.
// Validation is deferred to allow CLI flag overrides to be applied first.
func LoadFromEnvironment() (*Config, error) {
	cfg := DefaultConfig()
	applyEnvironmentOverrides(cfg)
	return cfg, nil
}
