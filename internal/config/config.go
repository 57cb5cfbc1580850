// Package config loads pollwatch configuration from a JSON file and the
// environment.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds all configuration for the poll client
type Config struct {
	APIBaseURL      string            `json:"apiBaseUrl"`
	PushURL         string            `json:"pushUrl,omitempty"` // derived from apiBaseUrl when empty
	Credentials     CredentialsConfig `json:"credentials"`
	Sync            SyncConfig        `json:"sync"`
	MutationTimeout Duration          `json:"mutationTimeout"`
	Debug           bool              `json:"debug"`
	LogLevel        string            `json:"logLevel"`
}

// CredentialsConfig selects where poll tokens are persisted
type CredentialsConfig struct {
	Backend      string   `json:"backend"` // sqlite, keyring or memory
	Path         string   `json:"path,omitempty"`
	PollInterval Duration `json:"pollInterval"`
}

// SyncConfig tunes the push channel reconnect policy
type SyncConfig struct {
	InitialBackoff Duration `json:"initialBackoff"`
	MaxBackoff     Duration `json:"maxBackoff"`
	MaxAttempts    int      `json:"maxAttempts"`
	ResyncAfter    Duration `json:"resyncAfter"`
}

// Duration is a time.Duration written as a Go duration string ("1.5s")
type Duration struct {
	time.Duration
}

// UnmarshalJSON accepts "10s" style strings or integer nanoseconds
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("duration must be a string like \"10s\": %s", b)
		}
		d.Duration = time.Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalJSON writes the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return ErrMissingAPIBaseURL
	}
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidAPIBaseURL
	}

	if push := c.ResolvedPushURL(); push != "" {
		u, err := url.Parse(push)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return ErrInvalidPushURL
		}
	}

	if err := c.Credentials.Validate(); err != nil {
		return err
	}

	for _, d := range []Duration{c.MutationTimeout, c.Sync.InitialBackoff, c.Sync.MaxBackoff, c.Sync.ResyncAfter} {
		if d.Duration <= 0 {
			return ErrInvalidDuration
		}
	}
	if c.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync.maxAttempts must be positive, got %d", c.Sync.MaxAttempts)
	}
	return nil
}

// Validate checks the credential backend settings
func (c *CredentialsConfig) Validate() error {
	switch c.Backend {
	case "sqlite":
		if c.Path == "" {
			return ErrMissingCredentialPath
		}
	case "keyring", "memory":
	default:
		return ErrUnknownCredentialBackend
	}
	if c.PollInterval.Duration <= 0 {
		return ErrInvalidDuration
	}
	return nil
}

// ResolvedPushURL returns PushURL, or the API base URL's /ws endpoint with
// the scheme switched to ws/wss.
func (c *Config) ResolvedPushURL() string {
	if c.PushURL != "" {
		return c.PushURL
	}
	base := strings.TrimRight(c.APIBaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	}
	return ""
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		APIBaseURL: "http://localhost:8000",
		Credentials: CredentialsConfig{
			Backend:      "sqlite",
			Path:         "pollwatch-credentials.db",
			PollInterval: Duration{time.Second},
		},
		Sync: SyncConfig{
			InitialBackoff: Duration{time.Second},
			MaxBackoff:     Duration{30 * time.Second},
			MaxAttempts:    10,
			ResyncAfter:    Duration{5 * time.Second},
		},
		MutationTimeout: Duration{10 * time.Second},
		Debug:           false,
		LogLevel:        "info",
	}
}
