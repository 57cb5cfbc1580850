package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var pollEnvKeys = []string{
	"POLL_API_BASE_URL", "POLL_PUSH_URL", "POLL_CREDENTIALS_BACKEND",
	"POLL_CREDENTIALS_PATH", "POLL_DEBUG", "POLL_LOG_LEVEL", "POLL_MUTATION_TIMEOUT",
}

func clearPollEnv(t *testing.T) {
	t.Helper()
	for _, key := range pollEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		checks  func(*testing.T, *Config)
	}{
		{
			name:    "defaults when no env set",
			envVars: map[string]string{},
			checks: func(t *testing.T, cfg *Config) {
				if cfg.APIBaseURL != "http://localhost:8000" {
					t.Errorf("expected default APIBaseURL, got %s", cfg.APIBaseURL)
				}
				if cfg.LogLevel != "info" {
					t.Errorf("expected default LogLevel=info, got %s", cfg.LogLevel)
				}
				if cfg.Sync.MaxAttempts != 10 || cfg.Sync.MaxBackoff.Duration != 30*time.Second {
					t.Errorf("unexpected sync defaults %+v", cfg.Sync)
				}
				if err := cfg.Validate(); err != nil {
					t.Errorf("defaults should validate: %v", err)
				}
			},
		},
		{
			name: "overrides from env",
			envVars: map[string]string{
				"POLL_API_BASE_URL":        "https://polls.example.com",
				"POLL_CREDENTIALS_BACKEND": "keyring",
				"POLL_DEBUG":               "1",
				"POLL_LOG_LEVEL":           "debug",
				"POLL_MUTATION_TIMEOUT":    "3s",
			},
			checks: func(t *testing.T, cfg *Config) {
				if cfg.APIBaseURL != "https://polls.example.com" {
					t.Errorf("expected APIBaseURL override, got %s", cfg.APIBaseURL)
				}
				if cfg.Credentials.Backend != "keyring" {
					t.Errorf("expected keyring backend, got %s", cfg.Credentials.Backend)
				}
				if !cfg.Debug || cfg.LogLevel != "debug" {
					t.Error("expected debug logging")
				}
				if cfg.MutationTimeout.Duration != 3*time.Second {
					t.Errorf("expected MutationTimeout=3s, got %s", cfg.MutationTimeout)
				}
				if got := cfg.ResolvedPushURL(); got != "wss://polls.example.com/ws" {
					t.Errorf("expected derived push URL, got %s", got)
				}
			},
		},
		{
			name: "invalid timeout keeps default",
			envVars: map[string]string{
				"POLL_MUTATION_TIMEOUT": "soon",
			},
			checks: func(t *testing.T, cfg *Config) {
				if cfg.MutationTimeout.Duration != 10*time.Second {
					t.Errorf("expected default MutationTimeout, got %s", cfg.MutationTimeout)
				}
			},
		},
		{
			name: "explicit push url wins",
			envVars: map[string]string{
				"POLL_API_BASE_URL": "http://localhost:9000/",
				"POLL_PUSH_URL":     "ws://push.local/events",
			},
			checks: func(t *testing.T, cfg *Config) {
				if got := cfg.ResolvedPushURL(); got != "ws://push.local/events" {
					t.Errorf("expected explicit push URL, got %s", got)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearPollEnv(t)
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := LoadFromEnvironment()
			if err != nil {
				t.Fatalf("LoadFromEnvironment() error = %v", err)
			}
			tt.checks(t, cfg)
		})
	}
}

func TestLoad(t *testing.T) {
	clearPollEnv(t)
	tmpDir := t.TempDir()

	testConfigPath := filepath.Join(tmpDir, "pollwatch.json")
	testConfigJSON := `{
  "apiBaseUrl": "http://test-api:8080",
  "debug": true,
  "logLevel": "debug",
  "credentials": {
    "backend": "sqlite",
    "path": "/tmp/creds.db",
    "pollInterval": "250ms"
  },
  "sync": {
    "initialBackoff": "500ms",
    "maxAttempts": 4
  }
}`
	if err := os.WriteFile(testConfigPath, []byte(testConfigJSON), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(testConfigPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.APIBaseURL != "http://test-api:8080" {
		t.Errorf("expected APIBaseURL=http://test-api:8080, got %s", cfg.APIBaseURL)
	}
	if cfg.Credentials.PollInterval.Duration != 250*time.Millisecond {
		t.Errorf("expected pollInterval=250ms, got %s", cfg.Credentials.PollInterval)
	}
	if cfg.Sync.InitialBackoff.Duration != 500*time.Millisecond || cfg.Sync.MaxAttempts != 4 {
		t.Errorf("unexpected sync config %+v", cfg.Sync)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Sync.MaxBackoff.Duration != 30*time.Second || cfg.Sync.ResyncAfter.Duration != 5*time.Second {
		t.Errorf("expected default backoff ceiling and resync gap, got %+v", cfg.Sync)
	}
	if got := cfg.ResolvedPushURL(); got != "ws://test-api:8080/ws" {
		t.Errorf("expected derived push URL, got %s", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoad_Errors(t *testing.T) {
	clearPollEnv(t)
	tmpDir := t.TempDir()

	if _, err := Load(filepath.Join(tmpDir, "missing.json")); !errors.Is(err, ErrConfigFileNotFound) {
		t.Errorf("expected ErrConfigFileNotFound, got %v", err)
	}

	bad := filepath.Join(tmpDir, "bad.json")
	os.WriteFile(bad, []byte(`{"mutationTimeout": "forever"}`), 0o644)
	if _, err := Load(bad); !errors.Is(err, ErrInvalidConfigFormat) {
		t.Errorf("expected ErrInvalidConfigFormat, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"missing api url", func(c *Config) { c.APIBaseURL = "" }, ErrMissingAPIBaseURL},
		{"non-http api url", func(c *Config) { c.APIBaseURL = "ftp://example.com" }, ErrInvalidAPIBaseURL},
		{"http push url", func(c *Config) { c.PushURL = "http://example.com/ws" }, ErrInvalidPushURL},
		{"unknown backend", func(c *Config) { c.Credentials.Backend = "etcd" }, ErrUnknownCredentialBackend},
		{"sqlite without path", func(c *Config) { c.Credentials.Path = "" }, ErrMissingCredentialPath},
		{"zero timeout", func(c *Config) { c.MutationTimeout = Duration{} }, ErrInvalidDuration},
		{"memory without path", func(c *Config) { c.Credentials = CredentialsConfig{Backend: "memory", PollInterval: Duration{time.Second}} }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == nil {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() error = %v, want %v", err, tt.want)
			}
		})
	}
}
