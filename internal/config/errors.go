package config

import "errors"

var (
	// ErrMissingAPIBaseURL indicates that the API base URL is not configured
	ErrMissingAPIBaseURL = errors.New("apiBaseUrl is required in configuration")

	// ErrInvalidAPIBaseURL indicates that the API base URL is not an http(s) URL
	ErrInvalidAPIBaseURL = errors.New("apiBaseUrl must be an http or https URL")

	// ErrInvalidPushURL indicates that the push URL is not a ws(s) URL
	ErrInvalidPushURL = errors.New("pushUrl must be a ws or wss URL")

	// ErrUnknownCredentialBackend indicates an unsupported credentials.backend value
	ErrUnknownCredentialBackend = errors.New("credentials.backend must be sqlite, keyring or memory")

	// ErrMissingCredentialPath indicates that the sqlite backend has no file path
	ErrMissingCredentialPath = errors.New("credentials.path is required for the sqlite backend")

	// ErrInvalidDuration indicates a negative or zero duration setting
	ErrInvalidDuration = errors.New("duration settings must be positive")

	// ErrConfigFileNotFound indicates that the config file was not found
	ErrConfigFileNotFound = errors.New("configuration file not found")

	// ErrInvalidConfigFormat indicates that the config file has invalid JSON
	ErrInvalidConfigFormat = errors.New("invalid configuration file format")
)
