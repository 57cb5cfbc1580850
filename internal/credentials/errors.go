package credentials

import "errors"

var (
	// ErrUnknownBackend indicates an unsupported backend name in configuration
	ErrUnknownBackend = errors.New("unknown credential backend")

	// ErrClosed indicates the store was closed
	ErrClosed = errors.New("credential store closed")
)
