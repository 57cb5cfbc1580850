package credentials

import (
	"context"
	"fmt"
	"sync"
)

// Backend persists poll tokens. Implementations must be safe for use by
// several Stores on the same device (other windows, other processes).
type Backend interface {
	Load(ctx context.Context) (map[int64]string, error)
	Put(ctx context.Context, pollID int64, token string) error
	Delete(ctx context.Context, pollID int64) error
	Close() error
}

// ChangeDetector is implemented by backends that can cheaply tell whether
// another writer touched them since the last call.
type ChangeDetector interface {
	Changed(ctx context.Context) (bool, error)
}

// OpenBackend creates a backend by configuration name
func OpenBackend(name, path string) (Backend, error) {
	switch name {
	case "sqlite", "":
		return OpenSQLite(path)
	case "keyring":
		return NewKeyring(), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
}

// Memory is a process-local backend. Stores sharing one Memory see each
// other's writes, which is how tests model two windows of the same app.
type Memory struct {
	mu     sync.Mutex
	tokens map[int64]string
}

// NewMemory creates an empty in-memory backend
func NewMemory() *Memory {
	return &Memory{tokens: make(map[int64]string)}
}

func (m *Memory) Load(ctx context.Context) (map[int64]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[int64]string, len(m.tokens))
	for k, v := range m.tokens {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) Put(ctx context.Context, pollID int64, token string) error {
	m.mu.Lock()
	m.tokens[pollID] = token
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(ctx context.Context, pollID int64) error {
	m.mu.Lock()
	delete(m.tokens, pollID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
