package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/zalando/go-keyring"
)

const (
	keyringService = "com.erauner.pollsync"
	keyringIndex   = "poll-index"
)

// Keyring stores tokens in the OS keychain. The keychain cannot enumerate
// accounts, so the set of poll ids is kept in a separate index entry.
type Keyring struct {
	mu sync.Mutex
}

// NewKeyring creates a keychain-backed credential backend
func NewKeyring() *Keyring {
	return &Keyring{}
}

func keyringAccount(pollID int64) string {
	return fmt.Sprintf("poll:%d", pollID)
}

func (k *Keyring) Load(ctx context.Context) (map[int64]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	ids, err := k.readIndex()
	if err != nil {
		return nil, err
	}

	out := make(map[int64]string, len(ids))
	for _, id := range ids {
		token, err := keyring.Get(keyringService, keyringAccount(id))
		if errors.Is(err, keyring.ErrNotFound) {
			continue // index is ahead of a concurrent delete
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read credential for poll %d: %w", id, err)
		}
		out[id] = token
	}
	return out, nil
}

func (k *Keyring) Put(ctx context.Context, pollID int64, token string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	account := keyringAccount(pollID)
	if err := keyring.Set(keyringService, account, token); err != nil {
		log.Debug().
			Err(err).
			Str("account", account).
			Msg("keyring not available, token will be stored in-memory only")
		return err
	}

	ids, err := k.readIndex()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == pollID {
			return nil
		}
	}
	return k.writeIndex(append(ids, pollID))
}

func (k *Keyring) Delete(ctx context.Context, pollID int64) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	account := keyringAccount(pollID)
	if err := keyring.Delete(keyringService, account); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		log.Debug().
			Err(err).
			Str("account", account).
			Msg("failed to delete poll token from keyring")
		return err
	}

	ids, err := k.readIndex()
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, id := range ids {
		if id != pollID {
			kept = append(kept, id)
		}
	}
	return k.writeIndex(kept)
}

func (k *Keyring) Close() error { return nil }

func (k *Keyring) readIndex() ([]int64, error) {
	raw, err := keyring.Get(keyringService, keyringIndex)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read keyring index: %w", err)
	}

	var ids []int64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("corrupt keyring index: %w", err)
	}
	return ids, nil
}

func (k *Keyring) writeIndex(ids []int64) error {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	if err := keyring.Set(keyringService, keyringIndex, string(raw)); err != nil {
		return fmt.Errorf("failed to write keyring index: %w", err)
	}
	return nil
}
