// Package credentials keeps the per-poll capability tokens this device
// received when it created polls.
package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultPollInterval is how often Watch checks the backend for writes made
// by other processes
const DefaultPollInterval = time.Second

// Store is a synchronous token cache in front of a durable Backend. Writes
// made through this Store update the cache directly; writes made by other
// Stores on the same backend are picked up by Sync/Watch. Both paths notify
// subscribers with the affected poll id.
type Store struct {
	backend Backend

	// opMu serialises backend writes with reloads so a reload never
	// overwrites a token written concurrently through this Store.
	opMu sync.Mutex

	mu     sync.RWMutex
	tokens map[int64]string
	closed bool

	subMu   sync.Mutex
	subs    map[int]func(pollID int64)
	nextSub int
}

// Open loads the current tokens from backend
func Open(ctx context.Context, backend Backend) (*Store, error) {
	tokens, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	log.Debug().Int("count", len(tokens)).Msg("credential store opened")

	return &Store{
		backend: backend,
		tokens:  tokens,
		subs:    make(map[int]func(int64)),
	}, nil
}

// Get returns the token for pollID
func (s *Store) Get(pollID int64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[pollID]
	return tok, ok
}

// Put records the token for pollID. The cache is updated even if the backend
// write fails, so the token is usable for the rest of the session; the
// backend error is still returned.
func (s *Store) Put(ctx context.Context, pollID int64, token string) error {
	s.opMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.opMu.Unlock()
		return ErrClosed
	}
	prev, had := s.tokens[pollID]
	s.tokens[pollID] = token
	s.mu.Unlock()

	err := s.backend.Put(ctx, pollID, token)
	s.opMu.Unlock()
	if err != nil {
		log.Warn().Err(err).Int64("pollId", pollID).Msg("credential kept in memory only")
		err = fmt.Errorf("failed to persist credential for poll %d: %w", pollID, err)
	}

	if !had || prev != token {
		s.notify(pollID)
	}
	return err
}

// Invalidate forgets the token for pollID, e.g. after the server rejected it
func (s *Store) Invalidate(ctx context.Context, pollID int64) error {
	s.opMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.opMu.Unlock()
		return ErrClosed
	}
	_, had := s.tokens[pollID]
	delete(s.tokens, pollID)
	s.mu.Unlock()

	err := s.backend.Delete(ctx, pollID)
	s.opMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to delete credential for poll %d: %w", pollID, err)
	}

	if had {
		log.Info().Int64("pollId", pollID).Msg("credential invalidated")
		s.notify(pollID)
	}
	return nil
}

// Subscribe registers fn to be called with the poll id of every token that
// appears, changes or disappears. The returned func removes it.
func (s *Store) Subscribe(fn func(pollID int64)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(pollID int64) {
	s.subMu.Lock()
	fns := make([]func(int64), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(pollID)
	}
}

// Sync reloads the backend and notifies subscribers of every poll id whose
// token differs from the cache.
func (s *Store) Sync(ctx context.Context) error {
	s.opMu.Lock()
	fresh, err := s.backend.Load(ctx)
	if err != nil {
		s.opMu.Unlock()
		return fmt.Errorf("failed to reload credentials: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.opMu.Unlock()
		return ErrClosed
	}
	var changed []int64
	for id, tok := range fresh {
		if old, ok := s.tokens[id]; !ok || old != tok {
			changed = append(changed, id)
		}
	}
	for id := range s.tokens {
		if _, ok := fresh[id]; !ok {
			changed = append(changed, id)
		}
	}
	s.tokens = fresh
	s.mu.Unlock()
	s.opMu.Unlock()

	for _, id := range changed {
		log.Debug().Int64("pollId", id).Msg("credential changed by another writer")
		s.notify(id)
	}
	return nil
}

// Watch polls the backend for external writes until ctx is done
func (s *Store) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	detector, _ := s.backend.(ChangeDetector)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if detector != nil {
			changed, err := detector.Changed(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("credential change check failed")
				continue
			}
			if !changed {
				continue
			}
		}

		if err := s.Sync(ctx); err != nil {
			if err == ErrClosed {
				return
			}
			log.Warn().Err(err).Msg("credential sync failed")
		}
	}
}

// Close releases the backend
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.backend.Close()
}
