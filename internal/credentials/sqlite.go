package credentials

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const credentialSchema = `
CREATE TABLE IF NOT EXISTS poll_credential (
	poll_id    INTEGER PRIMARY KEY,
	token      TEXT NOT NULL,
	created_at INTEGER NOT NULL
)`

// SQLite stores tokens in a device-local database file. Several processes
// may open the same file; Changed reports commits made by any of them.
type SQLite struct {
	db *sql.DB

	mu          sync.Mutex
	dataVersion int64
	haveVersion bool
}

// OpenSQLite opens (creating if needed) the credential database at path
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite credential backend requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create credential directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential database: %w", err)
	}

	// One connection: PRAGMA data_version is tracked per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		credentialSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to prepare credential database: %w", err)
		}
	}

	log.Debug().Str("path", path).Msg("credential database opened")
	return &SQLite{db: db}, nil
}

func (s *SQLite) Load(ctx context.Context) (map[int64]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT poll_id, token FROM poll_credential`)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]string)
	for rows.Next() {
		var id int64
		var token string
		if err := rows.Scan(&id, &token); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		out[id] = token
	}
	return out, rows.Err()
}

func (s *SQLite) Put(ctx context.Context, pollID int64, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO poll_credential (poll_id, token, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (poll_id) DO UPDATE SET token = excluded.token`,
		pollID, token, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, pollID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM poll_credential WHERE poll_id = ?`, pollID); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// Changed reports whether another connection committed since the last call.
// The first call always reports true.
func (s *SQLite) Changed(ctx context.Context) (bool, error) {
	var v int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v); err != nil {
		return false, fmt.Errorf("failed to read data_version: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	changed := !s.haveVersion || v != s.dataVersion
	s.dataVersion, s.haveVersion = v, true
	return changed, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
