// Package store persists identity cooldown windows across restarts so a
// relaunched painter cannot dispatch through windows it already spent.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS cooldowns (
	uid INTEGER PRIMARY KEY,
	ready_at TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize cooldowns schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Expiries returns every persisted cooldown expiry keyed by identity.
func (s *Store) Expiries() (map[uint32]time.Time, error) {
	rows, err := s.db.Query(`SELECT uid, ready_at FROM cooldowns`)
	if err != nil {
		return nil, fmt.Errorf("list cooldowns: %w", err)
	}
	defer rows.Close()

	out := make(map[uint32]time.Time)
	for rows.Next() {
		var uid uint32
		var readyAt string
		if err := rows.Scan(&uid, &readyAt); err != nil {
			return nil, fmt.Errorf("scan cooldown row: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, readyAt)
		if err != nil {
			return nil, fmt.Errorf("parse cooldown for uid %d: %w", uid, err)
		}
		out[uid] = ts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cooldown rows: %w", err)
	}
	return out, nil
}

// SetExpiry records when an identity next becomes dispatchable.
func (s *Store) SetExpiry(uid uint32, readyAt time.Time) error {
	_, err := s.db.Exec(`
INSERT INTO cooldowns (uid, ready_at) VALUES (?, ?)
ON CONFLICT(uid) DO UPDATE SET ready_at = excluded.ready_at`,
		uid, readyAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("persist cooldown for uid %d: %w", uid, err)
	}
	return nil
}
