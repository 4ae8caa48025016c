// Package storage keeps a local SQLite history of overlay registrations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// Store is the registration history database
type Store struct {
	db *sql.DB

	mu     sync.Mutex
	closed bool
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection keeps :memory: databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to enable WAL mode: %w", err), db.Close())
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to enable foreign keys: %w", err), db.Close())
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, multierr.Append(err, db.Close())
	}

	return s, nil
}

// initSchema creates database tables
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS registrations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		backend TEXT NOT NULL,
		hostname TEXT NOT NULL,
		public_key TEXT NOT NULL,
		assigned_address TEXT NOT NULL,
		peer_count INTEGER NOT NULL DEFAULT 0,
		registered_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS registration_peers (
		registration_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		public_key TEXT NOT NULL,
		overlay_address TEXT NOT NULL,
		endpoint TEXT,
		PRIMARY KEY (registration_id, position),
		FOREIGN KEY (registration_id) REFERENCES registrations(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_registrations_registered_at ON registrations(registered_at DESC);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if _, cerr := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("failed to checkpoint: %w", cerr))
	}
	return multierr.Append(err, s.db.Close())
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}
