// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent event persistence with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	closed atomic.Bool
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. The path ":memory:" opens a
// private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	inMemory := path == ":memory:" || strings.HasPrefix(path, "file::memory:")
	if !inMemory {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each pooled connection to :memory: would see its own empty database
	if inMemory {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agent_events (
			event_id     TEXT PRIMARY KEY,
			instance_uid TEXT NOT NULL,
			session_id   TEXT NOT NULL,
			type         TEXT NOT NULL,
			remote_addr  TEXT NOT NULL DEFAULT '',
			config_hash  TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT '',
			detail       TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL,

			CHECK (type IN ('connected', 'status', 'config_sent', 'disconnected'))
		);

		CREATE INDEX IF NOT EXISTS idx_agent_events_uid
			ON agent_events(instance_uid);

		CREATE INDEX IF NOT EXISTS idx_agent_events_created
			ON agent_events(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection. Later calls are no-ops, and every
// query after Close fails with ErrClosed.
func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

func (s *SQLiteStore) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}
