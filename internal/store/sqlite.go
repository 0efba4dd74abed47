// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/trace/binding persistence with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists (":memory:" has none)
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
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
		CREATE TABLE IF NOT EXISTS sessions (
			user_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			agent_code TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			agent_kind TEXT NOT NULL DEFAULT '',
			active_trace_id TEXT NOT NULL DEFAULT '',
			last_seq INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_updated_at
			ON sessions(updated_at);

		CREATE TABLE IF NOT EXISTS traces (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			agent_code TEXT NOT NULL DEFAULT '',
			agent_kind TEXT NOT NULL,
			status TEXT NOT NULL,
			interactions INTEGER NOT NULL DEFAULT 0,
			external_calls INTEGER NOT NULL DEFAULT 0,
			estimated_units INTEGER NOT NULL DEFAULT 0,
			sentiment TEXT NOT NULL DEFAULT '',
			feedback_text TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_traces_user_id
			ON traces(user_id);

		CREATE TABLE IF NOT EXISTS agent_bindings (
			trace_id TEXT PRIMARY KEY,
			external_session_id TEXT NOT NULL,
			agent_kind TEXT NOT NULL,
			opened INTEGER NOT NULL DEFAULT 0,
			inert INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			last_message_at DATETIME NOT NULL,
			FOREIGN KEY (trace_id) REFERENCES traces(id)
		);

		CREATE TABLE IF NOT EXISTS access_codes (
			code TEXT PRIMARY KEY,
			agent_code TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			restricted_phone TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
