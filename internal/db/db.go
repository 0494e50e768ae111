package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hpungsan/keel/internal/config"
	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 3

// Init initializes the SQLite database at baseDir/keel.db.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.keel.
func Init(baseDir string) (*sql.DB, error) {
	// Create base directory with restricted permissions
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	_ = os.Chmod(baseDir, 0700)

	// Pragmas in the connection string apply to every pooled connection
	dbPath := filepath.Join(baseDir, "keel.db")
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// ConfigurePool applies connection pool settings from config.
// Only sets limits if explicitly configured (non-zero values).
func ConfigurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: session state
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS sessions (
		  id         TEXT PRIMARY KEY,
		  created_at INTEGER NOT NULL,
		  updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS documents (
		  session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		  id         TEXT NOT NULL,
		  title      TEXT NOT NULL,
		  page_count INTEGER NOT NULL,
		  created_at INTEGER NOT NULL,
		  PRIMARY KEY (session_id, id)
		);

		CREATE TABLE IF NOT EXISTS requirements (
		  session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		  id         TEXT NOT NULL,
		  category   TEXT NOT NULL,
		  title      TEXT NOT NULL,
		  PRIMARY KEY (session_id, id)
		);

		CREATE TABLE IF NOT EXISTS snippets (
		  session_id           TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		  id                   TEXT NOT NULL,
		  method               TEXT NOT NULL CHECK (method IN ('machine', 'human')),
		  document_id          TEXT NOT NULL,
		  page                 INTEGER NOT NULL,
		  text                 TEXT NOT NULL,
		  descriptor_json      TEXT NOT NULL,
		  requirement_ids_json TEXT NOT NULL,
		  meta_json            TEXT NOT NULL,
		  created_at           INTEGER NOT NULL,
		  updated_at           INTEGER NOT NULL,
		  PRIMARY KEY (session_id, id)
		);

		CREATE INDEX IF NOT EXISTS idx_snippets_session_method
		ON snippets(session_id, method);

		CREATE TABLE IF NOT EXISTS verification_records (
		  session_id     TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		  snippet_id     TEXT NOT NULL,
		  requirement_id TEXT NOT NULL,
		  status         TEXT NOT NULL,
		  notes          TEXT,
		  reviewer       TEXT,
		  updated_at     INTEGER NOT NULL,
		  PRIMARY KEY (session_id, snippet_id, requirement_id)
		);

		CREATE TABLE IF NOT EXISTS artifact_versions (
		  session_id      TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		  kind            TEXT NOT NULL,
		  current_version INTEGER NOT NULL,
		  derived_from    INTEGER NOT NULL,
		  PRIMARY KEY (session_id, kind)
		);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Migration 1 -> 2: page text index
	if version < 2 {
		schema := `
		CREATE TABLE IF NOT EXISTS pages (
		  document_id TEXT NOT NULL,
		  page_number INTEGER NOT NULL,
		  text        TEXT NOT NULL,
		  spans_json  TEXT NOT NULL,
		  updated_at  INTEGER NOT NULL,
		  PRIMARY KEY (document_id, page_number)
		);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 2 failed: %w", err)
		}
		if err := SetUserVersion(db, 2); err != nil {
			return err
		}
	}

	// Migration 2 -> 3: scope page text by session. Existing rows are copied
	// to every session holding a document with that id.
	if version < 3 {
		schema := `
		CREATE TABLE pages_v3 (
		  session_id  TEXT NOT NULL,
		  document_id TEXT NOT NULL,
		  page_number INTEGER NOT NULL,
		  text        TEXT NOT NULL,
		  spans_json  TEXT NOT NULL,
		  updated_at  INTEGER NOT NULL,
		  PRIMARY KEY (session_id, document_id, page_number)
		);

		INSERT INTO pages_v3 (session_id, document_id, page_number, text, spans_json, updated_at)
		SELECT d.session_id, p.document_id, p.page_number, p.text, p.spans_json, p.updated_at
		FROM pages p JOIN documents d ON d.id = p.document_id;

		DROP TABLE pages;
		ALTER TABLE pages_v3 RENAME TO pages;
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 3 failed: %w", err)
		}
		if err := SetUserVersion(db, 3); err != nil {
			return err
		}
	}

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
