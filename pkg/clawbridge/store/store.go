// Package store implements the bridge persistence layer on SQLite: channel
// bindings, sessions and turns, inbound offsets, outbound dedup markers,
// permission links, session locks, and the append-only audit log. Every
// cross-process coordination point (offset advance, dedup insert, link claim,
// lock acquire) is a single SQL statement so concurrent bridge processes
// cannot race each other.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds SQLite configuration.
type Config struct {
	Path        string `yaml:"path"`
	JournalMode string `yaml:"journal_mode"`
	BusyTimeout int    `yaml:"busy_timeout_ms"`
}

// Store is the bridge persistence collaborator.
type Store struct {
	db  *sql.DB
	cfg Config
}

// Open opens or creates the bridge database and applies pending migrations.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = "./data/clawbridge.db"
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5000
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=ON",
		cfg.Path, cfg.JournalMode, cfg.BusyTimeout)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, cfg: cfg}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// migrations is the ordered list of schema versions. Each entry runs once,
// inside a transaction, recorded in schema_version.
var migrations = []string{
	// v1: full initial schema.
	`
	CREATE TABLE IF NOT EXISTS bindings (
		id          TEXT PRIMARY KEY,
		channel     TEXT NOT NULL,
		chat_id     TEXT NOT NULL,
		session_id  TEXT NOT NULL,
		resume_id   TEXT NOT NULL DEFAULT '',
		working_dir TEXT NOT NULL DEFAULT '',
		model       TEXT NOT NULL DEFAULT '',
		mode        TEXT NOT NULL DEFAULT '',
		active      INTEGER NOT NULL DEFAULT 1,
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL,
		UNIQUE(channel, chat_id)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id          TEXT PRIMARY KEY,
		working_dir TEXT NOT NULL DEFAULT '',
		model       TEXT NOT NULL DEFAULT '',
		provider    TEXT NOT NULL DEFAULT '',
		mode        TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS turns (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id);

	CREATE TABLE IF NOT EXISTS offsets (
		key   TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dedup (
		key        TEXT PRIMARY KEY,
		expires_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS permission_links (
		request_id  TEXT PRIMARY KEY,
		channel     TEXT NOT NULL,
		chat_id     TEXT NOT NULL,
		message_id  TEXT NOT NULL,
		suggestions TEXT NOT NULL DEFAULT '',
		resolved    INTEGER NOT NULL DEFAULT 0,
		created_at  TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_locks (
		session_id TEXT PRIMARY KEY,
		token      TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		channel    TEXT NOT NULL,
		chat_id    TEXT NOT NULL,
		direction  TEXT NOT NULL,
		message_id TEXT NOT NULL DEFAULT '',
		summary    TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_chat ON audit_log(channel, chat_id);
	`,
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return err
	}

	var current int
	if err := s.db.QueryRow(
		"SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return err
	}

	for v := current; v < len(migrations); v++ {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", v+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// now is the single clock for timestamp columns, in UTC.
func now() time.Time { return time.Now().UTC() }
