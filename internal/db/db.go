// Package db provides the centralized database connection and schema
// for tadod.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
}

// Open opens the database and initializes the schema
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db}, nil
}

// initSchema creates all required tables
func initSchema(db *sql.DB) error {
	// Command history - one row per intent outcome. The unique index on
	// intent_id makes recording idempotent: an intent is consumed
	// exactly once no matter how often its outcome is replayed.
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS commands (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			intent_id TEXT NOT NULL,
			correlation_id TEXT,
			source TEXT,
			target_kind TEXT NOT NULL,
			target_id TEXT NOT NULL,
			op TEXT NOT NULL,
			class TEXT NOT NULL,
			error TEXT,
			submitted_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_commands_intent ON commands(intent_id);
		CREATE INDEX IF NOT EXISTS idx_commands_completed ON commands(completed_at);
		CREATE INDEX IF NOT EXISTS idx_commands_correlation ON commands(correlation_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to create commands table: %w", err)
	}

	// Poll cycle history - one row per cycle with the quota snapshot
	// and cadence that produced it.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS cycles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at INTEGER NOT NULL,
			calls INTEGER NOT NULL,
			interval_s REAL NOT NULL,
			status TEXT NOT NULL,
			remaining INTEGER NOT NULL,
			call_limit INTEGER NOT NULL,
			manual INTEGER NOT NULL DEFAULT 0,
			ok INTEGER NOT NULL DEFAULT 1,
			error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_cycles_at ON cycles(at);
	`)
	if err != nil {
		return fmt.Errorf("failed to create cycles table: %w", err)
	}

	// KV store - generic key-value storage with optional TTL
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS kv_store (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			expires_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (bucket, key)
		);
		CREATE INDEX IF NOT EXISTS idx_kv_bucket ON kv_store(bucket);
		CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv_store(expires_at) WHERE expires_at IS NOT NULL;
	`)
	if err != nil {
		return fmt.Errorf("failed to create kv_store table: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
