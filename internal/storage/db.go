// Package storage persists wisp's durable state in SQLite: push
// subscriptions and the public-key directory on the server side, the device
// keypair, public-key cache and message log on the client side. One DB file
// per role; both roles share the same schema so a combined deployment works
// from a single file.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps a SQLite database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the wisp database in the given directory.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "wisp.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL and a busy timeout so connection handlers and the dispatcher can
	// interleave reads and writes.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS subscriptions (
			identity    TEXT NOT NULL,
			endpoint_id TEXT NOT NULL,
			endpoint    TEXT NOT NULL,
			payload     TEXT NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (identity, endpoint_id)
		);

		CREATE TABLE IF NOT EXISTS pubkeys (
			identity   TEXT PRIMARY KEY,
			public_key TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS local_keys (
			id          TEXT PRIMARY KEY,
			public_key  TEXT NOT NULL,
			private_key TEXT NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS pubkey_cache (
			identity   TEXT PRIMARY KEY,
			public_key TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			sender     TEXT NOT NULL,
			recipient  TEXT NOT NULL,
			body       TEXT NOT NULL,
			encrypted  INTEGER NOT NULL DEFAULT 0,
			ts         INTEGER NOT NULL,
			status     TEXT NOT NULL DEFAULT '',
			local_copy INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender, ts);
		CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient, ts);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}
