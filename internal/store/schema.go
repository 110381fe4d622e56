package store

import (
	"context"
	"database/sql"
	"fmt"
)

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", defaultBusyTimeout.Milliseconds()),
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("store: apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS workspaces (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		path          TEXT NOT NULL DEFAULT '',
		port          INTEGER NOT NULL DEFAULT 0,
		is_local      INTEGER NOT NULL DEFAULT 1,
		tunnel_token  TEXT NOT NULL DEFAULT '',
		tunnel_url    TEXT NOT NULL DEFAULT '',
		last_used_at  TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
		updated_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`,
	`CREATE TABLE IF NOT EXISTS license (
		id                 INTEGER PRIMARY KEY CHECK (id = 1),
		licensed           INTEGER NOT NULL DEFAULT 0,
		email              TEXT NOT NULL DEFAULT '',
		license_key        TEXT NOT NULL DEFAULT '',
		last_validated_at  TEXT NOT NULL DEFAULT '',
		workspaces_enabled INTEGER NOT NULL DEFAULT 0,
		updated_at         TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`,
	`CREATE TABLE IF NOT EXISTS credentials (
		endpoint_key TEXT PRIMARY KEY,
		blob         TEXT NOT NULL,
		updated_at   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`,
}

func applySchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: apply schema: %w", err)
		}
	}
	// The license table is a singleton row so callers can always update it.
	if _, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO license (id) VALUES (1)`); err != nil {
		return fmt.Errorf("store: seed license row: %w", err)
	}
	return nil
}
