// Package database provides the central SQLite database. A single
// pocketclaw.db holds sessions, the outbox, the whitelist, the last
// channel, heartbeat tasks, pairing attempts and scheduler jobs. The
// WhatsApp device store stays in its own file.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// DefaultPath is used when no path is configured.
const DefaultPath = "./data/pocketclaw.db"

// schema is the DDL executed on every startup (idempotent via IF NOT EXISTS).
const schema = `
-- Backend session per scope key.
CREATE TABLE IF NOT EXISTS sessions (
    key        TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    created_at TEXT NOT NULL
);

-- Proactive messages waiting for delivery. next_retry_at is unix ms,
-- NULL means eligible now.
CREATE TABLE IF NOT EXISTS outbox (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    channel       TEXT NOT NULL,
    user_id       TEXT NOT NULL,
    text          TEXT NOT NULL,
    created_at    TEXT NOT NULL,
    retry_count   INTEGER NOT NULL DEFAULT 0,
    max_retries   INTEGER NOT NULL DEFAULT 3,
    next_retry_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_outbox_channel ON outbox(channel, next_retry_at);

-- Users allowed to talk to the assistant.
CREATE TABLE IF NOT EXISTS whitelist (
    channel  TEXT NOT NULL,
    user_id  TEXT NOT NULL,
    added_at TEXT NOT NULL,
    PRIMARY KEY (channel, user_id)
);

-- Most recent inbound channel/user (single row).
CREATE TABLE IF NOT EXISTS last_channel (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    channel    TEXT NOT NULL,
    user_id    TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Heartbeat checklist.
CREATE TABLE IF NOT EXISTS heartbeat_tasks (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    task       TEXT NOT NULL,
    enabled    INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL
);

-- Failed pairing attempts. attempts is a JSON array of unix ms.
CREATE TABLE IF NOT EXISTS pairing_attempts (
    user_id         TEXT PRIMARY KEY,
    attempts        TEXT NOT NULL DEFAULT '[]',
    last_attempt_at INTEGER NOT NULL DEFAULT 0,
    blocked_until   INTEGER
);

-- Scheduler jobs.
CREATE TABLE IF NOT EXISTS jobs (
    id          TEXT PRIMARY KEY,
    schedule    TEXT NOT NULL,
    type        TEXT NOT NULL DEFAULT 'cron',
    prompt      TEXT NOT NULL,
    channel     TEXT DEFAULT '',
    user_id     TEXT DEFAULT '',
    enabled     INTEGER DEFAULT 1,
    created_at  TEXT NOT NULL,
    last_run_at TEXT,
    last_error  TEXT DEFAULT '',
    run_count   INTEGER DEFAULT 0
);
`

// OpenDatabase opens (or creates) the database at path. It enables WAL
// mode and creates all tables.
func OpenDatabase(path string) (*sql.DB, error) {
	if path == "" {
		path = DefaultPath
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return db, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
