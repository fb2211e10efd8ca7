// Package store provides transactional persistence over the chat
// domain model, backed by an embedded SQLite database.
//
// Migration design: SQL statements are kept in the [migrations] slice
// as ordered strings. Each is applied exactly once; the applied
// version (the entry's 1-based position in the slice; the "vN"
// comments only group related statements) is tracked in the
// schema_migrations table. To add a
// migration, append a new string — never edit or reorder existing
// entries.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// MigratePolicy controls how pending migrations are applied on Open.
type MigratePolicy string

const (
	PolicyError      MigratePolicy = "error"
	PolicyYes        MigratePolicy = "yes"
	PolicyYesUp      MigratePolicy = "yes-up"
	PolicyYesUpDown  MigratePolicy = "yes-up-down"
	PolicyConsole    MigratePolicy = "console"
)

var migrations = []string{
	// v1 — users
	`CREATE TABLE IF NOT EXISTS users (
		user_id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_user_id TEXT NOT NULL,
		display_name TEXT NOT NULL UNIQUE,
		full_name TEXT NOT NULL DEFAULT '',
		image TEXT NOT NULL DEFAULT '',
		view_pwd_hash TEXT NOT NULL DEFAULT '',
		view_pwd_salt TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 0,
		show_notifications INTEGER NOT NULL DEFAULT 1,
		prefs_json TEXT NOT NULL DEFAULT '{}'
	)`,
	// v2 — contacts
	`CREATE TABLE IF NOT EXISTS contacts (
		contact_id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		local_display_name TEXT NOT NULL,
		profile_json TEXT NOT NULL DEFAULT '{}',
		local_alias TEXT NOT NULL DEFAULT '',
		prefs_json TEXT NOT NULL DEFAULT '{}',
		ntfs_enabled INTEGER NOT NULL DEFAULT 1,
		chat_ts INTEGER NOT NULL DEFAULT 0,
		contact_used INTEGER NOT NULL DEFAULT 0,
		conn_id INTEGER NOT NULL DEFAULT 0,
		contact_group_id INTEGER,
		incognito INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		UNIQUE(user_id, local_display_name)
	)`,
	// v3 — connections
	`CREATE TABLE IF NOT EXISTS connections (
		conn_id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_conn_id TEXT NOT NULL DEFAULT '',
		direction TEXT NOT NULL,
		status TEXT NOT NULL,
		type TEXT NOT NULL,
		custom_user_profile_id INTEGER,
		group_link_id TEXT,
		auth_err_counter INTEGER NOT NULL DEFAULT 0,
		connection_code TEXT NOT NULL DEFAULT '',
		ntfs_enabled INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL
	)`,
	// v4 — groups
	`CREATE TABLE IF NOT EXISTS groups (
		group_id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		local_name TEXT NOT NULL,
		profile_json TEXT NOT NULL DEFAULT '{}',
		link_conn_id INTEGER,
		membership_id INTEGER NOT NULL DEFAULT 0,
		prefs_json TEXT NOT NULL DEFAULT '{}',
		chat_ts INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		UNIQUE(user_id, local_name)
	)`,
	// v5 — group_members
	`CREATE TABLE IF NOT EXISTS group_members (
		group_member_id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_id INTEGER NOT NULL,
		member_id TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		profile_json TEXT NOT NULL DEFAULT '{}',
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		category TEXT NOT NULL,
		conn_id INTEGER,
		contact_id INTEGER,
		invited_by TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE(group_id, member_id)
	)`,
	// v6 — chat_items
	`CREATE TABLE IF NOT EXISTS chat_items (
		chat_item_id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		contact_id INTEGER,
		group_id INTEGER,
		member_id TEXT,
		direction TEXT NOT NULL,
		item_ts INTEGER NOT NULL,
		shared_msg_id TEXT,
		content_json TEXT NOT NULL,
		file_id INTEGER,
		quote_json TEXT,
		timed_ttl_seconds INTEGER,
		timed_delete_at INTEGER,
		item_edited INTEGER NOT NULL DEFAULT 0,
		item_deleted INTEGER NOT NULL DEFAULT 0,
		item_live INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_items_contact ON chat_items(user_id, contact_id, chat_item_id)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_items_group ON chat_items(user_id, group_id, chat_item_id)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_items_timed ON chat_items(timed_delete_at)`,
	// v7 — files
	`CREATE TABLE IF NOT EXISTS file_meta (
		file_id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		size INTEGER NOT NULL,
		chunk_size INTEGER NOT NULL,
		protocol TEXT NOT NULL,
		inline_mode TEXT NOT NULL DEFAULT '',
		agent_snd_file_id TEXT NOT NULL DEFAULT '',
		cancelled INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS snd_file_transfers (
		file_id INTEGER NOT NULL,
		conn_id INTEGER NOT NULL,
		recipient_contact_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		descriptor TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (file_id, conn_id)
	)`,
	`CREATE TABLE IF NOT EXISTS rcv_file_transfers (
		file_id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL,
		invitation_json TEXT NOT NULL,
		status TEXT NOT NULL,
		conn_id INTEGER,
		agent_rcv_file_id TEXT NOT NULL DEFAULT '',
		local_path TEXT NOT NULL DEFAULT '',
		chunks_written INTEGER NOT NULL DEFAULT 0,
		descriptor_buf TEXT NOT NULL DEFAULT '',
		descriptor_done INTEGER NOT NULL DEFAULT 0
	)`,
	// v8 — messages & deliveries
	`CREATE TABLE IF NOT EXISTS messages (
		msg_id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		shared_msg_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		event_tag TEXT NOT NULL,
		body BLOB NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS msg_deliveries (
		msg_id INTEGER NOT NULL,
		conn_id INTEGER NOT NULL,
		agent_msg_id TEXT NOT NULL,
		acked INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (conn_id, agent_msg_id)
	)`,
	// v9 — calls
	`CREATE TABLE IF NOT EXISTS calls (
		call_id INTEGER PRIMARY KEY,
		contact_id INTEGER NOT NULL UNIQUE,
		chat_item_id INTEGER NOT NULL,
		state TEXT NOT NULL,
		shared_key BLOB
	)`,
	// v10 — commands
	`CREATE TABLE IF NOT EXISTS commands (
		cmd_id TEXT PRIMARY KEY,
		function TEXT NOT NULL,
		conn_id INTEGER,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	// v11 — pending group messages + user contact requests + settings
	`CREATE TABLE IF NOT EXISTS pending_group_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_member_id INTEGER NOT NULL,
		msg_id INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_group_msgs_member ON pending_group_messages(group_member_id, id)`,
	`CREATE TABLE IF NOT EXISTS user_contact_requests (
		request_id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		conn_id INTEGER NOT NULL,
		invitation_id TEXT NOT NULL,
		profile_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		user_id INTEGER NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (user_id, key)
	)`,
	// v12 — WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes the readers/writers/
// composite operations the controller is built from.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path, applying any pending
// migrations according to policy. Use ":memory:" for ephemeral
// in-process storage (tests).
func Open(path string, policy MigratePolicy) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("set busy_timeout", "err", err)
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background(), policy); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("store opened", "path", path)
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Optimize runs PRAGMA optimize so SQLite's query planner picks up
// fresh table statistics; intended to be called periodically by a
// long-running process rather than on every close.
func (s *Store) Optimize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA optimize`)
	return err
}

// Backup writes a consistent snapshot of the database to destPath
// using SQLite's VACUUM INTO, which copies the live database without
// requiring callers to pause writers.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath)
	return err
}

func (s *Store) migrate(ctx context.Context, policy MigratePolicy) error {
	if policy == "" {
		policy = PolicyYes
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	pending := len(migrations) - current
	if pending > 0 && policy == PolicyError {
		return fmt.Errorf("%d pending migrations and policy is Error", pending)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if policy == PolicyConsole {
			slog.Info("would apply migration", "version", v, "stmt", stmt)
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES(?)`, v); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("applied migration", "version", v)
	}
	return nil
}
