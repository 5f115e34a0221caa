package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a sqlite connection pool configured for a single-writer,
// WAL-journaled control plane database.
type DB struct {
	conn *sql.DB
}

// New opens (creating if necessary) the sqlite database at path.
func New(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	return &DB{conn: conn}, nil
}

// Conn exposes the underlying *sql.DB for packages that need raw queries.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS lifecycle_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		instance_id TEXT NOT NULL,
		user_id TEXT,
		action TEXT NOT NULL,
		previous_status TEXT,
		new_status TEXT,
		success INTEGER NOT NULL,
		caller_source TEXT NOT NULL,
		caller_module TEXT,
		caller_function TEXT,
		caller_file TEXT,
		caller_line INTEGER,
		reason TEXT NOT NULL,
		reason_details TEXT,
		snapshot_id TEXT,
		metadata TEXT,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS failover_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		failover_id TEXT NOT NULL UNIQUE,
		machine_id TEXT NOT NULL,
		strategy_attempted TEXT NOT NULL,
		strategy_succeeded TEXT,
		warm_pool_attempt_ms INTEGER,
		regional_volume_attempt_ms INTEGER,
		cpu_standby_attempt_ms INTEGER,
		total_ms INTEGER,
		gpus_tried INTEGER,
		rounds_attempted INTEGER,
		new_instance_id TEXT,
		new_ssh_host TEXT,
		new_ssh_port INTEGER,
		error TEXT,
		phase_errors TEXT,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		snapshot_id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		parent_id TEXT,
		blob_paths TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		file_count INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		keep_forever INTEGER NOT NULL DEFAULT 0,
		retention_days INTEGER,
		status TEXT NOT NULL,
		storage_provider TEXT NOT NULL,
		chain_depth INTEGER NOT NULL DEFAULT 0,
		diff_files_added INTEGER,
		diff_files_removed INTEGER,
		diff_files_changed INTEGER,
		promoted_from TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS failover_policies (
		machine_id TEXT PRIMARY KEY,
		default_strategy TEXT NOT NULL,
		warm_pool TEXT NOT NULL,
		regional_volume TEXT NOT NULL,
		cpu_standby TEXT NOT NULL,
		override_flag INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS deletion_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		snapshot_id TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		deleted_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS host_blacklist (
		machine_id TEXT PRIMARY KEY,
		reason TEXT NOT NULL,
		expires_at DATETIME NOT NULL
	)`,
}

var indexMigrations = []string{
	`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_instance ON lifecycle_events(instance_id)`,
	`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_created ON lifecycle_events(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_failover_records_machine ON failover_records(machine_id)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_instance ON snapshots(instance_id)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_parent ON snapshots(parent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_status ON snapshots(status)`,
	`CREATE INDEX IF NOT EXISTS idx_deletion_audit_snapshot ON deletion_audit(snapshot_id)`,
	`CREATE INDEX IF NOT EXISTS idx_host_blacklist_expires ON host_blacklist(expires_at)`,
}

// Migrate applies schema migrations idempotently.
func (d *DB) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := d.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	for i, stmt := range indexMigrations {
		if _, err := d.conn.ExecContext(ctx, stmt); err != nil {
			if isDuplicateColumnErr(err) {
				continue
			}
			return fmt.Errorf("index migration %d failed: %w", i, err)
		}
	}
	return nil
}

func isDuplicateColumnErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "duplicate column")
}
