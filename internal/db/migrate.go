package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Migration is one schema migration step.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations are applied in order. Never edit an applied migration: the
// checksum check will refuse to start against a database migrated with a
// different text.
var migrations = []Migration{
	{
		Version:     1,
		Description: "tasks, tags, attachments",
		SQL: `
		CREATE TABLE tasks (
			id TEXT PRIMARY KEY,
			list_id TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'open',
			priority INTEGER NOT NULL DEFAULT 0,
			due_date INTEGER,
			subtask_count INTEGER NOT NULL DEFAULT 0,
			attachment_count INTEGER NOT NULL DEFAULT 0,
			is_deleted INTEGER NOT NULL DEFAULT 0,
			deleted_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			content_hash TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX idx_tasks_list ON tasks(list_id) WHERE is_deleted = 0;
		CREATE INDEX idx_tasks_parent ON tasks(parent_id) WHERE parent_id != '';

		CREATE TABLE tags (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			color TEXT NOT NULL DEFAULT '',
			task_count INTEGER NOT NULL DEFAULT 0,
			is_deleted INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			version INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE task_tags (
			task_id TEXT NOT NULL REFERENCES tasks(id),
			tag_id TEXT NOT NULL REFERENCES tags(id),
			assigned_at INTEGER NOT NULL,
			PRIMARY KEY (task_id, tag_id)
		);

		CREATE TABLE attachments (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			file_name TEXT NOT NULL,
			mime_type TEXT NOT NULL DEFAULT '',
			size INTEGER NOT NULL DEFAULT 0,
			media_ref TEXT NOT NULL,
			is_deleted INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX idx_attachments_task ON attachments(task_id) WHERE is_deleted = 0;
		`,
	},
	{
		Version:     2,
		Description: "outbox and sync state",
		SQL: `
		CREATE TABLE outbox (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			sequence INTEGER NOT NULL UNIQUE,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_attempt_at INTEGER,
			next_retry_at INTEGER,
			error_message TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX idx_outbox_ready ON outbox(status, next_retry_at, sequence);
		CREATE INDEX idx_outbox_entity ON outbox(entity_id, status);

		CREATE TABLE sync_state (
			key TEXT PRIMARY KEY,
			cursor TEXT,
			server_version TEXT,
			last_sync_started INTEGER,
			last_sync_completed INTEGER,
			last_sync_error TEXT NOT NULL DEFAULT '',
			full_sync_required INTEGER NOT NULL DEFAULT 0,
			total_syncs INTEGER NOT NULL DEFAULT 0,
			failed_syncs INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE field_times (
			entity_id TEXT NOT NULL,
			field TEXT NOT NULL,
			modified_at INTEGER NOT NULL,
			PRIMARY KEY (entity_id, field)
		);
		`,
	},
}

// Migrator applies versioned schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a Migrator for the given database.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Run applies all unapplied migrations in version order inside individual
// transactions, recording each with a checksum of its SQL text.
func (m *Migrator) Run() error {
	if err := m.initialize(); err != nil {
		return fmt.Errorf("initializing schema_migrations: %w", err)
	}

	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}

	for _, mig := range migrations {
		if mig.Version <= current {
			if err := m.verifyChecksum(mig); err != nil {
				return err
			}
			continue
		}
		if err := m.apply(mig); err != nil {
			return fmt.Errorf("applying migration %d (%s): %w", mig.Version, mig.Description, err)
		}
	}
	return nil
}

func (m *Migrator) initialize() error {
	_, err := m.db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL,
		description TEXT NOT NULL,
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`)
	return err
}

// CurrentVersion returns the highest applied migration version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

func (m *Migrator) apply(mig Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		mig.Version, time.Now().Unix(), mig.Description, checksum(mig.SQL),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Migrator) verifyChecksum(mig Migration) error {
	var stored string
	err := m.db.QueryRow("SELECT checksum FROM schema_migrations WHERE version = ?", mig.Version).Scan(&stored)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if stored != checksum(mig.SQL) {
		return fmt.Errorf("migration %d checksum mismatch: database was migrated with different SQL", mig.Version)
	}
	return nil
}

func checksum(sqlText string) string {
	sum := sha256.Sum256([]byte(sqlText))
	return hex.EncodeToString(sum[:])
}
