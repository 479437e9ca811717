package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS queued_operations (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	op_id TEXT NOT NULL UNIQUE,
	queue_name TEXT NOT NULL CHECK(length(queue_name) BETWEEN 1 AND 64),
	endpoint TEXT NOT NULL,
	method TEXT NOT NULL CHECK(method IN ('GET','POST','PUT','PATCH','DELETE')),
	body BLOB,
	enqueued_at TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0 CHECK(attempts >= 0),
	last_error TEXT
);

CREATE INDEX IF NOT EXISTS queued_operations_queue_seq
ON queued_operations(queue_name, seq);

CREATE TABLE IF NOT EXISTS sync_targets (
	worker TEXT NOT NULL,
	target_id TEXT NOT NULL,
	action TEXT NOT NULL,
	payload BLOB,
	state TEXT NOT NULL CHECK(state IN ('queued','in_flight','completed','cooling_down')),
	attempts INTEGER NOT NULL DEFAULT 0,
	last_delay_ms INTEGER NOT NULL DEFAULT 0,
	cooldown_until TEXT,
	last_error TEXT,
	updated_at TEXT NOT NULL,
	PRIMARY KEY(worker, target_id)
);
`,
		DownSQL: `
DROP TABLE IF EXISTS sync_targets;
DROP INDEX IF EXISTS queued_operations_queue_seq;
DROP TABLE IF EXISTS queued_operations;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
	{
		Version: 2,
		UpSQL: `
CREATE INDEX IF NOT EXISTS sync_targets_worker_state_updated_at
ON sync_targets(worker, state, updated_at DESC);
`,
		DownSQL: `
DROP INDEX IF EXISTS sync_targets_worker_state_updated_at;
`,
	},
	{
		Version: 3,
		UpSQL: `
CREATE TABLE IF NOT EXISTS rejected_operations (
	op_id TEXT PRIMARY KEY,
	queue_name TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	method TEXT NOT NULL,
	body BLOB,
	enqueued_at TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	reason TEXT NOT NULL,
	rejected_at TEXT NOT NULL
);
`,
		DownSQL: `
DROP TABLE IF EXISTS rejected_operations;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
