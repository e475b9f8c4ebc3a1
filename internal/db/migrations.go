package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
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
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	strategy TEXT NOT NULL,
	default_profile TEXT NOT NULL,
	profiles_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS raw_labels (
	run_id TEXT NOT NULL,
	step_index INTEGER NOT NULL CHECK(step_index > 0),
	cls_id INTEGER NOT NULL,
	recorded_at TEXT NOT NULL,
	PRIMARY KEY(run_id, step_index),
	FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS steps (
	run_id TEXT NOT NULL,
	step_index INTEGER NOT NULL CHECK(step_index > 0),
	cls_id INTEGER NOT NULL,
	state_name TEXT NOT NULL,
	active_profile TEXT NOT NULL,
	prev_profile TEXT,
	resetter INTEGER NOT NULL DEFAULT 0,
	breaker INTEGER NOT NULL DEFAULT 0,
	stable INTEGER NOT NULL DEFAULT 0,
	stage_done INTEGER NOT NULL DEFAULT 0,
	profile_changed INTEGER NOT NULL DEFAULT 0,
	counters_json TEXT NOT NULL,
	history_json TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	PRIMARY KEY(run_id, step_index),
	FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
`,
		DownSQL: `
DROP TABLE IF EXISTS steps;
DROP TABLE IF EXISTS raw_labels;
DROP TABLE IF EXISTS runs;
`,
	},
	{
		Version: 2,
		UpSQL: `
CREATE INDEX IF NOT EXISTS steps_events
ON steps(run_id, step_index)
WHERE stage_done = 1 OR profile_changed = 1;

CREATE INDEX IF NOT EXISTS runs_started_at ON runs(started_at);
`,
		DownSQL: `
DROP INDEX IF EXISTS steps_events;
DROP INDEX IF EXISTS runs_started_at;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	_, err := Migrate(ctx, db, nil)
	return err
}

// Migrate applies every migration newer than the recorded schema version and
// returns the versions it applied. logger may be nil.
func Migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) ([]int, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	current, err := SchemaVersion(ctx, db)
	if err != nil {
		return nil, err
	}
	var applied []int
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		err := inTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
				return fmt.Errorf("apply migration %d: %w", m.Version, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, ?)`, m.Version, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
				return fmt.Errorf("record migration %d: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return applied, err
		}
		applied = append(applied, m.Version)
		if logger != nil {
			logger.Info("schema migrated", "version", m.Version)
		}
	}
	return applied, nil
}

// SchemaVersion returns the highest applied migration, 0 for a fresh database.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version)
	if err != nil {
		if isNoSuchTable(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(version.Int64), nil
}

// RollbackAll reverts applied migrations newest first.
func RollbackAll(ctx context.Context, db *sql.DB) error {
	current, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		if m.Version > current {
			continue
		}
		err := inTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
				return fmt.Errorf("rollback migration %d: %w", m.Version, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, m.Version); err != nil {
				return fmt.Errorf("unrecord migration %d: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isNoSuchTable(err error) bool {
	return containsAny(err.Error(), "no such table")
}
