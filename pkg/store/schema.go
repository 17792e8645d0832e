package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const SchemaVersion = 3

// Migrate creates (or upgrades) the schema in-place.
//
// Tables:
// - jobs: one row per unit of work, job_data is an opaque JSON object;
//   pending_event holds a committed status event not yet delivered
// - workflows: DAG definitions with a JSON config document
// - workflow_runs: execution instances with parallel job_ids/node_ids lists
//
// Soft deletes use status = 'DELETED' on every table.
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			experiment_id TEXT NOT NULL DEFAULT '',
			progress INTEGER NOT NULL DEFAULT 0,
			job_data TEXT NOT NULL DEFAULT '{}',
			pending_event TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_experiment ON jobs(experiment_id, status);`,

		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			config TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			experiment_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_experiment ON workflows(experiment_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_name ON workflows(name);`,

		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			job_ids TEXT NOT NULL DEFAULT '[]',
			node_ids TEXT NOT NULL DEFAULT '[]',
			current_tasks TEXT NOT NULL DEFAULT '[]',
			current_job_ids TEXT NOT NULL DEFAULT '[]',
			experiment_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_workflow ON workflow_runs(workflow_id);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	var alters []string
	// v2: workflow runs record which node ids were dispatched alongside job ids.
	if current > 0 && current < 2 {
		alters = append(alters,
			`ALTER TABLE workflow_runs ADD COLUMN node_ids TEXT NOT NULL DEFAULT '[]';`,
			`ALTER TABLE workflow_runs ADD COLUMN current_job_ids TEXT NOT NULL DEFAULT '[]';`,
		)
	}
	// v3: jobs carry the last status event until it has been published.
	if current > 0 && current < 3 {
		alters = append(alters, `ALTER TABLE jobs ADD COLUMN pending_event TEXT NOT NULL DEFAULT '';`)
	}
	for _, stmt := range alters {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			msg := err.Error()
			// SQLite/libsql report duplicate columns as an error; treat as idempotent.
			if strings.Contains(msg, "duplicate column name") || strings.Contains(msg, "already exists") {
				continue
			}
			return fmt.Errorf("exec migration statement: %w", err)
		}
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// CurrentSchemaVersion reports the version recorded in schema_meta.
func CurrentSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}
