package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const SchemaVersion = 2

// Migrate creates (or upgrades) the state schema in-place.
//
// The schema follows the run-history model: every launch of a recurring
// job creates a spark_job_runs row, and alerts hang off runs one-to-one.
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

		`CREATE TABLE IF NOT EXISTS emr_releases (
			version TEXT PRIMARY KEY,
			changelog_url TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			is_experimental INTEGER NOT NULL DEFAULT 0,
			is_deprecated INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS clusters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			identifier TEXT NOT NULL,
			size INTEGER NOT NULL,
			lifetime_hours INTEGER NOT NULL,
			ssh_key TEXT NOT NULL,
			emr_release TEXT NOT NULL,
			created_by TEXT NOT NULL,
			jobflow_id TEXT,
			most_recent_status TEXT NOT NULL DEFAULT '',
			master_address TEXT NOT NULL DEFAULT '',
			lifetime_extension_count INTEGER NOT NULL DEFAULT 0,
			expiration_mail_sent INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			started_at TEXT,
			ready_at TEXT,
			finished_at TEXT,
			expires_at TEXT,
			FOREIGN KEY(emr_release) REFERENCES emr_releases(version)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_clusters_status ON clusters(most_recent_status);`,
		`CREATE INDEX IF NOT EXISTS idx_clusters_expires_at ON clusters(expires_at);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_clusters_jobflow_id ON clusters(jobflow_id) WHERE jobflow_id IS NOT NULL;`,

		`CREATE TABLE IF NOT EXISTS spark_jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			identifier TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			notebook_s3_key TEXT NOT NULL,
			result_visibility TEXT NOT NULL DEFAULT 'private',
			size INTEGER NOT NULL,
			interval_in_hours INTEGER NOT NULL,
			job_timeout_hours INTEGER NOT NULL,
			is_enabled INTEGER NOT NULL DEFAULT 1,
			emr_release TEXT NOT NULL,
			created_by TEXT NOT NULL,
			expired_mail_sent INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			start_date TEXT NOT NULL,
			end_date TEXT,
			expired_date TEXT,
			FOREIGN KEY(emr_release) REFERENCES emr_releases(version)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_spark_jobs_end_date ON spark_jobs(end_date);`,
		`CREATE INDEX IF NOT EXISTS idx_spark_jobs_expired_date ON spark_jobs(expired_date);`,

		`CREATE TABLE IF NOT EXISTS spark_job_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			spark_job_id INTEGER NOT NULL,
			jobflow_id TEXT NOT NULL,
			emr_release_version TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			scheduled_at TEXT,
			started_at TEXT,
			ready_at TEXT,
			finished_at TEXT,
			FOREIGN KEY(spark_job_id) REFERENCES spark_jobs(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_spark_job_runs_created_at ON spark_job_runs(spark_job_id, created_at);`,

		`CREATE TABLE IF NOT EXISTS run_alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL UNIQUE,
			reason_code TEXT NOT NULL,
			reason_message TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			mail_sent_date TEXT,
			FOREIGN KEY(run_id) REFERENCES spark_job_runs(id) ON DELETE CASCADE
		);`,

		`CREATE TABLE IF NOT EXISTS schedule_entries (
			name TEXT PRIMARY KEY,
			task_name TEXT NOT NULL,
			interval_seconds INTEGER NOT NULL,
			anchor_time TEXT NOT NULL,
			last_run_at TEXT,
			args TEXT NOT NULL DEFAULT '[]'
		);`,

		`CREATE TABLE IF NOT EXISTS beat_lock (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			holder TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
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

	// v2: expired_mail_sent latch for strict at-most-once expired mail.
	if current < 2 {
		alters := []string{
			`ALTER TABLE spark_jobs ADD COLUMN expired_mail_sent INTEGER NOT NULL DEFAULT 0;`,
		}
		for _, stmt := range alters {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				msg := err.Error()
				if strings.Contains(msg, "duplicate column name") || strings.Contains(msg, "already exists") {
					continue
				}
				return fmt.Errorf("exec migration statement: %w", err)
			}
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

// BackfillLegacyRuns creates a run row for jobs imported from the old
// single-run data model, where the job row itself carried
// current_run_jobflow_id and last_run_date columns.
//
// Jobs that already have at least one run are left untouched.
func BackfillLegacyRuns(ctx context.Context, db *sql.DB) (int, error) {
	var hasLegacy int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('spark_jobs') WHERE name = 'current_run_jobflow_id'`,
	).Scan(&hasLegacy)
	if err != nil {
		return 0, fmt.Errorf("inspect legacy columns: %w", err)
	}
	if hasLegacy == 0 {
		return 0, nil
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO spark_job_runs
			(spark_job_id, jobflow_id, emr_release_version, status, created_at, scheduled_at)
		SELECT id, current_run_jobflow_id, emr_release, '', last_run_date, last_run_date
		FROM spark_jobs
		WHERE current_run_jobflow_id IS NOT NULL
		  AND last_run_date IS NOT NULL
		  AND id NOT IN (SELECT spark_job_id FROM spark_job_runs)`)
	if err != nil {
		return 0, fmt.Errorf("backfill legacy runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count backfilled runs: %w", err)
	}
	return int(n), nil
}
