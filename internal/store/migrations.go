package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for the workflow and job tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		id                  TEXT PRIMARY KEY,
		status              TEXT NOT NULL DEFAULT 'INITIALIZED',
		user_id             TEXT NOT NULL DEFAULT '',
		study_id            TEXT NOT NULL DEFAULT '',
		parameters          TEXT NOT NULL DEFAULT '{}',
		s3_path             TEXT NOT NULL DEFAULT '',
		analysis_subdir     TEXT NOT NULL DEFAULT '',
		output_s3_path      TEXT NOT NULL DEFAULT '',
		parameters_file     TEXT NOT NULL DEFAULT '',
		job_count           INTEGER NOT NULL DEFAULT 0,
		chromosomes         TEXT NOT NULL DEFAULT '[]',
		start_step          INTEGER NOT NULL DEFAULT 0,
		prediction_file     TEXT NOT NULL DEFAULT '',
		job_stats           TEXT NOT NULL DEFAULT '{}',
		results_bucket_path TEXT NOT NULL DEFAULT '',
		completion_time     TEXT,
		expires_at          TEXT NOT NULL,
		created_at          TEXT NOT NULL,
		updated_at          TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		workflow_id  TEXT NOT NULL,
		job_id       TEXT NOT NULL,
		step_number  INTEGER NOT NULL,
		command      TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'PENDING',
		parameters   TEXT NOT NULL DEFAULT '{}',
		error_detail TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		PRIMARY KEY (workflow_id, job_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,
	`CREATE INDEX IF NOT EXISTS idx_workflows_user_id ON workflows(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "workflows",
		column:   "execution_name",
		alterSQL: "ALTER TABLE workflows ADD COLUMN execution_name TEXT NOT NULL DEFAULT ''",
	},
	// Batch job id assigned at submission time.
	{
		table:    "jobs",
		column:   "external_id",
		alterSQL: "ALTER TABLE jobs ADD COLUMN external_id TEXT NOT NULL DEFAULT ''",
		indexSQL: "CREATE INDEX IF NOT EXISTS idx_jobs_external_id ON jobs(external_id) WHERE external_id != ''",
	},
}

// migrate executes all schema DDL statements and alter migrations.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	// Execute ALTER TABLE statements idempotently.
	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	exists, err := columnExists(ctx, db, table, column)
	if err != nil || exists {
		return err
	}
	_, err = db.ExecContext(ctx, alterSQL)
	return err
}

func columnExists(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}
