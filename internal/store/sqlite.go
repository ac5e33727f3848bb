package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/gowas/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// --- Workflows ---

const workflowColumns = `id, status, user_id, study_id, parameters, s3_path, analysis_subdir,
	output_s3_path, parameters_file, execution_name, job_count, chromosomes, start_step,
	prediction_file, job_stats, results_bucket_path, completion_time, expires_at, created_at, updated_at`

func (s *SQLiteStore) CreateWorkflow(ctx context.Context, wf *model.Workflow) error {
	s.logger.Debug("sql", "op", "insert", "table", "workflows", "id", wf.ID)

	args, err := workflowArgs(wf)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s", model.ErrWorkflowExists, wf.ID)
	}
	return err
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	s.logger.Debug("sql", "op", "select", "table", "workflows", "id", id)

	wf, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return wf, err
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context, opts model.ListOptions) ([]*model.Workflow, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "workflows", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	// Build WHERE clause dynamically based on filters.
	var whereClauses []string
	var countArgs []any
	if opts.Status != "" {
		whereClauses = append(whereClauses, "status = ?")
		countArgs = append(countArgs, opts.Status)
	}
	if opts.UserID != "" {
		whereClauses = append(whereClauses, "user_id = ?")
		countArgs = append(countArgs, opts.UserID)
	}
	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows`+whereSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listArgs := append(countArgs, opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows`+whereSQL+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		listArgs...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var workflows []*model.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, 0, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, total, rows.Err()
}

// UpdateWorkflow reads, checks, and rewrites the row inside one transaction.
func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, id string, u model.WorkflowUpdate) error {
	s.logger.Debug("sql", "op", "update", "table", "workflows", "id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	wf, err := scanWorkflow(tx.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", model.ErrWorkflowNotFound, id)
	}
	if err != nil {
		return err
	}
	if u.Status != nil && wf.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", model.ErrTerminalStatus, id, wf.Status)
	}
	if u.Status != nil && !workflowTransitionAllowed(wf.Status, *u.Status) {
		return &model.InvalidTransitionError{Entity: "workflow", ID: id, From: string(wf.Status), To: string(*u.Status)}
	}

	u.Apply(wf)
	wf.UpdatedAt = time.Now().UTC()

	args, err := workflowArgs(wf)
	if err != nil {
		return err
	}
	// Every column except id and created_at is rewritten.
	set := append(append([]any{}, args[1:18]...), args[19], id)
	if _, err := tx.ExecContext(ctx,
		`UPDATE workflows SET status=?, user_id=?, study_id=?, parameters=?, s3_path=?, analysis_subdir=?,
		 output_s3_path=?, parameters_file=?, execution_name=?, job_count=?, chromosomes=?, start_step=?,
		 prediction_file=?, job_stats=?, results_bucket_path=?, completion_time=?, expires_at=?, updated_at=?
		 WHERE id=?`,
		set...,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// workflowArgs returns the column values of wf in workflowColumns order.
func workflowArgs(wf *model.Workflow) ([]any, error) {
	paramsJSON, err := json.Marshal(wf.Parameters)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}
	chromsJSON, err := json.Marshal(wf.Chromosomes)
	if err != nil {
		return nil, fmt.Errorf("marshal chromosomes: %w", err)
	}
	statsJSON, err := json.Marshal(wf.JobStats)
	if err != nil {
		return nil, fmt.Errorf("marshal job stats: %w", err)
	}

	var completionTime *string
	if wf.CompletionTime != nil {
		s := wf.CompletionTime.Format(time.RFC3339Nano)
		completionTime = &s
	}

	return []any{
		wf.ID, string(wf.Status), wf.UserID, wf.StudyID, string(paramsJSON),
		wf.S3Path, wf.AnalysisSubdir, wf.OutputS3Path, wf.ParametersFile, wf.ExecutionName,
		wf.JobCount, string(chromsJSON), wf.StartStep, wf.PredictionFile, string(statsJSON),
		wf.ResultsBucketPath, completionTime,
		wf.ExpiresAt.Format(time.RFC3339Nano),
		wf.CreatedAt.Format(time.RFC3339Nano), wf.UpdatedAt.Format(time.RFC3339Nano),
	}, nil
}

func scanWorkflow(row scanner) (*model.Workflow, error) {
	var wf model.Workflow
	var status, paramsJSON, chromsJSON, statsJSON string
	var expiresAt, createdAt, updatedAt string
	var completionTime *string

	if err := row.Scan(&wf.ID, &status, &wf.UserID, &wf.StudyID, &paramsJSON,
		&wf.S3Path, &wf.AnalysisSubdir, &wf.OutputS3Path, &wf.ParametersFile, &wf.ExecutionName,
		&wf.JobCount, &chromsJSON, &wf.StartStep, &wf.PredictionFile, &statsJSON,
		&wf.ResultsBucketPath, &completionTime, &expiresAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	wf.Status = model.WorkflowStatus(status)
	if err := json.Unmarshal([]byte(paramsJSON), &wf.Parameters); err != nil {
		return nil, fmt.Errorf("unmarshal parameters: %w", err)
	}
	if err := json.Unmarshal([]byte(chromsJSON), &wf.Chromosomes); err != nil {
		return nil, fmt.Errorf("unmarshal chromosomes: %w", err)
	}
	if err := json.Unmarshal([]byte(statsJSON), &wf.JobStats); err != nil {
		return nil, fmt.Errorf("unmarshal job stats: %w", err)
	}
	if completionTime != nil {
		t, _ := time.Parse(time.RFC3339Nano, *completionTime)
		wf.CompletionTime = &t
	}
	wf.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	wf.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	wf.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &wf, nil
}

// --- Jobs ---

const jobColumns = `workflow_id, job_id, step_number, command, status, parameters,
	error_detail, external_id, created_at, updated_at`

// PutJob inserts or replaces a job record.
func (s *SQLiteStore) PutJob(ctx context.Context, job *model.Job) error {
	s.logger.Debug("sql", "op", "upsert", "table", "jobs", "id", job.ID)

	paramsJSON, err := json.Marshal(job.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.WorkflowID, job.ID, job.StepNumber, job.Command, string(job.Status), string(paramsJSON),
		job.ErrorDetail, job.ExternalID,
		job.CreatedAt.Format(time.RFC3339Nano), job.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) GetJob(ctx context.Context, workflowID, jobID string) (*model.Job, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "id", jobID)

	job, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE workflow_id = ? AND job_id = ?`, workflowID, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// ListJobs returns the jobs of a workflow ordered by step, then id.
func (s *SQLiteStore) ListJobs(ctx context.Context, workflowID string) ([]*model.Job, error) {
	s.logger.Debug("sql", "op", "list", "table", "jobs", "workflow_id", workflowID)
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE workflow_id = ? ORDER BY step_number, created_at, job_id`,
		workflowID)
}

func (s *SQLiteStore) ListJobsByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error) {
	s.logger.Debug("sql", "op", "list_by_status", "table", "jobs", "status", status)
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at, workflow_id, job_id`,
		string(status))
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, workflowID, jobID string, u model.JobStatusUpdate) error {
	s.logger.Debug("sql", "op", "update_status", "table", "jobs", "id", jobID, "status", u.Status)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current, errorDetail, externalID string
	err = tx.QueryRowContext(ctx,
		`SELECT status, error_detail, external_id FROM jobs WHERE workflow_id = ? AND job_id = ?`,
		workflowID, jobID,
	).Scan(&current, &errorDetail, &externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", model.ErrJobNotFound, jobID)
	}
	if err != nil {
		return err
	}

	from := model.JobStatus(current)
	if !jobTransitionAllowed(from, u.Status) {
		return &model.InvalidTransitionError{Entity: "job", ID: jobID, From: current, To: string(u.Status)}
	}

	if u.Status == model.JobStatusFailed {
		errorDetail = u.ErrorDetail
	} else {
		errorDetail = ""
	}
	if u.ExternalID != "" {
		externalID = u.ExternalID
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status=?, error_detail=?, external_id=?, updated_at=? WHERE workflow_id=? AND job_id=?`,
		string(u.Status), errorDetail, externalID, time.Now().UTC().Format(time.RFC3339Nano),
		workflowID, jobID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteJobs(ctx context.Context, workflowID string, jobIDs []string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	s.logger.Debug("sql", "op", "delete", "table", "jobs", "workflow_id", workflowID, "count", len(jobIDs))

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(jobIDs)), ",")
	args := []any{workflowID}
	for _, id := range jobIDs {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE workflow_id = ? AND job_id IN (`+placeholders+`)`, args...)
	return err
}

func scanJob(row scanner) (*model.Job, error) {
	var job model.Job
	var status, paramsJSON, createdAt, updatedAt string

	if err := row.Scan(&job.WorkflowID, &job.ID, &job.StepNumber, &job.Command, &status, &paramsJSON,
		&job.ErrorDetail, &job.ExternalID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	job.Status = model.JobStatus(status)
	if err := json.Unmarshal([]byte(paramsJSON), &job.Parameters); err != nil {
		return nil, fmt.Errorf("unmarshal parameters: %w", err)
	}
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &job, nil
}
