package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/otto/errors"
)

// RunStore handles persistence of job run history
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a new run store
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// CreateStartedRun inserts the placeholder run row for an execution that is
// about to begin. Status starts as 'skipped' with NULL finished_at and is
// flipped by FinalizeRun exactly once.
func (s *RunStore) CreateStartedRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO job_runs (
			id, job_id, scheduled_for, started_at, finished_at,
			status, error_code, error_message, result_json, created_at
		) VALUES (?, ?, ?, ?, NULL, 'skipped', NULL, NULL, NULL, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.JobID,
		run.ScheduledFor.Format(time.RFC3339),
		run.StartedAt.Format(time.RFC3339),
		run.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create run for job %s", run.JobID)
	}

	run.Status = RunStatusSkipped
	return nil
}

// FinalizeRun sets the run's terminal status, error fields, and result.
// Only a still-open placeholder (NULL finished_at) can be finalized.
func (s *RunStore) FinalizeRun(ctx context.Context, runID string, status RunStatus, errorCode, errorMessage, resultJSON string, finishedAt time.Time) error {
	query := `UPDATE job_runs
		SET status = ?,
		    error_code = ?,
		    error_message = ?,
		    result_json = ?,
		    finished_at = ?
		WHERE id = ? AND finished_at IS NULL`

	result, err := s.db.ExecContext(ctx, query,
		string(status),
		sql.NullString{String: errorCode, Valid: errorCode != ""},
		sql.NullString{String: errorMessage, Valid: errorMessage != ""},
		sql.NullString{String: resultJSON, Valid: resultJSON != ""},
		finishedAt.Format(time.RFC3339),
		runID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to finalize run %s", runID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrTerminal, "run %s already finalized", runID)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *RunStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM job_runs WHERE id = ?`

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get run")
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, errors.Wrap(err, "failed to get run")
		}
		return nil, errors.NewNotFoundError("run not found: %s", id)
	}

	return scanRun(rows)
}

// ListRunsForJob returns a job's runs, newest first
func (s *RunStore) ListRunsForJob(ctx context.Context, jobID string, limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM job_runs
		WHERE job_id = ?
		ORDER BY started_at DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, jobID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CountFailedRunsSince counts failed runs started at or after the cutoff,
// excluding runs of the given job type. The watchdog passes its own type here
// so its alert runs never feed back into its failure count.
func (s *RunStore) CountFailedRunsSince(ctx context.Context, since time.Time, excludeJobType string) (int, error) {
	query := `SELECT COUNT(*)
		FROM job_runs r
		JOIN scheduler_jobs j ON j.id = r.job_id
		WHERE r.status = 'failed'
		  AND r.started_at >= ?
		  AND j.type != ?`

	var count int
	err := s.db.QueryRowContext(ctx, query, since.Format(time.RFC3339), excludeJobType).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count failed runs")
	}
	return count, nil
}

const runColumns = `id, job_id, scheduled_for, started_at, finished_at,
	status, error_code, error_message, result_json, created_at`

func scanRun(rows *sql.Rows) (*Run, error) {
	var run Run
	var scheduledFor, startedAt, createdAt, status string
	var finishedAt, errorCode, errorMessage, resultJSON sql.NullString

	err := rows.Scan(
		&run.ID,
		&run.JobID,
		&scheduledFor,
		&startedAt,
		&finishedAt,
		&status,
		&errorCode,
		&errorMessage,
		&resultJSON,
		&createdAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan run")
	}

	run.Status = RunStatus(status)
	if errorCode.Valid {
		run.ErrorCode = errorCode.String
	}
	if errorMessage.Valid {
		run.ErrorMessage = errorMessage.String
	}
	if resultJSON.Valid {
		run.ResultJSON = resultJSON.String
	}

	if run.ScheduledFor, err = time.Parse(time.RFC3339, scheduledFor); err != nil {
		return nil, errors.Wrapf(err, "failed to parse scheduled_for for run %s", run.ID)
	}
	if run.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse started_at for run %s", run.ID)
	}
	if run.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for run %s", run.ID)
	}
	if finishedAt.Valid {
		t, err := time.Parse(time.RFC3339, finishedAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse finished_at for run %s", run.ID)
		}
		run.FinishedAt = &t
	}

	return &run, nil
}
