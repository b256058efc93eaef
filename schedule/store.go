package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/otto/errors"
)

// Store handles persistence of scheduled jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new job store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const jobColumns = `id, type, schedule_type, cadence_minutes, run_at, next_run_at,
	last_run_at, status, lock_token, lock_expires_at, terminal_state,
	terminal_reason, payload, created_at, updated_at`

// CreateJob inserts a new scheduled job
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO scheduler_jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.Type,
		string(job.ScheduleType),
		nullInt(job.CadenceMinutes),
		nullTime(job.RunAt),
		nullTime(job.NextRunAt),
		nullTime(job.LastRunAt),
		string(job.Status),
		sql.NullString{String: job.LockToken, Valid: job.LockToken != ""},
		nullTime(job.LockExpiresAt),
		sql.NullString{String: string(job.TerminalState), Valid: job.TerminalState != ""},
		sql.NullString{String: job.TerminalReason, Valid: job.TerminalReason != ""},
		sql.NullString{String: string(job.Payload), Valid: len(job.Payload) > 0},
		job.CreatedAt.Format(time.RFC3339),
		job.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create job %s", job.ID)
	}

	return nil
}

// GetJob retrieves a scheduled job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduler_jobs WHERE id = ?`

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, errors.Wrap(err, "failed to get job")
		}
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}

	return scanJob(rows)
}

// ListJobs returns jobs ordered by creation time, newest first
func (s *Store) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduler_jobs
		ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ClaimDue atomically claims up to limit due jobs.
//
// A job is due when next_run_at <= now and it is idle (neither running under
// another claim nor paused). Claimed rows are transitioned to running with the
// given lock token and a lease expiring at observedAt+lease, all inside one
// transaction so two concurrent ticks never claim the same job.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int, lockToken string, lease time.Duration, observedAt time.Time) ([]*Job, error) {
	if lockToken == "" {
		return nil, errors.Wrap(errors.ErrInvalidConfig, "claim requires a lock token")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin claim transaction")
	}
	defer tx.Rollback()

	query := `SELECT ` + jobColumns + ` FROM scheduler_jobs
		WHERE next_run_at IS NOT NULL
		  AND next_run_at <= ?
		  AND status = 'idle'
		ORDER BY next_run_at ASC
		LIMIT ?`

	rows, err := tx.QueryContext(ctx, query, now.Format(time.RFC3339), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to select due jobs")
	}

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	expiresAt := observedAt.Add(lease)
	update := `UPDATE scheduler_jobs
		SET status = 'running', lock_token = ?, lock_expires_at = ?, updated_at = ?
		WHERE id = ?`

	for _, job := range jobs {
		if _, err := tx.ExecContext(ctx, update,
			lockToken,
			expiresAt.Format(time.RFC3339),
			observedAt.Format(time.RFC3339),
			job.ID,
		); err != nil {
			return nil, errors.Wrapf(err, "failed to mark job %s as running", job.ID)
		}
		job.Status = JobStatusRunning
		job.LockToken = lockToken
		exp := expiresAt
		job.LockExpiresAt = &exp
		job.UpdatedAt = observedAt
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit claim")
	}

	return jobs, nil
}

// RescheduleRecurring completes a recurring job's run: verifies the caller
// still holds the lock, records last_run_at, advances next_run_at, and returns
// the job to idle with the lock cleared.
func (s *Store) RescheduleRecurring(ctx context.Context, jobID, lockToken string, lastRunAt, nextRunAt, updatedAt time.Time) error {
	query := `UPDATE scheduler_jobs
		SET status = 'idle',
		    lock_token = NULL,
		    lock_expires_at = NULL,
		    last_run_at = ?,
		    next_run_at = ?,
		    updated_at = ?
		WHERE id = ? AND lock_token = ?`

	result, err := s.db.ExecContext(ctx, query,
		lastRunAt.Format(time.RFC3339),
		nextRunAt.Format(time.RFC3339),
		updatedAt.Format(time.RFC3339),
		jobID,
		lockToken,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to reschedule job %s", jobID)
	}

	return requireLockedRow(result, jobID)
}

// FinalizeOneShot completes a one-shot job: verifies the lock, sets the
// terminal state (at most once), nulls next_run_at, and clears the lock.
func (s *Store) FinalizeOneShot(ctx context.Context, jobID, lockToken string, state TerminalState, reason string, lastRunAt, updatedAt time.Time) error {
	query := `UPDATE scheduler_jobs
		SET status = 'idle',
		    lock_token = NULL,
		    lock_expires_at = NULL,
		    last_run_at = ?,
		    next_run_at = NULL,
		    terminal_state = ?,
		    terminal_reason = ?,
		    updated_at = ?
		WHERE id = ? AND lock_token = ? AND terminal_state IS NULL`

	result, err := s.db.ExecContext(ctx, query,
		lastRunAt.Format(time.RFC3339),
		string(state),
		sql.NullString{String: reason, Valid: reason != ""},
		updatedAt.Format(time.RFC3339),
		jobID,
		lockToken,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to finalize job %s", jobID)
	}

	return requireLockedRow(result, jobID)
}

// ReleaseLock is the error-path fallback: it clears the lock without a
// schedule transition, leaving next_run_at unchanged so the job is retried
// on the next tick rather than stuck.
func (s *Store) ReleaseLock(ctx context.Context, jobID, lockToken string, updatedAt time.Time) error {
	query := `UPDATE scheduler_jobs
		SET status = 'idle',
		    lock_token = NULL,
		    lock_expires_at = NULL,
		    updated_at = ?
		WHERE id = ? AND lock_token = ?`

	result, err := s.db.ExecContext(ctx, query,
		updatedAt.Format(time.RFC3339),
		jobID,
		lockToken,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to release lock on job %s", jobID)
	}

	return requireLockedRow(result, jobID)
}

// ReclaimExpiredLeases resets running jobs whose lease has lapsed back to
// idle, clearing the stale lock so the job becomes claimable again. This is
// the crash-recovery path: a process that died mid-execution leaves a running
// row behind, and claiming only considers status.
func (s *Store) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	query := `UPDATE scheduler_jobs
		SET status = 'idle',
		    lock_token = NULL,
		    lock_expires_at = NULL,
		    updated_at = ?
		WHERE status = 'running' AND lock_expires_at <= ?`

	result, err := s.db.ExecContext(ctx, query,
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to reclaim expired leases")
	}

	reclaimed, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(reclaimed), nil
}

// PauseJob takes an idle job out of the claimable set
func (s *Store) PauseJob(ctx context.Context, jobID string, updatedAt time.Time) error {
	return s.setStatus(ctx, jobID, JobStatusIdle, JobStatusPaused, updatedAt)
}

// ResumeJob returns a paused job to the claimable set
func (s *Store) ResumeJob(ctx context.Context, jobID string, updatedAt time.Time) error {
	return s.setStatus(ctx, jobID, JobStatusPaused, JobStatusIdle, updatedAt)
}

func (s *Store) setStatus(ctx context.Context, jobID string, from, to JobStatus, updatedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE scheduler_jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), updatedAt.Format(time.RFC3339), jobID, string(from),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to set job %s status", jobID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Newf("job %s not found or not %s", jobID, from)
	}
	return nil
}

// CancelOneShot externally cancels a one-shot job that has not yet reached a
// terminal outcome. A running job cannot be cancelled out from under its
// executor; callers should retry after the run finishes.
func (s *Store) CancelOneShot(ctx context.Context, jobID, reason string, now time.Time) error {
	query := `UPDATE scheduler_jobs
		SET next_run_at = NULL,
		    terminal_state = ?,
		    terminal_reason = ?,
		    updated_at = ?
		WHERE id = ?
		  AND schedule_type = 'oneshot'
		  AND status != 'running'
		  AND terminal_state IS NULL`

	result, err := s.db.ExecContext(ctx, query,
		string(TerminalCancelled),
		sql.NullString{String: reason, Valid: reason != ""},
		now.Format(time.RFC3339),
		jobID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to cancel job %s", jobID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrTerminal, "job %s not cancellable", jobID)
	}
	return nil
}

// requireLockedRow converts a zero-row token-guarded update into a lock
// mismatch error: either the job does not exist or another writer took the
// lease after ours expired.
func requireLockedRow(result sql.Result, jobID string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrLockMismatch, "job %s", jobID)
	}
	return nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating jobs")
	}
	return jobs, nil
}

func scanJob(rows *sql.Rows) (*Job, error) {
	var job Job
	var scheduleType, status, createdAt, updatedAt string
	var cadence sql.NullInt64
	var runAt, nextRunAt, lastRunAt, lockExpiresAt sql.NullString
	var lockToken, terminalState, terminalReason, payload sql.NullString

	err := rows.Scan(
		&job.ID,
		&job.Type,
		&scheduleType,
		&cadence,
		&runAt,
		&nextRunAt,
		&lastRunAt,
		&status,
		&lockToken,
		&lockExpiresAt,
		&terminalState,
		&terminalReason,
		&payload,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan job")
	}

	job.ScheduleType = ScheduleType(scheduleType)
	job.Status = JobStatus(status)

	if cadence.Valid {
		c := int(cadence.Int64)
		job.CadenceMinutes = &c
	}
	if lockToken.Valid {
		job.LockToken = lockToken.String
	}
	if terminalState.Valid {
		job.TerminalState = TerminalState(terminalState.String)
	}
	if terminalReason.Valid {
		job.TerminalReason = terminalReason.String
	}
	if payload.Valid {
		job.Payload = []byte(payload.String)
	}

	// Parse timestamps (return error if parsing fails - indicates data corruption or schema mismatch)
	if job.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for job %s", job.ID)
	}
	if job.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for job %s", job.ID)
	}
	if job.RunAt, err = parseNullTime(runAt, "run_at", job.ID); err != nil {
		return nil, err
	}
	if job.NextRunAt, err = parseNullTime(nextRunAt, "next_run_at", job.ID); err != nil {
		return nil, err
	}
	if job.LastRunAt, err = parseNullTime(lastRunAt, "last_run_at", job.ID); err != nil {
		return nil, err
	}
	if job.LockExpiresAt, err = parseNullTime(lockExpiresAt, "lock_expires_at", job.ID); err != nil {
		return nil, err
	}

	return &job, nil
}

func parseNullTime(v sql.NullString, column, jobID string) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s for job %s", column, jobID)
	}
	return &t, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func nullInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
