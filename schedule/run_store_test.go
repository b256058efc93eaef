package schedule

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/otto/errors"
	ottotest "github.com/teranos/otto/internal/testing"
)

func newTestRun(id, jobID string, startedAt time.Time) *Run {
	return &Run{
		ID:           id,
		JobID:        jobID,
		ScheduledFor: startedAt,
		StartedAt:    startedAt,
		CreatedAt:    startedAt,
	}
}

func seedJob(t *testing.T, store *Store, id, jobType string) {
	t.Helper()
	job := newTestJob(id, ScheduleRecurring, nil)
	job.Type = jobType
	require.NoError(t, store.CreateJob(context.Background(), job))
}

func TestCreateStartedRunInsertsPlaceholder(t *testing.T) {
	db := ottotest.CreateTestDB(t)
	jobs := NewStore(db)
	runs := NewRunStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	seedJob(t, jobs, "job_a", "assistant-task")

	run := newTestRun("run_a", "job_a", now)
	require.NoError(t, runs.CreateStartedRun(ctx, run))
	assert.Equal(t, RunStatusSkipped, run.Status)

	stored, err := runs.GetRun(ctx, "run_a")
	require.NoError(t, err)
	assert.Equal(t, RunStatusSkipped, stored.Status)
	assert.Nil(t, stored.FinishedAt)
	assert.Empty(t, stored.ErrorCode)
	assert.Empty(t, stored.ResultJSON)
	assert.True(t, stored.StartedAt.Equal(now))
}

func TestFinalizeRunExactlyOnce(t *testing.T) {
	db := ottotest.CreateTestDB(t)
	jobs := NewStore(db)
	runs := NewRunStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	seedJob(t, jobs, "job_a", "assistant-task")
	require.NoError(t, runs.CreateStartedRun(ctx, newTestRun("run_a", "job_a", now)))

	finishedAt := now.Add(3 * time.Second)
	require.NoError(t, runs.FinalizeRun(ctx, "run_a", RunStatusSuccess, "", "", `{"summary":"done"}`, finishedAt))

	stored, err := runs.GetRun(ctx, "run_a")
	require.NoError(t, err)
	assert.Equal(t, RunStatusSuccess, stored.Status)
	require.NotNil(t, stored.FinishedAt)
	assert.True(t, stored.FinishedAt.Equal(finishedAt))
	assert.JSONEq(t, `{"summary":"done"}`, stored.ResultJSON)

	// A finalized run is immutable.
	err = runs.FinalizeRun(ctx, "run_a", RunStatusFailed, "task_failed", "late failure", "", finishedAt.Add(time.Second))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTerminal))

	stored, err = runs.GetRun(ctx, "run_a")
	require.NoError(t, err)
	assert.Equal(t, RunStatusSuccess, stored.Status)
	assert.Empty(t, stored.ErrorCode)
}

func TestFinalizeRunRecordsFailure(t *testing.T) {
	db := ottotest.CreateTestDB(t)
	jobs := NewStore(db)
	runs := NewRunStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	seedJob(t, jobs, "job_a", "assistant-task")
	require.NoError(t, runs.CreateStartedRun(ctx, newTestRun("run_a", "job_a", now)))
	require.NoError(t, runs.FinalizeRun(ctx, "run_a", RunStatusFailed, "task_failed", "assistant reported failure", "", now.Add(time.Second)))

	stored, err := runs.GetRun(ctx, "run_a")
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, stored.Status)
	assert.Equal(t, "task_failed", stored.ErrorCode)
	assert.Equal(t, "assistant reported failure", stored.ErrorMessage)
}

func TestGetRunNotFound(t *testing.T) {
	db := ottotest.CreateTestDB(t)
	runs := NewRunStore(db)

	_, err := runs.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestListRunsForJobNewestFirst(t *testing.T) {
	db := ottotest.CreateTestDB(t)
	jobs := NewStore(db)
	runs := NewRunStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	seedJob(t, jobs, "job_a", "assistant-task")
	seedJob(t, jobs, "job_b", "assistant-task")

	for i, id := range []string{"run_1", "run_2", "run_3"} {
		require.NoError(t, runs.CreateStartedRun(ctx, newTestRun(id, "job_a", now.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, runs.CreateStartedRun(ctx, newTestRun("run_other", "job_b", now)))

	listed, err := runs.ListRunsForJob(ctx, "job_a", 2)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "run_3", listed[0].ID)
	assert.Equal(t, "run_2", listed[1].ID)
}

func TestCountFailedRunsSince(t *testing.T) {
	db := ottotest.CreateTestDB(t)
	jobs := NewStore(db)
	runs := NewRunStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	seedJob(t, jobs, "job_task", "assistant-task")
	seedJob(t, jobs, "job_watchdog", "watchdog")

	addRun := func(id, jobID string, startedAt time.Time, status RunStatus) {
		require.NoError(t, runs.CreateStartedRun(ctx, newTestRun(id, jobID, startedAt)))
		require.NoError(t, runs.FinalizeRun(ctx, id, status, "", "", "", startedAt.Add(time.Second)))
	}

	// Inside the window.
	addRun("run_recent_fail", "job_task", now.Add(-10*time.Minute), RunStatusFailed)
	addRun("run_recent_ok", "job_task", now.Add(-5*time.Minute), RunStatusSuccess)
	// Outside the window.
	addRun("run_old_fail", "job_task", now.Add(-2*time.Hour), RunStatusFailed)
	// Watchdog's own failure never counts toward its threshold.
	addRun("run_watchdog_fail", "job_watchdog", now.Add(-10*time.Minute), RunStatusFailed)

	count, err := runs.CountFailedRunsSince(ctx, now.Add(-time.Hour), "watchdog")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// A wider window picks up the older failure too.
	count, err = runs.CountFailedRunsSince(ctx, now.Add(-3*time.Hour), "watchdog")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
