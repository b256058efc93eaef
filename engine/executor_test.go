package engine

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/teranos/otto/errors"
	"github.com/teranos/otto/gateway"
	ottotest "github.com/teranos/otto/internal/testing"
	"github.com/teranos/otto/internal/util"
	"github.com/teranos/otto/logger"
	"github.com/teranos/otto/outbox"
	"github.com/teranos/otto/schedule"
)

type fakeGateway struct {
	reply     string
	err       error
	sessionID string
	prompts   []string
	opts      []gateway.PromptOptions
	ensured   []string
}

func (f *fakeGateway) EnsureSession(_ context.Context, existingID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.ensured = append(f.ensured, existingID)
	if existingID != "" {
		return existingID, nil
	}
	return f.sessionID, nil
}

func (f *fakeGateway) PromptSession(_ context.Context, _, text string, opts gateway.PromptOptions) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.prompts = append(f.prompts, text)
	f.opts = append(f.opts, opts)
	return f.reply, nil
}

type executorFixture struct {
	jobs     *schedule.Store
	runs     *schedule.RunStore
	sessions *gateway.SessionStore
	outbox   *outbox.Store
	gw       *fakeGateway
	executor *Executor
	now      time.Time
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()
	db := ottotest.CreateTestDB(t)

	f := &executorFixture{
		jobs:     schedule.NewStore(db),
		runs:     schedule.NewRunStore(db),
		sessions: gateway.NewSessionStore(db),
		outbox:   outbox.NewStore(db),
		gw:       &fakeGateway{sessionID: "sess_new", reply: `{"status":"success","summary":"done","errors":[]}`},
		now:      time.Now().UTC().Truncate(time.Second),
	}

	watchdog := NewWatchdog(f.runs, f.outbox, logger.NewTestLogger())
	f.executor = NewExecutor(f.jobs, f.runs, f.sessions, f.gw, watchdog, ExecutorConfig{
		Home:        t.TempDir(),
		GatewayRate: rate.Inf,
		Watchdog:    WatchdogConfig{Lookback: time.Hour, Threshold: 100},
	}, logger.NewTestLogger())
	f.executor.SetClock(func() time.Time { return f.now })
	return f
}

// claimJob creates a due job and claims it the way the kernel would
func (f *executorFixture) claimJob(t *testing.T, id string, scheduleType schedule.ScheduleType, cadence *int, jobType string) *schedule.Job {
	t.Helper()
	ctx := context.Background()

	due := f.now.Add(-time.Minute)
	job := &schedule.Job{
		ID:             id,
		Type:           jobType,
		ScheduleType:   scheduleType,
		CadenceMinutes: cadence,
		NextRunAt:      &due,
		Status:         schedule.JobStatusIdle,
		Payload:        []byte(`{"message":"run the report"}`),
		CreatedAt:      f.now,
		UpdatedAt:      f.now,
	}
	require.NoError(t, f.jobs.CreateJob(ctx, job))

	claimed, err := f.jobs.ClaimDue(ctx, f.now, 1, "tok_test", time.Minute, f.now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

func TestExecuteClaimedSuccessReschedulesRecurring(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()
	job := f.claimJob(t, "job_1", schedule.ScheduleRecurring, util.Ptr(30), "assistant-task")

	require.NoError(t, f.executor.ExecuteClaimed(ctx, job))

	runs, err := f.runs.ListRunsForJob(ctx, "job_1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, schedule.RunStatusSuccess, runs[0].Status)
	require.NotNil(t, runs[0].FinishedAt)
	assert.Contains(t, runs[0].ResultJSON, `"summary":"done"`)

	stored, err := f.jobs.GetJob(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, schedule.JobStatusIdle, stored.Status)
	assert.Empty(t, stored.LockToken)
	require.NotNil(t, stored.NextRunAt)
	assert.True(t, stored.NextRunAt.Equal(f.now.Add(30*time.Minute)))
}

func TestExecuteClaimedFinalizesOneShotEvenOnFailure(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()
	f.gw.reply = `{"status":"failed","summary":"upstream broke","errors":[{"code":"task_failed","message":"no data"}]}`
	job := f.claimJob(t, "job_1", schedule.ScheduleOneShot, nil, "assistant-task")

	require.NoError(t, f.executor.ExecuteClaimed(ctx, job))

	runs, err := f.runs.ListRunsForJob(ctx, "job_1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, schedule.RunStatusFailed, runs[0].Status)
	assert.Equal(t, "task_failed", runs[0].ErrorCode)
	assert.Equal(t, "no data", runs[0].ErrorMessage)

	// Failure detail lives in the run; the job itself completed its one shot.
	stored, err := f.jobs.GetJob(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, schedule.TerminalCompleted, stored.TerminalState)
	assert.Nil(t, stored.NextRunAt)
}

func TestExecuteClaimedGatewayErrorStillFinalizes(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()
	f.gw.err = errors.New("gateway unreachable")
	job := f.claimJob(t, "job_1", schedule.ScheduleRecurring, util.Ptr(15), "assistant-task")

	require.NoError(t, f.executor.ExecuteClaimed(ctx, job))

	runs, err := f.runs.ListRunsForJob(ctx, "job_1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, schedule.RunStatusFailed, runs[0].Status)
	assert.Equal(t, CodeTaskExecutionError, runs[0].ErrorCode)
	assert.Contains(t, runs[0].ErrorMessage, "gateway unreachable")

	// The failure never blocks the schedule transition.
	stored, err := f.jobs.GetJob(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, schedule.JobStatusIdle, stored.Status)
	require.NotNil(t, stored.NextRunAt)
	assert.True(t, stored.NextRunAt.Equal(f.now.Add(15*time.Minute)))
}

func TestExecuteClaimedUnparseableReply(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()
	f.gw.reply = "Sure, I took care of it!"
	job := f.claimJob(t, "job_1", schedule.ScheduleRecurring, util.Ptr(30), "assistant-task")

	require.NoError(t, f.executor.ExecuteClaimed(ctx, job))

	runs, err := f.runs.ListRunsForJob(ctx, "job_1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, schedule.RunStatusFailed, runs[0].Status)
	assert.Equal(t, CodeInvalidResultJSON, runs[0].ErrorCode)
}

func TestExecuteClaimedInvalidCadenceReleasesLock(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()
	// A recurring job with no cadence cannot compute a transition.
	job := f.claimJob(t, "job_1", schedule.ScheduleRecurring, nil, "assistant-task")

	require.NoError(t, f.executor.ExecuteClaimed(ctx, job))

	// The lock fell back to release: still idle, still due, never stuck.
	stored, err := f.jobs.GetJob(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, schedule.JobStatusIdle, stored.Status)
	assert.Empty(t, stored.LockToken)
	require.NotNil(t, stored.NextRunAt)
	assert.True(t, stored.NextRunAt.Before(f.now))
}

func TestExecuteClaimedPersistsSession(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()
	job := f.claimJob(t, "job_1", schedule.ScheduleRecurring, util.Ptr(30), "assistant-task")

	require.NoError(t, f.executor.ExecuteClaimed(ctx, job))

	sessionID, err := f.sessions.GetSessionID(ctx, "scheduler:task:job_1:assistant")
	require.NoError(t, err)
	assert.Equal(t, "sess_new", sessionID)

	// A later run reuses the stored session instead of creating another.
	claimed, err := f.jobs.ClaimDue(ctx, f.now.Add(31*time.Minute), 1, "tok_test2", time.Minute, f.now.Add(31*time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, f.executor.ExecuteClaimed(ctx, claimed[0]))

	require.Len(t, f.gw.ensured, 2)
	assert.Equal(t, "", f.gw.ensured[0])
	assert.Equal(t, "sess_new", f.gw.ensured[1])
}

func TestExecuteClaimedWatchdogJob(t *testing.T) {
	f := newExecutorFixture(t)
	ctx := context.Background()

	// Seed two failed assistant runs inside the window.
	failedAt := f.now.Add(-10 * time.Minute)
	seed := &schedule.Job{
		ID:           "job_failing",
		Type:         "assistant-task",
		ScheduleType: schedule.ScheduleOneShot,
		Status:       schedule.JobStatusIdle,
		CreatedAt:    failedAt,
		UpdatedAt:    failedAt,
	}
	require.NoError(t, f.jobs.CreateJob(ctx, seed))
	for _, runID := range []string{"run_f1", "run_f2"} {
		run := &schedule.Run{ID: runID, JobID: "job_failing", ScheduledFor: failedAt, StartedAt: failedAt, CreatedAt: failedAt}
		require.NoError(t, f.runs.CreateStartedRun(ctx, run))
		require.NoError(t, f.runs.FinalizeRun(ctx, runID, schedule.RunStatusFailed, "task_failed", "boom", "", failedAt))
	}

	job := f.claimJob(t, "job_wd", schedule.ScheduleRecurring, util.Ptr(60), JobTypeWatchdog)
	job.Payload = []byte(`{"lookback_minutes":60,"threshold":1,"notify":true,"chat_id":"chat_1"}`)

	require.NoError(t, f.executor.ExecuteClaimed(ctx, job))

	runs, err := f.runs.ListRunsForJob(ctx, "job_wd", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, schedule.RunStatusSuccess, runs[0].Status)
	assert.Contains(t, runs[0].ResultJSON, "alert enqueued")

	// The alert landed in the queue, and the gateway was never involved.
	due, err := f.outbox.ListDue(ctx, f.now.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, due, 1)
	assert.Empty(t, f.gw.prompts)
}
