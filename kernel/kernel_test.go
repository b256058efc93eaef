package kernel

import (
	"context"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/otto/errors"
	ottotest "github.com/teranos/otto/internal/testing"
	"github.com/teranos/otto/internal/util"
	"github.com/teranos/otto/logger"
	"github.com/teranos/otto/schedule"
)

// recordingExecutor finalizes nothing; it just records what it was handed and
// optionally fails specific jobs.
type recordingExecutor struct {
	mu       sync.Mutex
	executed []string
	failFor  map[string]error
}

func (r *recordingExecutor) ExecuteClaimed(_ context.Context, job *schedule.Job) error {
	r.mu.Lock()
	r.executed = append(r.executed, job.ID)
	r.mu.Unlock()
	return r.failFor[job.ID]
}

func (r *recordingExecutor) executedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.executed...)
}

func newKernelFixture(t *testing.T) (*Kernel, *schedule.Store, *recordingExecutor) {
	t.Helper()
	db := ottotest.CreateTestDB(t)
	jobs := schedule.NewStore(db)
	executor := &recordingExecutor{}
	k := NewKernel(jobs, executor, Config{
		Interval:  time.Second,
		BatchSize: 10,
		Lease:     time.Minute,
	}, logger.NewTestLogger())
	return k, jobs, executor
}

func createDueJob(t *testing.T, jobs *schedule.Store, id string, due time.Time) {
	t.Helper()
	job := &schedule.Job{
		ID:             id,
		Type:           "assistant-task",
		ScheduleType:   schedule.ScheduleRecurring,
		CadenceMinutes: util.Ptr(30),
		NextRunAt:      &due,
		Status:         schedule.JobStatusIdle,
		CreatedAt:      due,
		UpdatedAt:      due,
	}
	require.NoError(t, jobs.CreateJob(context.Background(), job))
}

func TestTickClaimsAndExecutesDueJobs(t *testing.T) {
	k, jobs, executor := newKernelFixture(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	createDueJob(t, jobs, "job_a", now.Add(-2*time.Minute))
	createDueJob(t, jobs, "job_b", now.Add(-time.Minute))
	createDueJob(t, jobs, "job_future", now.Add(time.Hour))

	require.NoError(t, k.Tick(ctx, now))

	assert.Equal(t, []string{"job_a", "job_b"}, executor.executedIDs())

	// Claimed jobs carry a fresh lock token and a lease.
	stored, err := jobs.GetJob(ctx, "job_a")
	require.NoError(t, err)
	assert.Equal(t, schedule.JobStatusRunning, stored.Status)
	assert.NotEmpty(t, stored.LockToken)
	require.NotNil(t, stored.LockExpiresAt)
	assert.True(t, stored.LockExpiresAt.Equal(now.Add(time.Minute)))
}

func TestTickNothingDueIsNoop(t *testing.T) {
	k, jobs, executor := newKernelFixture(t)
	now := time.Now().UTC().Truncate(time.Second)

	createDueJob(t, jobs, "job_future", now.Add(time.Hour))

	require.NoError(t, k.Tick(context.Background(), now))
	assert.Empty(t, executor.executedIDs())
}

func TestTickContinuesAfterExecutorError(t *testing.T) {
	k, jobs, executor := newKernelFixture(t)
	now := time.Now().UTC().Truncate(time.Second)

	executor.failFor = map[string]error{"job_bad": errors.New("executor blew up")}
	createDueJob(t, jobs, "job_bad", now.Add(-2*time.Minute))
	createDueJob(t, jobs, "job_good", now.Add(-time.Minute))

	require.NoError(t, k.Tick(context.Background(), now))
	assert.Equal(t, []string{"job_bad", "job_good"}, executor.executedIDs())
}

func TestTickReclaimsExpiredLeases(t *testing.T) {
	k, jobs, executor := newKernelFixture(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	createDueJob(t, jobs, "job_a", now.Add(-time.Minute))

	// First tick claims the job; the recording executor never finalizes it,
	// simulating a crash mid-execution.
	require.NoError(t, k.Tick(ctx, now))
	require.Equal(t, []string{"job_a"}, executor.executedIDs())

	// Before the lease expires the job stays claimed.
	require.NoError(t, k.Tick(ctx, now.Add(30*time.Second)))
	assert.Equal(t, []string{"job_a"}, executor.executedIDs())

	// After expiry the tick reclaims and re-executes it.
	require.NoError(t, k.Tick(ctx, now.Add(2*time.Minute)))
	assert.Equal(t, []string{"job_a", "job_a"}, executor.executedIDs())
}

func TestStartStopLifecycle(t *testing.T) {
	k, jobs, executor := newKernelFixture(t)
	now := time.Now().UTC().Truncate(time.Second)

	createDueJob(t, jobs, "job_a", now.Add(-time.Minute))

	k.Start(context.Background())
	defer k.Stop()

	require.Eventually(t, func() bool {
		return len(executor.executedIDs()) > 0
	}, 5*time.Second, 50*time.Millisecond)
}
