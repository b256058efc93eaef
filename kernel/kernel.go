// Package kernel drives the scheduling loop: each tick reclaims expired
// leases, claims due jobs under a fresh lock token, and hands them to the
// execution engine one at a time.
package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/teranos/otto/errors"
	"github.com/teranos/otto/logger"
	"github.com/teranos/otto/schedule"
)

// Executor runs a single claimed job to completion
type Executor interface {
	ExecuteClaimed(ctx context.Context, job *schedule.Job) error
}

// Config contains kernel tuning
type Config struct {
	Interval  time.Duration // how often to look for due jobs
	BatchSize int           // max jobs claimed per tick
	Lease     time.Duration // how long a claim holds before becoming reclaimable
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Second,
		BatchSize: 5,
		Lease:     2 * time.Minute,
	}
}

// Kernel manages periodic claiming and execution of scheduled jobs
type Kernel struct {
	jobs     *schedule.Store
	executor Executor
	config   Config
	log      *zap.SugaredLogger
	clock    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
}

// NewKernel creates a kernel over the given store and executor
func NewKernel(jobs *schedule.Store, executor Executor, config Config, log *zap.SugaredLogger) *Kernel {
	if log == nil {
		log = logger.Logger
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.BatchSize < 1 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.Lease <= 0 {
		config.Lease = DefaultConfig().Lease
	}
	return &Kernel{
		jobs:     jobs,
		executor: executor,
		config:   config,
		log:      log,
		clock:    time.Now,
	}
}

// SetClock overrides the kernel's time source
func (k *Kernel) SetClock(clock func() time.Time) {
	k.clock = clock
}

// Start begins the tick loop
func (k *Kernel) Start(ctx context.Context) {
	ctx, k.cancel = context.WithCancel(ctx)
	k.wg.Add(1)
	go k.run(ctx)

	k.log.Infow("Scheduler kernel started",
		logger.FieldInterval, k.config.Interval,
		"batch_size", k.config.BatchSize,
		"lease", k.config.Lease,
		"memory", memorySummary(),
	)
}

// Stop gracefully stops the tick loop, waiting for an in-flight tick
func (k *Kernel) Stop() {
	if k.cancel != nil {
		k.cancel()
	}
	k.wg.Wait()
	k.log.Infow("Scheduler kernel stopped")
}

func (k *Kernel) run(ctx context.Context) {
	defer k.wg.Done()

	ticker := time.NewTicker(k.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tickTime := <-ticker.C:
			k.mu.Lock()
			k.lastTickAt = tickTime
			k.ticksSinceStart++
			tick := k.ticksSinceStart
			k.mu.Unlock()

			if err := k.Tick(ctx, k.clock()); err != nil {
				k.log.Warnw("Kernel tick error", logger.FieldError, err, "tick", tick)
			}
		}
	}
}

// Tick performs one pass: lease reclamation, then claim and execute. Per-job
// execution errors are logged and the loop continues; only store-level
// failures surface to the caller.
func (k *Kernel) Tick(ctx context.Context, now time.Time) error {
	reclaimed, err := k.jobs.ReclaimExpiredLeases(ctx, now)
	if err != nil {
		return errors.Wrap(err, "failed to reclaim expired leases")
	}
	if reclaimed > 0 {
		k.log.Warnw("Reclaimed jobs with expired leases", logger.FieldCount, reclaimed)
	}

	lockToken := fmt.Sprintf("lock_%s", uuid.New().String())
	claimed, err := k.jobs.ClaimDue(ctx, now, k.config.BatchSize, lockToken, k.config.Lease, now)
	if err != nil {
		return errors.Wrap(err, "failed to claim due jobs")
	}
	if len(claimed) == 0 {
		return nil
	}

	k.log.Infow("Claimed due jobs",
		logger.FieldCount, len(claimed),
		logger.FieldLockToken, lockToken,
	)

	for _, job := range claimed {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := k.executor.ExecuteClaimed(ctx, job); err != nil {
			k.log.Errorw("Failed to execute claimed job",
				logger.FieldJobID, job.ID,
				logger.FieldError, err,
			)
			continue
		}
	}
	return nil
}

// memorySummary formats current system memory usage for the startup log
func memorySummary() string {
	v, err := mem.VirtualMemory()
	if err != nil {
		return "unavailable"
	}
	usedGB := float64(v.Total-v.Available) / 1024 / 1024 / 1024
	totalGB := float64(v.Total) / 1024 / 1024 / 1024
	return fmt.Sprintf("%.1f/%.1fGB (%.0f%%)", usedGB, totalGB, v.UsedPercent)
}
