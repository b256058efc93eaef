package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/otto/errors"
	"github.com/teranos/otto/gateway"
	"github.com/teranos/otto/logger"
	"github.com/teranos/otto/schedule"
	"github.com/teranos/otto/taskcfg"
)

// Gateway is the assistant backend the executor prompts
type Gateway interface {
	EnsureSession(ctx context.Context, existingID string) (string, error)
	PromptSession(ctx context.Context, sessionID, text string, opts gateway.PromptOptions) (string, error)
}

// TaskPayload is the job payload for assistant-executed tasks
type TaskPayload struct {
	Message   string `json:"message"`
	ProfileID string `json:"profile_id,omitempty"`
	Lane      string `json:"lane,omitempty"`
}

// WatchdogPayload is the job payload for watchdog jobs. Zero fields fall
// back to the executor's configured defaults.
type WatchdogPayload struct {
	LookbackMinutes int    `json:"lookback_minutes,omitempty"`
	Threshold       int    `json:"threshold,omitempty"`
	Notify          *bool  `json:"notify,omitempty"`
	ChatID          string `json:"chat_id,omitempty"`
}

// ExecutorConfig holds the executor's wiring-time settings
type ExecutorConfig struct {
	Home            string
	Watchdog        WatchdogConfig
	GatewayRate     rate.Limit
	GatewayBurst    int
	PromptSizeLimit int
}

// Executor runs one claimed job through its full lifecycle: placeholder run,
// dispatch, result parsing, run finalization, and schedule transition.
type Executor struct {
	jobs     *schedule.Store
	runs     *schedule.RunStore
	sessions *gateway.SessionStore
	gw       Gateway
	watchdog *Watchdog
	limiter  *rate.Limiter
	config   ExecutorConfig
	log      *zap.SugaredLogger
	clock    func() time.Time
}

// NewExecutor creates an executor
func NewExecutor(jobs *schedule.Store, runs *schedule.RunStore, sessions *gateway.SessionStore, gw Gateway, watchdog *Watchdog, config ExecutorConfig, log *zap.SugaredLogger) *Executor {
	if log == nil {
		log = logger.Logger
	}
	if config.GatewayRate == 0 {
		config.GatewayRate = rate.Every(2 * time.Second)
	}
	if config.GatewayBurst < 1 {
		config.GatewayBurst = 1
	}
	return &Executor{
		jobs:     jobs,
		runs:     runs,
		sessions: sessions,
		gw:       gw,
		watchdog: watchdog,
		limiter:  rate.NewLimiter(config.GatewayRate, config.GatewayBurst),
		config:   config,
		log:      log,
		clock:    time.Now,
	}
}

// SetClock overrides the executor's time source
func (e *Executor) SetClock(clock func() time.Time) {
	e.clock = clock
}

// ExecuteClaimed drives one claimed job to completion. Execution failures
// never leave a claimed job without a finalized run and a released lock; only
// store-level I/O failures propagate to the caller.
func (e *Executor) ExecuteClaimed(ctx context.Context, job *schedule.Job) error {
	startedAt := e.clock()

	scheduledFor := startedAt
	if job.NextRunAt != nil {
		scheduledFor = *job.NextRunAt
	}

	run := &schedule.Run{
		ID:           fmt.Sprintf("run_%s", uuid.New().String()),
		JobID:        job.ID,
		ScheduledFor: scheduledFor,
		StartedAt:    startedAt,
		CreatedAt:    startedAt,
	}
	if err := e.runs.CreateStartedRun(ctx, run); err != nil {
		e.releaseLock(ctx, job)
		return errors.Wrapf(err, "failed to create run for job %s", job.ID)
	}

	result := e.dispatch(ctx, job)
	completedAt := e.clock()

	status, errorCode, errorMessage := mapResult(result)
	resultJSON, err := json.Marshal(result)
	if err != nil {
		resultJSON = []byte("{}")
	}

	if err := e.runs.FinalizeRun(ctx, run.ID, status, errorCode, errorMessage, string(resultJSON), completedAt); err != nil {
		e.log.Errorw("Failed to finalize run",
			logger.FieldJobID, job.ID,
			logger.FieldRunID, run.ID,
			logger.FieldError, err,
		)
	}

	e.log.Infow("Job run finished",
		logger.FieldJobID, job.ID,
		logger.FieldRunID, run.ID,
		logger.FieldStatus, string(status),
		logger.FieldDurationMS, completedAt.Sub(startedAt).Milliseconds(),
	)

	e.applyTransition(ctx, job, completedAt)
	return nil
}

// dispatch routes the job by type and converts every failure mode into a
// task result. It never returns an error: a thrown execution still finalizes.
func (e *Executor) dispatch(ctx context.Context, job *schedule.Job) *TaskResult {
	if job.Type == JobTypeWatchdog {
		return e.runWatchdogJob(ctx, job)
	}

	result, err := e.runAssistantTask(ctx, job)
	if err != nil {
		e.log.Warnw("Task execution failed",
			logger.FieldJobID, job.ID,
			logger.FieldError, err,
		)
		return &TaskResult{
			Status:  "failed",
			Summary: "task execution failed before a result was produced",
			Errors:  []TaskError{{Code: CodeTaskExecutionError, Message: err.Error()}},
		}
	}
	return result
}

func (e *Executor) runWatchdogJob(ctx context.Context, job *schedule.Job) *TaskResult {
	cfg := e.config.Watchdog
	if len(job.Payload) > 0 {
		var payload WatchdogPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return &TaskResult{
				Status:  "failed",
				Summary: "watchdog payload is not valid JSON",
				Errors:  []TaskError{{Code: CodeTaskExecutionError, Message: err.Error()}},
			}
		}
		if payload.LookbackMinutes > 0 {
			cfg.Lookback = time.Duration(payload.LookbackMinutes) * time.Minute
		}
		if payload.Threshold > 0 {
			cfg.Threshold = payload.Threshold
		}
		if payload.Notify != nil {
			cfg.Notify = *payload.Notify
		}
		if payload.ChatID != "" {
			cfg.ChatID = payload.ChatID
		}
	}

	check, err := e.watchdog.Check(ctx, e.clock(), cfg)
	if err != nil {
		return &TaskResult{
			Status:  "failed",
			Summary: "watchdog check failed",
			Errors:  []TaskError{{Code: CodeTaskExecutionError, Message: err.Error()}},
		}
	}

	summary := fmt.Sprintf("%d failed runs in window", check.FailedCount)
	if check.ShouldAlert {
		summary = fmt.Sprintf("%d failed runs in window, alert %s", check.FailedCount, check.NotificationStatus)
	}
	status := "success"
	if check.NotificationStatus == NotificationUnavailable {
		status = "failed"
	}

	result := &TaskResult{Status: status, Summary: summary}
	if status == "failed" {
		result.Errors = []TaskError{{
			Code:    CodeTaskExecutionError,
			Message: "watchdog alert required but no chat id is resolvable",
		}}
	}
	return result
}

// runAssistantTask prompts the gateway inside the job's durable session and
// parses the structured reply.
func (e *Executor) runAssistantTask(ctx context.Context, job *schedule.Job) (*TaskResult, error) {
	var payload TaskPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, errors.Wrapf(err, "job %s payload is not valid JSON", job.ID)
		}
	}

	base, err := taskcfg.LoadBase(e.config.Home)
	if err != nil {
		return nil, err
	}
	var profile *taskcfg.Profile
	if payload.ProfileID != "" {
		if profile, err = taskcfg.LoadProfile(e.config.Home, payload.ProfileID); err != nil {
			return nil, err
		}
	}
	effective := taskcfg.BuildEffective(base, payload.Lane, profile)

	sessionKey := fmt.Sprintf("scheduler:task:%s:assistant", job.ID)
	existingID, err := e.sessions.GetSessionID(ctx, sessionKey)
	if err != nil {
		return nil, err
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limiter interrupted")
	}
	sessionID, err := e.gw.EnsureSession(ctx, existingID)
	if err != nil {
		return nil, err
	}
	if sessionID != existingID {
		if err := e.sessions.SaveSessionID(ctx, sessionKey, sessionID, e.clock()); err != nil {
			return nil, err
		}
	}

	prompt := e.buildPrompt(job, payload)
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limiter interrupted")
	}
	reply, err := e.gw.PromptSession(ctx, sessionID, prompt, gateway.PromptOptions{
		SystemPrompt: effective.SystemPrompt,
		AllowedTools: effective.AllowedTools,
		Agent:        effective.Agent,
	})
	if err != nil {
		return nil, err
	}

	result, outcome := ParseTaskResult(reply)
	if outcome == ParseFailed {
		e.log.Warnw("Assistant reply did not parse as a task result",
			logger.FieldJobID, job.ID,
			logger.FieldErrorCode, result.Errors[0].Code,
		)
	}
	return result, nil
}

// buildPrompt renders the structured execution prompt. The reply contract is
// restated on every call because the gateway holds free-form conversation
// state between runs.
func (e *Executor) buildPrompt(job *schedule.Job, payload TaskPayload) string {
	return fmt.Sprintf(`Execute this scheduled task now.

Task message: %s

Context:
- job_id: %s
- job_type: %s
- schedule_type: %s
- profile_id: %s
- payload: %s
- current_time: %s

Respond with ONLY a JSON object, no prose and no markdown fence:
{"status": "success" | "failed" | "skipped", "summary": "<one line>", "errors": [{"code": "<code>", "message": "<detail>"}]}`,
		payload.Message,
		job.ID,
		job.Type,
		string(job.ScheduleType),
		payload.ProfileID,
		string(job.Payload),
		e.clock().UTC().Format(time.RFC3339),
	)
}

// mapResult converts a task result into run-row terminal fields
func mapResult(result *TaskResult) (schedule.RunStatus, string, string) {
	switch result.Status {
	case "success":
		return schedule.RunStatusSuccess, "", ""
	case "skipped":
		return schedule.RunStatusSkipped, "", ""
	}

	if len(result.Errors) > 0 {
		return schedule.RunStatusFailed, result.Errors[0].Code, result.Errors[0].Message
	}
	return schedule.RunStatusFailed, CodeTaskFailed, result.Summary
}

// applyTransition computes and persists the job's post-run schedule state.
// Any failure here falls back to releasing the lock so the job is retried on
// a later tick instead of being stuck running forever.
func (e *Executor) applyTransition(ctx context.Context, job *schedule.Job, completedAt time.Time) {
	transition, err := schedule.ResolveScheduleTransition(job, completedAt)
	if err != nil {
		e.log.Errorw("Failed to resolve schedule transition",
			logger.FieldJobID, job.ID,
			logger.FieldError, err,
		)
		e.releaseLock(ctx, job)
		return
	}

	switch transition.Mode {
	case schedule.TransitionReschedule:
		err = e.jobs.RescheduleRecurring(ctx, job.ID, job.LockToken, transition.LastRunAt, transition.NextRunAt, completedAt)
	case schedule.TransitionFinalize:
		err = e.jobs.FinalizeOneShot(ctx, job.ID, job.LockToken, transition.TerminalState, transition.TerminalReason, transition.LastRunAt, completedAt)
	}
	if err != nil {
		e.log.Errorw("Failed to persist schedule transition",
			logger.FieldJobID, job.ID,
			logger.FieldLockToken, job.LockToken,
			logger.FieldError, err,
		)
		e.releaseLock(ctx, job)
		return
	}

	if transition.Mode == schedule.TransitionReschedule {
		e.log.Infow("Job rescheduled",
			logger.FieldJobID, job.ID,
			logger.FieldNextRunAt, transition.NextRunAt,
		)
	}
}

func (e *Executor) releaseLock(ctx context.Context, job *schedule.Job) {
	if err := e.jobs.ReleaseLock(ctx, job.ID, job.LockToken, e.clock()); err != nil {
		e.log.Errorw("Failed to release job lock",
			logger.FieldJobID, job.ID,
			logger.FieldLockToken, job.LockToken,
			logger.FieldError, err,
		)
	}
}
