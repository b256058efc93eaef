// Package schedule provides durable task scheduling with lease-based claiming.
package schedule

import (
	"encoding/json"
	"time"
)

// JobStatus represents the current lifecycle state of a scheduled job
type JobStatus string

const (
	JobStatusIdle    JobStatus = "idle"
	JobStatusRunning JobStatus = "running"
	JobStatusPaused  JobStatus = "paused"
)

// ScheduleType discriminates recurring from one-shot jobs
type ScheduleType string

const (
	ScheduleRecurring ScheduleType = "recurring"
	ScheduleOneShot   ScheduleType = "oneshot"
)

// TerminalState is the final outcome of a one-shot job, set at most once
type TerminalState string

const (
	TerminalCompleted TerminalState = "completed"
	TerminalExpired   TerminalState = "expired"
	TerminalCancelled TerminalState = "cancelled"
)

// Job represents a scheduled task definition.
//
// The scheduler never interprets Payload; it is handed opaque to the executor,
// which dispatches on Type. Jobs are mutated only through Store operations so
// the lock-token invariant holds: status=running iff lock_token is set.
type Job struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	ScheduleType ScheduleType    `json:"schedule_type"`

	// CadenceMinutes is set for recurring jobs only (>= 1).
	CadenceMinutes *int `json:"cadence_minutes,omitempty"`
	// RunAt is the due time of a one-shot job.
	RunAt *time.Time `json:"run_at,omitempty"`

	// NextRunAt is NULL when the job is no longer schedulable.
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`

	Status        JobStatus  `json:"status"`
	LockToken     string     `json:"lock_token,omitempty"`
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"`

	TerminalState  TerminalState `json:"terminal_state,omitempty"`
	TerminalReason string        `json:"terminal_reason,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal reports whether a one-shot job has reached its final outcome.
func (j *Job) IsTerminal() bool {
	return j.TerminalState != ""
}

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusIdle, JobStatusRunning, JobStatusPaused:
		return true
	default:
		return false
	}
}
