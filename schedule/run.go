package schedule

import "time"

// RunStatus is the terminal status of a job run
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
	RunStatusSkipped RunStatus = "skipped"
)

// Run is the audit record of a single job execution.
//
// A run is inserted as a 'skipped' placeholder before the task executes and
// finalized exactly once to its terminal status. The placeholder guarantees a
// run row exists even if the process crashes mid-execution: a row with NULL
// finished_at is evidence of an interrupted run.
type Run struct {
	ID           string     `json:"id"`
	JobID        string     `json:"job_id"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Status       RunStatus  `json:"status"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ResultJSON   string     `json:"result_json,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
