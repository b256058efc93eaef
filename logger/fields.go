package logger

// Standard field names for consistent structured logging across otto.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldJobID     = "job_id"
	FieldRunID     = "run_id"
	FieldMessageID = "message_id"
	FieldChatID    = "chat_id"
	FieldLockToken = "lock_token"
	FieldSessionID = "session_id"

	// Components
	FieldComponent = "component"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldNextRunAt  = "next_run_at"
	FieldScheduled  = "scheduled_for"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"

	// Counts and sizes
	FieldCount    = "count"
	FieldAttempt  = "attempt"
	FieldInterval = "interval"

	// Status
	FieldStatus = "status"
	FieldKind   = "kind"
)
