package outbox

import "time"

// MessageKind determines which transport operation delivers the message
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindDocument MessageKind = "document"
	KindPhoto    MessageKind = "photo"
)

// Priority is a transport-side queueing hint. It never reorders the drain
// cycle; its only scheduling effect is that high priority bypasses
// quiet-hours suppression.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// MessageStatus is the delivery state of an outbound message.
// sent, failed, and cancelled are terminal: rows in those states are never
// mutated again.
type MessageStatus string

const (
	StatusQueued    MessageStatus = "queued"
	StatusSent      MessageStatus = "sent"
	StatusFailed    MessageStatus = "failed"
	StatusCancelled MessageStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed
func (s MessageStatus) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// Message is a durable outbound delivery record
type Message struct {
	ID            string        `json:"id"`
	DedupeKey     *string       `json:"dedupe_key,omitempty"`
	ChatID        string        `json:"chat_id"`
	Kind          MessageKind   `json:"kind"`
	Content       string        `json:"content"`
	MediaPath     string        `json:"media_path,omitempty"`
	MediaMimeType string        `json:"media_mime_type,omitempty"`
	MediaFilename string        `json:"media_filename,omitempty"`
	Priority      Priority      `json:"priority"`
	Status        MessageStatus `json:"status"`
	AttemptCount  int           `json:"attempt_count"`
	NextAttemptAt *time.Time    `json:"next_attempt_at,omitempty"`
	SentAt        *time.Time    `json:"sent_at,omitempty"`
	FailedAt      *time.Time    `json:"failed_at,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Outcome reports whether an enqueue inserted a new row or hit an existing
// dedupe key
type Outcome string

const (
	OutcomeEnqueued  Outcome = "enqueued"
	OutcomeDuplicate Outcome = "duplicate"
)
