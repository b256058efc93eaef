package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/teranos/otto/errors"
)

// Store handles persistence of the outbound delivery queue
type Store struct {
	db *sql.DB
}

// NewStore creates a new outbound message store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const messageColumns = `id, dedupe_key, chat_id, kind, content,
	media_path, media_mime_type, media_filename,
	priority, status, attempt_count, next_attempt_at,
	sent_at, failed_at, error_message, created_at, updated_at`

// EnqueueOrIgnoreDedupe inserts a new queued message. A unique-constraint
// violation on dedupe_key is the idempotent "duplicate" outcome, not an
// error: the earlier row already covers this delivery.
func (s *Store) EnqueueOrIgnoreDedupe(ctx context.Context, msg *Message) (Outcome, error) {
	query := `
		INSERT INTO outbound_messages (
			id, dedupe_key, chat_id, kind, content,
			media_path, media_mime_type, media_filename,
			priority, status, attempt_count, next_attempt_at,
			sent_at, failed_at, error_message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'queued', 0, NULL, NULL, NULL, NULL, ?, ?)
	`

	var dedupeKey sql.NullString
	if msg.DedupeKey != nil {
		dedupeKey = sql.NullString{String: *msg.DedupeKey, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		dedupeKey,
		msg.ChatID,
		string(msg.Kind),
		msg.Content,
		sql.NullString{String: msg.MediaPath, Valid: msg.MediaPath != ""},
		sql.NullString{String: msg.MediaMimeType, Valid: msg.MediaMimeType != ""},
		sql.NullString{String: msg.MediaFilename, Valid: msg.MediaFilename != ""},
		string(msg.Priority),
		msg.CreatedAt.Format(time.RFC3339),
		msg.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return OutcomeDuplicate, nil
		}
		return "", errors.Wrapf(err, "failed to enqueue message %s", msg.ID)
	}

	msg.Status = StatusQueued
	return OutcomeEnqueued, nil
}

// GetMessage retrieves a message by ID
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM outbound_messages WHERE id = ?`

	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get message")
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, errors.Wrap(err, "failed to get message")
		}
		return nil, errors.NewNotFoundError("message not found: %s", id)
	}

	return scanMessage(rows)
}

// GetByDedupeKey retrieves the message holding the given dedupe key
func (s *Store) GetByDedupeKey(ctx context.Context, key string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM outbound_messages WHERE dedupe_key = ?`

	rows, err := s.db.QueryContext(ctx, query, key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get message by dedupe key")
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, errors.Wrap(err, "failed to get message by dedupe key")
		}
		return nil, errors.NewNotFoundError("message not found for dedupe key: %s", key)
	}

	return scanMessage(rows)
}

// ListDue returns queued messages whose next attempt is due at or before now,
// oldest first. Rows with no next_attempt_at have never been attempted and
// are always due. Priority never reorders the drain.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM outbound_messages
		WHERE status = 'queued'
		  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, now.Format(time.RFC3339))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due messages")
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkSent transitions a queued message to sent. Terminal rows are never
// touched: the status guard makes a second transition affect zero rows.
func (s *Store) MarkSent(ctx context.Context, id string, attemptCount int, sentAt time.Time) error {
	query := `UPDATE outbound_messages
		SET status = 'sent',
		    attempt_count = ?,
		    sent_at = ?,
		    error_message = NULL,
		    updated_at = ?
		WHERE id = ? AND status = 'queued'`

	result, err := s.db.ExecContext(ctx, query,
		attemptCount,
		sentAt.Format(time.RFC3339),
		sentAt.Format(time.RFC3339),
		id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to mark message %s sent", id)
	}
	return requireQueuedRow(result, id)
}

// MarkRetry records a failed attempt and schedules the next one
func (s *Store) MarkRetry(ctx context.Context, id string, attemptCount int, nextAttemptAt time.Time, errorMessage string, now time.Time) error {
	query := `UPDATE outbound_messages
		SET attempt_count = ?,
		    next_attempt_at = ?,
		    error_message = ?,
		    updated_at = ?
		WHERE id = ? AND status = 'queued'`

	result, err := s.db.ExecContext(ctx, query,
		attemptCount,
		nextAttemptAt.Format(time.RFC3339),
		sql.NullString{String: errorMessage, Valid: errorMessage != ""},
		now.Format(time.RFC3339),
		id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to mark message %s for retry", id)
	}
	return requireQueuedRow(result, id)
}

// MarkFailed transitions a queued message to failed after its attempts are
// exhausted. No further delivery is attempted.
func (s *Store) MarkFailed(ctx context.Context, id string, attemptCount int, errorMessage string, failedAt time.Time) error {
	query := `UPDATE outbound_messages
		SET status = 'failed',
		    attempt_count = ?,
		    failed_at = ?,
		    error_message = ?,
		    next_attempt_at = NULL,
		    updated_at = ?
		WHERE id = ? AND status = 'queued'`

	result, err := s.db.ExecContext(ctx, query,
		attemptCount,
		failedAt.Format(time.RFC3339),
		sql.NullString{String: errorMessage, Valid: errorMessage != ""},
		failedAt.Format(time.RFC3339),
		id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to mark message %s failed", id)
	}
	return requireQueuedRow(result, id)
}

// Cancel transitions a queued message to cancelled
func (s *Store) Cancel(ctx context.Context, id string, now time.Time) error {
	query := `UPDATE outbound_messages
		SET status = 'cancelled',
		    next_attempt_at = NULL,
		    updated_at = ?
		WHERE id = ? AND status = 'queued'`

	result, err := s.db.ExecContext(ctx, query, now.Format(time.RFC3339), id)
	if err != nil {
		return errors.Wrapf(err, "failed to cancel message %s", id)
	}
	return requireQueuedRow(result, id)
}

// requireQueuedRow turns a zero-row update into ErrTerminal: the row is
// either missing or already in a terminal state.
func requireQueuedRow(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrTerminal, "message %s is not queued", id)
	}
	return nil
}

func scanMessage(rows *sql.Rows) (*Message, error) {
	var msg Message
	var kind, priority, status, createdAt, updatedAt string
	var dedupeKey, mediaPath, mediaMimeType, mediaFilename sql.NullString
	var nextAttemptAt, sentAt, failedAt, errorMessage sql.NullString

	err := rows.Scan(
		&msg.ID,
		&dedupeKey,
		&msg.ChatID,
		&kind,
		&msg.Content,
		&mediaPath,
		&mediaMimeType,
		&mediaFilename,
		&priority,
		&status,
		&msg.AttemptCount,
		&nextAttemptAt,
		&sentAt,
		&failedAt,
		&errorMessage,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan message")
	}

	msg.Kind = MessageKind(kind)
	msg.Priority = Priority(priority)
	msg.Status = MessageStatus(status)
	if dedupeKey.Valid {
		msg.DedupeKey = &dedupeKey.String
	}
	if mediaPath.Valid {
		msg.MediaPath = mediaPath.String
	}
	if mediaMimeType.Valid {
		msg.MediaMimeType = mediaMimeType.String
	}
	if mediaFilename.Valid {
		msg.MediaFilename = mediaFilename.String
	}
	if errorMessage.Valid {
		msg.ErrorMessage = errorMessage.String
	}

	if msg.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for message %s", msg.ID)
	}
	if msg.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for message %s", msg.ID)
	}

	var parseErr error
	if msg.NextAttemptAt, parseErr = parseNullTime(nextAttemptAt, "next_attempt_at", msg.ID); parseErr != nil {
		return nil, parseErr
	}
	if msg.SentAt, parseErr = parseNullTime(sentAt, "sent_at", msg.ID); parseErr != nil {
		return nil, parseErr
	}
	if msg.FailedAt, parseErr = parseNullTime(failedAt, "failed_at", msg.ID); parseErr != nil {
		return nil, parseErr
	}

	return &msg, nil
}

// parseNullTime parses an optional RFC3339 column. A parse failure indicates
// data corruption or schema mismatch.
func parseNullTime(value sql.NullString, column, id string) (*time.Time, error) {
	if !value.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value.String)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s for message %s", column, id)
	}
	return &t, nil
}
