package gateway

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/otto/errors"
)

// SessionStore persists the mapping from a stable session key to the
// gateway's conversation session id, so recurring jobs keep their
// conversation history across process restarts.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore creates a new session store
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

// GetSessionID returns the stored session id for a key, or "" when none
// exists yet
func (s *SessionStore) GetSessionID(ctx context.Context, sessionKey string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM gateway_sessions WHERE session_key = ?`,
		sessionKey,
	).Scan(&sessionID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to get session for key %s", sessionKey)
	}
	return sessionID, nil
}

// SaveSessionID upserts the session id for a key
func (s *SessionStore) SaveSessionID(ctx context.Context, sessionKey, sessionID string, now time.Time) error {
	query := `INSERT INTO gateway_sessions (session_key, session_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			session_id = excluded.session_id,
			updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query, sessionKey, sessionID, now.Format(time.RFC3339))
	if err != nil {
		return errors.Wrapf(err, "failed to save session for key %s", sessionKey)
	}
	return nil
}

// DeleteSession removes a stored session mapping
func (s *SessionStore) DeleteSession(ctx context.Context, sessionKey string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM gateway_sessions WHERE session_key = ?`, sessionKey)
	if err != nil {
		return errors.Wrapf(err, "failed to delete session for key %s", sessionKey)
	}
	return nil
}
