package errors

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelWrapping(t *testing.T) {
	err := Wrap(ErrLockMismatch, "reschedule job j-1")
	assert.True(t, Is(err, ErrLockMismatch))
	assert.True(t, IsLockMismatchError(err))
	assert.False(t, IsNotFoundError(err))
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("job not found: %s", "j-42")
	assert.True(t, IsNotFoundError(err))
	assert.Contains(t, err.Error(), "j-42")
}

func TestIsPassesThrough(t *testing.T) {
	err := Wrap(sql.ErrNoRows, "query job")
	assert.True(t, Is(err, sql.ErrNoRows))
}
