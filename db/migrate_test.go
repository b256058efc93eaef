package db

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMigrateCreatesSchema(t *testing.T) {
	conn := openMemoryDB(t)

	err := Migrate(conn, nil)
	require.NoError(t, err)

	for _, table := range []string{"scheduler_jobs", "job_runs", "outbound_messages", "gateway_sessions"} {
		var name string
		err := conn.QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
		assert.Equal(t, table, name)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn := openMemoryDB(t)

	require.NoError(t, Migrate(conn, nil))
	require.NoError(t, Migrate(conn, nil))

	var count int
	err := conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestDedupeKeyUniqueness(t *testing.T) {
	conn := openMemoryDB(t)
	require.NoError(t, Migrate(conn, nil))

	insert := `INSERT INTO outbound_messages (id, dedupe_key, chat_id, created_at, updated_at)
	           VALUES (?, ?, ?, '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`

	_, err := conn.Exec(insert, "m1", "k1", "chat")
	require.NoError(t, err)

	_, err = conn.Exec(insert, "m2", "k1", "chat")
	assert.Error(t, err, "duplicate dedupe_key should violate unique index")

	// NULL dedupe keys never collide
	_, err = conn.Exec(insert, "m3", nil, "chat")
	require.NoError(t, err)
	_, err = conn.Exec(insert, "m4", nil, "chat")
	require.NoError(t, err)
}
