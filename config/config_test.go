package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/otto/logger"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFileAppliesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
[database]
path = "/tmp/test-otto.db"
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test-otto.db", cfg.Database.Path)
	assert.Equal(t, 5, cfg.Scheduler.TickIntervalSeconds)
	assert.Equal(t, 5, cfg.Scheduler.BatchSize)
	assert.Equal(t, 120, cfg.Scheduler.LeaseSeconds)
	assert.Equal(t, 5, cfg.Outbox.MaxAttempts)
	assert.Equal(t, 1000, cfg.Outbox.BaseDelayMs)
	assert.Equal(t, 8000, cfg.Outbox.MaxDelayMs)
	assert.Equal(t, "http://127.0.0.1:18789", cfg.Gateway.BaseURL)
	assert.Equal(t, 60, cfg.Watchdog.LookbackMinutes)
	assert.True(t, cfg.Watchdog.Notify)
}

func TestLoadFromFileOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
[scheduler]
tick_interval_seconds = 1
batch_size = 20

[outbox]
max_attempts = 3

[notify]
chat_id = "chat_42"
timezone = "Europe/Berlin"
quiet_hours_start = "22:00"
quiet_hours_end = "07:00"
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Scheduler.TickIntervalSeconds)
	assert.Equal(t, 20, cfg.Scheduler.BatchSize)
	assert.Equal(t, 3, cfg.Outbox.MaxAttempts)
	assert.Equal(t, "chat_42", cfg.Notify.ChatID)
	assert.Equal(t, "Europe/Berlin", cfg.Notify.Timezone)
}

func TestLoadFromFileMissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestNotificationPolicyConversion(t *testing.T) {
	notify := NotifyConfig{
		ChatID:          "chat_1",
		Timezone:        "UTC",
		QuietHoursStart: "23:00",
		QuietHoursEnd:   "06:00",
		MuteUntil:       "2026-04-01T09:00:00Z",
	}

	policy, err := notify.NotificationPolicy()
	require.NoError(t, err)
	assert.Equal(t, "chat_1", policy.ChatID)
	assert.Equal(t, "23:00", policy.QuietHoursStart)
	require.NotNil(t, policy.MuteUntil)
	assert.Equal(t, time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC), policy.MuteUntil.UTC())
}

func TestNotificationPolicyInvalidMuteUntil(t *testing.T) {
	notify := NotifyConfig{MuteUntil: "tomorrow"}

	_, err := notify.NotificationPolicy()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mute_until")
}

func TestPolicyWatcherReloadsOnRewrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
[notify]
chat_id = "chat_before"
`)

	pw, err := NewPolicyWatcher(path, logger.NewTestLogger())
	require.NoError(t, err)
	defer pw.Stop()
	pw.debouncePeriod = 50 * time.Millisecond
	pw.Start()

	require.NotNil(t, pw.Current())
	assert.Equal(t, "chat_before", pw.Current().ChatID)

	writeConfig(t, dir, `
[notify]
chat_id = "chat_after"
quiet_mode = true
`)

	require.Eventually(t, func() bool {
		policy := pw.Current()
		return policy != nil && policy.ChatID == "chat_after" && policy.QuietMode
	}, 5*time.Second, 50*time.Millisecond)
}
