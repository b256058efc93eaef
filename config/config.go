// Package config loads otto's TOML configuration from ~/.otto/config.toml
// with environment variable overrides (OTTO_ prefix).
package config

import (
	"time"

	"github.com/teranos/otto/errors"
	"github.com/teranos/otto/outbox"
)

// Config is the root configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Outbox    OutboxConfig    `mapstructure:"outbox"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog"`
	Log       LogConfig       `mapstructure:"log"`
}

// DatabaseConfig configures the SQLite store
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig configures the kernel tick loop
type SchedulerConfig struct {
	TickIntervalSeconds int `mapstructure:"tick_interval_seconds"` // how often to check for due jobs
	BatchSize           int `mapstructure:"batch_size"`            // max jobs claimed per tick
	LeaseSeconds        int `mapstructure:"lease_seconds"`         // claim lease before reclamation
}

// OutboxConfig configures the outbound delivery queue
type OutboxConfig struct {
	DrainIntervalSeconds int `mapstructure:"drain_interval_seconds"`
	MaxAttempts          int `mapstructure:"max_attempts"`
	BaseDelayMs          int `mapstructure:"base_delay_ms"`
	MaxDelayMs           int `mapstructure:"max_delay_ms"`
	ChunkLimit           int `mapstructure:"chunk_limit"` // max characters per outbound text message
}

// GatewayConfig configures the assistant gateway client
type GatewayConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	Token             string  `mapstructure:"token"`
	Agent             string  `mapstructure:"agent"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	RequestsPerMinute float64 `mapstructure:"requests_per_minute"` // gateway call rate limit
}

// TelegramConfig configures the delivery transport
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
}

// NotifyConfig is the [notify] section: delivery target and quiet-hours
// policy. It is read-only input to the outbox drain; a settings UI owns the
// file itself.
type NotifyConfig struct {
	ChatID                  string `mapstructure:"chat_id"`
	Timezone                string `mapstructure:"timezone"`
	QuietHoursStart         string `mapstructure:"quiet_hours_start"` // wall-clock "HH:MM"
	QuietHoursEnd           string `mapstructure:"quiet_hours_end"`
	QuietMode               bool   `mapstructure:"quiet_mode"`
	MuteUntil               string `mapstructure:"mute_until"` // RFC3339, empty = not muted
	HeartbeatCadenceMinutes int    `mapstructure:"heartbeat_cadence_minutes"`
}

// WatchdogConfig configures the default failure watchdog check
type WatchdogConfig struct {
	LookbackMinutes int  `mapstructure:"lookback_minutes"`
	Threshold       int  `mapstructure:"threshold"`
	Notify          bool `mapstructure:"notify"`
}

// LogConfig configures logging output
type LogConfig struct {
	JSON bool `mapstructure:"json"`
}

// NotificationPolicy converts the [notify] section into the outbox's policy
// snapshot. An empty section yields a policy that never suppresses.
func (n NotifyConfig) NotificationPolicy() (*outbox.NotificationPolicy, error) {
	policy := &outbox.NotificationPolicy{
		Timezone:                n.Timezone,
		QuietHoursStart:         n.QuietHoursStart,
		QuietHoursEnd:           n.QuietHoursEnd,
		QuietMode:               n.QuietMode,
		HeartbeatCadenceMinutes: n.HeartbeatCadenceMinutes,
		ChatID:                  n.ChatID,
	}
	if n.MuteUntil != "" {
		t, err := time.Parse(time.RFC3339, n.MuteUntil)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid notify.mute_until %q", n.MuteUntil)
		}
		policy.MuteUntil = &t
	}
	return policy, nil
}
