package outbox

import (
	"time"

	"github.com/teranos/otto/errors"
)

// NotificationPolicy is a read-only snapshot of the user's delivery
// preferences. The queue never mutates it; a settings subsystem owns the
// underlying configuration.
type NotificationPolicy struct {
	Timezone                string
	QuietHoursStart         string // wall-clock "HH:MM"
	QuietHoursEnd           string // wall-clock "HH:MM"
	QuietMode               bool
	MuteUntil               *time.Time
	HeartbeatCadenceMinutes int
	ChatID                  string
}

// Suppression reasons surfaced in the message's error field as
// "suppressed_by_policy:<reason>".
const (
	SuppressReasonQuietHours = "quiet_hours"
	SuppressReasonQuietMode  = "quiet_mode"
	SuppressReasonMuted      = "muted"
)

// EvaluatePolicy decides whether delivery of a message with the given
// priority should be suppressed at the given instant. A nil policy means no
// policy is configured and delivery always proceeds. High priority overrides
// every suppression tier.
func EvaluatePolicy(policy *NotificationPolicy, priority Priority, now time.Time) (suppressed bool, reason string) {
	if policy == nil || priority == PriorityHigh {
		return false, ""
	}

	if policy.MuteUntil != nil && policy.MuteUntil.After(now) {
		return true, SuppressReasonMuted
	}
	if policy.QuietMode {
		return true, SuppressReasonQuietMode
	}

	inQuiet, err := inQuietHours(policy, now)
	if err != nil {
		// A malformed window never blocks delivery.
		return false, ""
	}
	if inQuiet {
		return true, SuppressReasonQuietHours
	}
	return false, ""
}

// inQuietHours compares the policy's wall-clock window against now in the
// policy's timezone. A window whose start is later than its end crosses
// midnight (e.g. 22:00–07:00).
func inQuietHours(policy *NotificationPolicy, now time.Time) (bool, error) {
	if policy.QuietHoursStart == "" || policy.QuietHoursEnd == "" {
		return false, nil
	}

	loc := time.UTC
	if policy.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(policy.Timezone)
		if err != nil {
			return false, errors.Wrapf(err, "invalid policy timezone %q", policy.Timezone)
		}
	}

	start, err := parseWallClock(policy.QuietHoursStart)
	if err != nil {
		return false, err
	}
	end, err := parseWallClock(policy.QuietHoursEnd)
	if err != nil {
		return false, err
	}

	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()

	if start == end {
		return false, nil
	}
	if start < end {
		return minute >= start && minute < end, nil
	}
	// crosses midnight
	return minute >= start || minute < end, nil
}

func parseWallClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid wall-clock time %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
