package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/otto/errors"
	"github.com/teranos/otto/logger"
	"github.com/teranos/otto/outbox"
	"github.com/teranos/otto/schedule"
)

// JobTypeWatchdog marks jobs the engine dispatches to the failure watchdog
// instead of the assistant gateway
const JobTypeWatchdog = "watchdog"

// Notification statuses reported by a watchdog check
const (
	NotificationEnqueued    = "enqueued"
	NotificationDuplicate   = "duplicate"
	NotificationUnavailable = "notification_unavailable"
)

// WatchdogConfig controls one watchdog check
type WatchdogConfig struct {
	Lookback  time.Duration
	Threshold int
	Notify    bool
	ChatID    string
}

// WatchdogResult is the outcome of one watchdog check
type WatchdogResult struct {
	FailedCount        int    `json:"failed_count"`
	ShouldAlert        bool   `json:"should_alert"`
	NotificationStatus string `json:"notification_status,omitempty"`
}

// Watchdog inspects recent run history and raises a deduplicated alert when
// failures accumulate past a threshold.
type Watchdog struct {
	runs   *schedule.RunStore
	outbox *outbox.Store
	log    *zap.SugaredLogger
}

// NewWatchdog creates a watchdog over the given stores. The outbox store may
// be nil when no delivery queue is configured; alerts then report
// notification_unavailable.
func NewWatchdog(runs *schedule.RunStore, outboxStore *outbox.Store, log *zap.SugaredLogger) *Watchdog {
	if log == nil {
		log = logger.Logger
	}
	return &Watchdog{runs: runs, outbox: outboxStore, log: log}
}

// Check counts failed runs inside the lookback window, excluding the
// watchdog's own runs so its failures never feed its own threshold, and
// enqueues a single alert per window when the threshold is crossed.
func (w *Watchdog) Check(ctx context.Context, now time.Time, cfg WatchdogConfig) (WatchdogResult, error) {
	if cfg.Lookback <= 0 || cfg.Threshold < 1 {
		return WatchdogResult{}, errors.Wrapf(errors.ErrInvalidConfig,
			"watchdog requires positive lookback and threshold, got %v / %d", cfg.Lookback, cfg.Threshold)
	}

	count, err := w.runs.CountFailedRunsSince(ctx, now.Add(-cfg.Lookback), JobTypeWatchdog)
	if err != nil {
		return WatchdogResult{}, errors.Wrap(err, "failed to count failed runs")
	}

	result := WatchdogResult{FailedCount: count}
	if count < cfg.Threshold {
		return result, nil
	}
	result.ShouldAlert = true

	if !cfg.Notify {
		return result, nil
	}
	if cfg.ChatID == "" || w.outbox == nil {
		// A hard-stop failure state, not silently swallowed.
		result.NotificationStatus = NotificationUnavailable
		w.log.Warnw("Watchdog alert has no deliverable target",
			logger.FieldCount, count,
		)
		return result, nil
	}

	// The key is derived from the alert window, not the instant, so repeated
	// ticks inside one window collapse into a single alert row.
	windowStart := now.Truncate(cfg.Lookback)
	dedupeKey := fmt.Sprintf("watchdog:%s", windowStart.UTC().Format(time.RFC3339))

	msg := &outbox.Message{
		ID:     fmt.Sprintf("msg_%s", uuid.New().String()),
		ChatID: cfg.ChatID,
		Kind:   outbox.KindText,
		Content: fmt.Sprintf("%d scheduled task runs failed in the last %s. Check `otto jobs runs` for details.",
			count, cfg.Lookback),
		Priority:  outbox.PriorityHigh,
		CreatedAt: now,
		UpdatedAt: now,
	}
	msg.DedupeKey = &dedupeKey

	outcome, err := w.outbox.EnqueueOrIgnoreDedupe(ctx, msg)
	if err != nil {
		return result, errors.Wrap(err, "failed to enqueue watchdog alert")
	}

	switch outcome {
	case outbox.OutcomeEnqueued:
		result.NotificationStatus = NotificationEnqueued
		w.log.Infow("Watchdog alert enqueued",
			logger.FieldCount, count,
			logger.FieldChatID, cfg.ChatID,
		)
	case outbox.OutcomeDuplicate:
		result.NotificationStatus = NotificationDuplicate
	}
	return result, nil
}
