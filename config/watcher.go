package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/otto/errors"
	"github.com/teranos/otto/logger"
	"github.com/teranos/otto/outbox"
)

// PolicyWatcher keeps a live snapshot of the notification policy by watching
// the config file for changes. The outbox drain reads the snapshot through
// Current on every cycle, so a policy edit takes effect without a restart.
type PolicyWatcher struct {
	configPath     string
	watcher        *fsnotify.Watcher
	log            *zap.SugaredLogger
	debouncePeriod time.Duration

	mu            sync.RWMutex
	policy        *outbox.NotificationPolicy
	debounceTimer *time.Timer

	done chan struct{}
}

// NewPolicyWatcher creates a watcher over the given config file and loads the
// initial snapshot. A config file that fails to parse leaves the snapshot nil
// (never suppress) rather than blocking startup.
func NewPolicyWatcher(configPath string, log *zap.SugaredLogger) (*PolicyWatcher, error) {
	if log == nil {
		log = logger.Logger
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch config file %s", configPath)
	}

	pw := &PolicyWatcher{
		configPath:     configPath,
		watcher:        watcher,
		log:            log,
		debouncePeriod: 500 * time.Millisecond,
		done:           make(chan struct{}),
	}
	pw.reload()
	return pw, nil
}

// Current returns the latest policy snapshot. Safe for concurrent use; the
// returned value is never mutated after publication.
func (pw *PolicyWatcher) Current() *outbox.NotificationPolicy {
	pw.mu.RLock()
	defer pw.mu.RUnlock()
	return pw.policy
}

// Start begins watching for config file changes
func (pw *PolicyWatcher) Start() {
	go pw.watchLoop()
}

// Stop halts the watcher
func (pw *PolicyWatcher) Stop() {
	close(pw.done)
	pw.watcher.Close()
}

func (pw *PolicyWatcher) watchLoop() {
	for {
		select {
		case <-pw.done:
			return
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				pw.scheduleReload()
			}
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.log.Warnw("Config watcher error", logger.FieldError, err)
		}
	}
}

// scheduleReload debounces rapid successive writes into one reload
func (pw *PolicyWatcher) scheduleReload() {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	if pw.debounceTimer != nil {
		pw.debounceTimer.Stop()
	}
	pw.debounceTimer = time.AfterFunc(pw.debouncePeriod, pw.reload)
}

func (pw *PolicyWatcher) reload() {
	cfg, err := LoadFromFile(pw.configPath)
	if err != nil {
		pw.log.Warnw("Failed to reload config, keeping previous policy",
			logger.FieldError, err,
		)
		return
	}

	policy, err := cfg.Notify.NotificationPolicy()
	if err != nil {
		pw.log.Warnw("Invalid notification policy, keeping previous snapshot",
			logger.FieldError, err,
		)
		return
	}

	pw.mu.Lock()
	pw.policy = policy
	pw.mu.Unlock()

	pw.log.Infow("Notification policy reloaded",
		logger.FieldChatID, policy.ChatID,
		"quiet_mode", policy.QuietMode,
	)
}
