package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/otto/errors"
	"github.com/teranos/otto/logger"
)

// Transport delivers outbound messages to the messaging backend
type Transport interface {
	SendMessage(ctx context.Context, chatID, text string) error
	SendDocument(ctx context.Context, chatID, path, mimeType, filename, caption string) error
	SendPhoto(ctx context.Context, chatID, path, caption string) error
}

// PolicyProvider returns the current notification policy snapshot, or nil
// when no policy is configured (never suppress).
type PolicyProvider func() *NotificationPolicy

// DispatcherConfig controls drain cadence and retry behavior
type DispatcherConfig struct {
	Interval    time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	ChunkLimit  int
}

// Dispatcher drains the outbound queue on a fixed interval. Messages are
// delivered one at a time within a cycle so backoff bookkeeping stays simple
// and a retried row never has two sends in flight.
type Dispatcher struct {
	store     *Store
	transport Transport
	policy    PolicyProvider
	config    DispatcherConfig
	log       *zap.SugaredLogger
	clock     func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given store and transport
func NewDispatcher(store *Store, transport Transport, policy PolicyProvider, config DispatcherConfig, log *zap.SugaredLogger) *Dispatcher {
	if log == nil {
		log = logger.Logger
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 5
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 8 * time.Second
	}
	if config.ChunkLimit < 1 {
		config.ChunkLimit = 4096
	}
	return &Dispatcher{
		store:     store,
		transport: transport,
		policy:    policy,
		config:    config,
		log:       log,
		clock:     time.Now,
	}
}

// SetClock overrides the dispatcher's time source
func (d *Dispatcher) SetClock(clock func() time.Time) {
	d.clock = clock
}

// Start launches the drain loop
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(d.config.Interval)
		defer ticker.Stop()

		d.log.Infow("Outbound dispatcher started",
			"interval", d.config.Interval,
			"max_attempts", d.config.MaxAttempts,
		)

		for {
			select {
			case <-ctx.Done():
				d.log.Infow("Outbound dispatcher stopped")
				return
			case <-ticker.C:
				if err := d.DrainDue(ctx, d.clock()); err != nil {
					d.log.Errorw("Outbound drain cycle failed", logger.FieldError, err)
				}
			}
		}
	}()
}

// Stop halts the drain loop and waits for the current cycle to finish
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// DrainDue processes every due queued message once. A single message's
// delivery failure never aborts the cycle; only store-level I/O failures
// propagate.
func (d *Dispatcher) DrainDue(ctx context.Context, now time.Time) error {
	due, err := d.store.ListDue(ctx, now)
	if err != nil {
		return errors.Wrap(err, "failed to list due messages")
	}

	var policy *NotificationPolicy
	if d.policy != nil {
		policy = d.policy()
	}

	for _, msg := range due {
		if err := d.deliver(ctx, msg, policy, now); err != nil {
			return err
		}
	}
	return nil
}

// deliver handles one due message: policy gate, transport dispatch, and the
// resulting state transition. The returned error is non-nil only for
// store-level failures.
func (d *Dispatcher) deliver(ctx context.Context, msg *Message, policy *NotificationPolicy, now time.Time) error {
	if suppressed, reason := EvaluatePolicy(policy, msg.Priority, now); suppressed {
		// Suppression consumes a retry slot so a muted message does not
		// loop indefinitely once the window ends.
		return d.recordFailure(ctx, msg, "suppressed_by_policy:"+reason, now)
	}

	var sendErr error
	switch msg.Kind {
	case KindText:
		sendErr = d.transport.SendMessage(ctx, msg.ChatID, msg.Content)
	case KindDocument:
		sendErr = d.transport.SendDocument(ctx, msg.ChatID, msg.MediaPath, msg.MediaMimeType, msg.MediaFilename, msg.Content)
	case KindPhoto:
		sendErr = d.transport.SendPhoto(ctx, msg.ChatID, msg.MediaPath, msg.Content)
	default:
		sendErr = errors.Newf("unknown message kind %q", msg.Kind)
	}

	if sendErr != nil {
		d.log.Warnw("Message delivery failed",
			logger.FieldMessageID, msg.ID,
			logger.FieldChatID, msg.ChatID,
			logger.FieldAttempt, msg.AttemptCount+1,
			logger.FieldError, sendErr,
		)
		return d.recordFailure(ctx, msg, sendErr.Error(), now)
	}

	if err := d.store.MarkSent(ctx, msg.ID, msg.AttemptCount+1, now); err != nil {
		return errors.Wrapf(err, "failed to mark message %s sent", msg.ID)
	}
	d.log.Infow("Message delivered",
		logger.FieldMessageID, msg.ID,
		logger.FieldChatID, msg.ChatID,
		logger.FieldKind, string(msg.Kind),
	)
	return nil
}

// recordFailure advances the retry bookkeeping after a failed or suppressed
// attempt. The message is retried with exponential backoff until attempts are
// exhausted, then marked permanently failed.
func (d *Dispatcher) recordFailure(ctx context.Context, msg *Message, errorMessage string, now time.Time) error {
	nextAttempt := msg.AttemptCount + 1
	if nextAttempt < d.config.MaxAttempts {
		delay := RetryDelay(nextAttempt, d.config.BaseDelay, d.config.MaxDelay)
		if err := d.store.MarkRetry(ctx, msg.ID, nextAttempt, now.Add(delay), errorMessage, now); err != nil {
			return errors.Wrapf(err, "failed to mark message %s for retry", msg.ID)
		}
		return nil
	}

	if err := d.store.MarkFailed(ctx, msg.ID, nextAttempt, errorMessage, now); err != nil {
		return errors.Wrapf(err, "failed to mark message %s failed", msg.ID)
	}
	d.log.Warnw("Message permanently failed",
		logger.FieldMessageID, msg.ID,
		logger.FieldChatID, msg.ChatID,
		logger.FieldAttempt, nextAttempt,
	)
	return nil
}

// EnqueueText splits text into transport-sized chunks and enqueues each as a
// separate queued message. When a dedupe key is supplied each chunk gets a
// derived key so chunks dedupe independently.
func (d *Dispatcher) EnqueueText(ctx context.Context, chatID, text string, priority Priority, dedupeKey string) ([]Outcome, error) {
	chunks := SplitText(text, d.config.ChunkLimit)
	now := d.clock()

	outcomes := make([]Outcome, 0, len(chunks))
	for i, chunk := range chunks {
		msg := &Message{
			ID:        fmt.Sprintf("msg_%s", uuid.New().String()),
			ChatID:    chatID,
			Kind:      KindText,
			Content:   chunk,
			Priority:  priority,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if dedupeKey != "" {
			key := dedupeKey
			if len(chunks) > 1 {
				key = ChunkDedupeKey(dedupeKey, i+1, len(chunks))
			}
			msg.DedupeKey = &key
		}

		outcome, err := d.store.EnqueueOrIgnoreDedupe(ctx, msg)
		if err != nil {
			return outcomes, errors.Wrapf(err, "failed to enqueue chunk %d of %d", i+1, len(chunks))
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}
