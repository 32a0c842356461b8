// Package notify turns task triggers into notifications and drives each
// channel's delivery receipt through send, retry and terminal states.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"remindflow/internal/domain"
	"remindflow/internal/metrics"
	"remindflow/internal/ports"
	"remindflow/internal/worker"
)

// persistRetryDelay is the shortest wait before an attempt whose receipt
// could not be stored is tried again.
const persistRetryDelay = time.Second

type Dispatcher struct {
	notes    ports.NotificationRepository
	receipts ports.DeliveryReceiptRepository
	pub      ports.EventPublisher
	pool     *worker.Pool
	clock    clockwork.Clock
	metrics  *metrics.Collector
	senders  map[domain.Channel]ports.ChannelSender

	cfgMu    sync.RWMutex
	cfg      Config
	limiters map[domain.Channel]*rate.Limiter

	// serializes receipt writes and the rollup that follows them
	rollupMu sync.Mutex

	// attempts and armed retry timers
	wg      sync.WaitGroup
	timerMu sync.Mutex
	timers  map[string]clockwork.Timer
	closed  bool
}

func NewDispatcher(
	notes ports.NotificationRepository,
	receipts ports.DeliveryReceiptRepository,
	pub ports.EventPublisher,
	pool *worker.Pool,
	clk clockwork.Clock,
	cfg Config,
	senders ...ports.ChannelSender,
) *Dispatcher {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	d := &Dispatcher{
		notes:    notes,
		receipts: receipts,
		pub:      pub,
		pool:     pool,
		clock:    clk,
		senders:  make(map[domain.Channel]ports.ChannelSender, len(senders)),
		timers:   make(map[string]clockwork.Timer),
	}
	for _, s := range senders {
		d.senders[s.Channel()] = s
	}
	d.Apply(cfg)
	return d
}

func (d *Dispatcher) WithMetrics(m *metrics.Collector) *Dispatcher {
	d.metrics = m
	return d
}

// Apply swaps the channel policies. Attempts already waiting on a retry
// timer keep their due time; the new policy applies from their next result.
func (d *Dispatcher) Apply(cfg Config) {
	limiters := make(map[domain.Channel]*rate.Limiter)
	for _, ch := range []domain.Channel{
		domain.ChannelDesktop, domain.ChannelEmail, domain.ChannelSMS, domain.ChannelSSE, domain.ChannelInApp,
	} {
		if l := cfg.policy(ch).limiter(); l != nil {
			limiters[ch] = l
		}
	}
	d.cfgMu.Lock()
	d.cfg = cfg
	d.limiters = limiters
	d.cfgMu.Unlock()
	log.Info().Int("rate_limited_channels", len(limiters)).Msg("delivery policies applied")
}

func (d *Dispatcher) policy(ch domain.Channel) (Policy, *rate.Limiter) {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg.policy(ch), d.limiters[ch]
}

// OnTaskTriggered creates the notification for one execution and starts a
// delivery attempt per channel. It returns once the notification and its
// receipts are stored; delivery continues in the background under ctx.
func (d *Dispatcher) OnTaskTriggered(ctx context.Context, ev domain.ScheduleTaskTriggered) (string, error) {
	n, receipts, err := domain.NewNotification(ev.AccountID, ev.Payload, d.clock.Now())
	if err != nil {
		return "", err
	}
	n.Metadata[domain.MetaSourceTaskID] = ev.TaskID
	n.Metadata[domain.MetaRunID] = ev.RunID
	if ev.SourceModule != "" {
		n.Metadata[domain.MetaSourceModule] = ev.SourceModule
	}
	if ev.SourceEntityID != "" {
		n.Metadata[domain.MetaSourceEntityID] = ev.SourceEntityID
	}
	if err := d.notes.CreateWithReceipts(ctx, n, receipts); err != nil {
		return "", fmt.Errorf("create notification: %w", err)
	}
	log.Info().Str("notification_id", n.ID).Str("task_id", ev.TaskID).Int("channels", len(receipts)).
		Msg("notification created")
	d.publish(ctx, domain.NotificationDispatched{NotificationID: n.ID, Channels: n.Channels})

	for _, r := range receipts {
		d.submit(ctx, n, r)
	}
	return n.ID, nil
}

// Recover re-drives the pending receipts of pending notifications, honouring
// any persisted retry time. Notifications whose receipts are all final but
// whose status was never rolled up are settled. It returns the number of
// receipts re-driven.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	notes, err := d.notes.FindPending(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("find pending notifications: %w", err)
	}
	now := d.clock.Now()
	resumed := 0
	for _, n := range notes {
		receipts, err := d.receipts.FindByNotification(ctx, n.ID)
		if err != nil {
			return resumed, fmt.Errorf("find receipts of %s: %w", n.ID, err)
		}
		pending := 0
		for _, r := range receipts {
			if r.Terminal() {
				continue
			}
			pending++
			if r.NextAttemptAt != nil && r.NextAttemptAt.After(now) {
				d.retryAt(ctx, n, r, *r.NextAttemptAt)
			} else {
				d.submit(ctx, n, r)
			}
		}
		if pending == 0 {
			d.rollupMu.Lock()
			d.rollup(ctx, n.ID, now)
			d.rollupMu.Unlock()
		}
		resumed += pending
	}
	log.Info().Int("notifications", len(notes)).Int("receipts", resumed).Msg("pending deliveries recovered")
	return resumed, nil
}

// Wait blocks until no attempt is running and no retry timer is armed.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Close disarms retry timers and waits for running attempts. Receipts left
// pending keep their persisted retry time for Recover.
func (d *Dispatcher) Close() {
	d.timerMu.Lock()
	d.closed = true
	for id, t := range d.timers {
		if t.Stop() {
			d.wg.Done()
		}
		delete(d.timers, id)
	}
	d.timerMu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) submit(ctx context.Context, n *domain.Notification, r *domain.DeliveryReceipt) {
	d.wg.Add(1)
	err := d.pool.Submit(ctx, func(ctx context.Context) {
		defer d.wg.Done()
		d.attempt(ctx, n, r)
	})
	if err != nil {
		d.wg.Done()
		log.Warn().Err(err).Str("receipt_id", r.ID).Str("channel", string(r.Channel)).
			Msg("delivery attempt not started; receipt left pending")
	}
}

func (d *Dispatcher) retryAt(ctx context.Context, n *domain.Notification, r *domain.DeliveryReceipt, at time.Time) {
	delay := at.Sub(d.clock.Now())
	if delay < 0 {
		delay = 0
	}
	d.timerMu.Lock()
	defer d.timerMu.Unlock()
	if d.closed {
		return
	}
	d.wg.Add(1)
	d.timers[r.ID] = d.clock.AfterFunc(delay, func() {
		d.timerMu.Lock()
		delete(d.timers, r.ID)
		d.timerMu.Unlock()
		if ctx.Err() == nil {
			d.submit(ctx, n, r)
		}
		d.wg.Done()
	})
}

func (d *Dispatcher) attempt(ctx context.Context, n *domain.Notification, r *domain.DeliveryReceipt) {
	pol, lim := d.policy(r.Channel)
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return
		}
	}

	var err error
	sender, ok := d.senders[r.Channel]
	if !ok {
		err = domain.Permanent(r.Channel, "no sender configured", nil)
	} else {
		sctx, cancel := context.WithTimeout(ctx, pol.SendTimeout)
		err = sender.Send(sctx, n)
		cancel()
		if err != nil && ctx.Err() != nil {
			// shutting down; the receipt stays pending for Recover
			return
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = domain.Transient(r.Channel, "send timeout", err)
		}
	}
	d.record(ctx, n, r, err, pol)
}

// record applies one attempt's outcome to the receipt, persists it, rolls
// the notification up and, when budget remains, arms the next attempt.
func (d *Dispatcher) record(ctx context.Context, n *domain.Notification, r *domain.DeliveryReceipt, sendErr error, pol Policy) {
	d.rollupMu.Lock()
	defer d.rollupMu.Unlock()

	now := d.clock.Now()
	next := r.Clone()
	outcome := "sent"
	var (
		at    time.Time
		retry bool
	)
	if sendErr == nil {
		next.MarkSent(now)
	} else {
		at, retry = next.MarkFailed(sendErr.Error(), domain.IsRetryable(sendErr), pol.MaxRetries, pol.BaseDelay, pol.Multiplier, now)
		outcome = "failed"
		if retry {
			outcome = "retry"
		}
	}

	l := log.With().Str("notification_id", n.ID).Str("receipt_id", r.ID).Str("channel", string(r.Channel)).Logger()
	if err := d.receipts.UpdateReceipt(ctx, next); err != nil {
		// the stored receipt is unchanged; try the same attempt again
		l.Error().Err(err).Msg("persist receipt")
		d.retryAt(ctx, n, r, now.Add(max(pol.BaseDelay, persistRetryDelay)))
		return
	}
	d.metrics.RecordDelivery(string(r.Channel), outcome)
	switch outcome {
	case "sent":
		l.Info().Msg("delivered")
	case "retry":
		l.Warn().Err(sendErr).Int("retry_count", next.RetryCount).Time("next_attempt_at", at).Msg("delivery failed, retrying")
	default:
		l.Warn().Err(sendErr).Int("retry_count", next.RetryCount).Msg("delivery failed")
	}

	d.rollup(ctx, n.ID, now)
	if retry {
		d.retryAt(ctx, n, next, at)
	}
}

// rollup recomputes the notification status from the stored receipts.
// Callers hold rollupMu.
func (d *Dispatcher) rollup(ctx context.Context, id string, now time.Time) {
	receipts, err := d.receipts.FindByNotification(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("notification_id", id).Msg("load receipts for rollup")
		return
	}
	n, err := d.notes.FindByID(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("notification_id", id).Msg("load notification for rollup")
		return
	}
	old, changed := n.ApplyRollup(receipts, now)
	if !changed {
		return
	}
	if err := d.notes.UpdateStatus(ctx, n); err != nil {
		log.Error().Err(err).Str("notification_id", id).Msg("persist notification status")
		return
	}
	if n.Terminal() {
		d.metrics.RecordNotification(string(n.Status))
	}
	log.Info().Str("notification_id", id).Str("old", string(old)).Str("new", string(n.Status)).
		Msg("notification status changed")
	d.publish(ctx, domain.NotificationStatusChanged{NotificationID: id, OldStatus: old, NewStatus: n.Status})
}

func (d *Dispatcher) publish(ctx context.Context, ev domain.Event) {
	if d.pub == nil {
		return
	}
	if err := d.pub.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("event", string(ev.Kind())).Msg("publish event")
	}
}
