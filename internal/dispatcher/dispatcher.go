// Package dispatcher implements the Queue Dispatcher (§4.6): persistent
// QueueItem polling gated by a global minimum inter-send interval, plus a
// transient in-memory burst mode for rapid-fire delivery (batch processing,
// /flush). Grounded on the teacher's CronService (pkg/cron/service.go): a
// mutex-guarded scheduler that re-arms itself after each tick and exposes a
// manual Wake, generalized from per-job cron schedules to one global
// interval plus burst bookkeeping. The minimum poll tick rides on
// robfig/cron/v3's "@every" spec instead of CronService's raw
// time.AfterFunc, since promobot has no per-job next-run store to compute a
// precise wake time from — a fixed tick is all §4.6 calls for.
package dispatcher

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/promobot/promobot/internal/broadcaststore"
	"github.com/promobot/promobot/internal/config"
	"github.com/promobot/promobot/internal/transport"
)

// Dispatcher drains the persistent queue on a minimum-interval cadence and
// can additionally fire a burst of already-due items back-to-back.
type Dispatcher struct {
	Broadcasts *broadcaststore.Store
	Transport  transport.Transport
	Config     config.QueueConfig
	Log        zerolog.Logger

	mu         sync.Mutex
	cronRunner *cron.Cron
	lastSendAt time.Time
	burst      []*burstEntry
	wakeCh     chan struct{}
	stopCh     chan struct{}
	started    bool
}

type burstEntry struct {
	queueItem broadcaststore.QueueItem
	cancel    context.CancelFunc
}

// New builds a Dispatcher. Call Start to begin polling.
func New(broadcasts *broadcaststore.Store, tr transport.Transport, cfg config.QueueConfig, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		Broadcasts: broadcasts,
		Transport:  tr,
		Config:     cfg,
		Log:        log.With().Str("component", "dispatcher").Logger(),
		wakeCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// Start arms the minimum poll tick (default 60s, §4.6) and begins listening
// for Wake signals. Calling Start twice is a no-op.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	d.mu.Unlock()

	poll := d.Config.PollInterval
	if poll <= 0 {
		poll = 60 * time.Second
	}
	d.cronRunner = cron.New()
	if _, err := d.cronRunner.AddFunc(fmt.Sprintf("@every %s", poll), func() { d.tick(ctx) }); err != nil {
		return fmt.Errorf("dispatcher: schedule poll tick: %w", err)
	}
	d.cronRunner.Start()

	go d.wakeLoop(ctx)
	d.Log.Info().Dur("poll_interval", poll).Msg("dispatcher started")
	return nil
}

func (d *Dispatcher) wakeLoop(ctx context.Context) {
	for {
		select {
		case <-d.wakeCh:
			d.tick(ctx)
		case <-d.stopCh:
			return
		}
	}
}

// Wake requests an out-of-cycle poll, used after SCHEDULE or /flush so the
// operator doesn't wait out the next tick (§4.6). Non-blocking: a pending
// wake already queued is enough.
func (d *Dispatcher) Wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// Stop halts the poll tick and cancels every in-flight burst timer.
// Persistent QueueItems are left exactly as they are (§4.6, §7): a
// mid-burst shutdown never marks an item sent or failed on its behalf.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return
	}
	if d.cronRunner != nil {
		d.cronRunner.Stop()
	}
	close(d.stopCh)
	for _, b := range d.burst {
		b.cancel()
	}
	d.burst = nil
	d.started = false
	d.Log.Info().Msg("dispatcher stopped; persistent queue items left untouched")
}

// tick sends at most one QueueItem, respecting the global minimum
// inter-send interval (§4.6, §8 property: sends never happen closer
// together than the configured minimum outside of an explicit burst).
func (d *Dispatcher) tick(ctx context.Context) {
	d.mu.Lock()
	minInterval := time.Duration(d.Config.MinIntervalMinutes) * time.Minute
	if minInterval <= 0 {
		minInterval = 47 * time.Minute
	}
	ready := d.lastSendAt.IsZero() || time.Since(d.lastSendAt) >= minInterval
	d.mu.Unlock()
	if !ready {
		return
	}

	item, rec, err := d.Broadcasts.NextDue(ctx)
	if err != nil {
		d.Log.Warn().Err(err).Msg("dispatcher: failed to query next due item")
		return
	}
	if item == nil {
		return
	}
	d.sendItem(ctx, *item, rec)
}

// ScheduleBurst fires a set of QueueItems (whose broadcasts are already
// persisted; the items themselves need not have a queue row) back-to-back
// with a randomized gap between each send, bypassing the minimum interval
// because the operator explicitly asked for rapid delivery (batch
// processing's 15-30s gap, or /flush's 10-15s gap — §4.5.2, §4.6). Each
// entry gets its own cancellable timer so Stop can abort mid-burst without
// touching anything already persisted.
func (d *Dispatcher) ScheduleBurst(ctx context.Context, items []broadcaststore.QueueItem, jitterMin, jitterMax time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delay := time.Duration(0)
	for _, item := range items {
		item := item
		burstCtx, cancel := context.WithCancel(ctx)
		entry := &burstEntry{queueItem: item, cancel: cancel}
		d.burst = append(d.burst, entry)

		go func(wait time.Duration) {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-timer.C:
				d.fireBurstEntry(burstCtx, item)
				d.removeBurstEntry(entry)
			case <-burstCtx.Done():
				d.removeBurstEntry(entry)
			}
		}(delay)

		delay += jitter(jitterMin, jitterMax)
	}
}

// Flush implements /flush (§4.6): drains every persistent pending
// QueueItem plus every active burst entry, then sends all of them
// sequentially with a uniform 10-15s gap. Cancelling the live burst
// entries first (rather than letting their own timers keep firing
// alongside the new ones) keeps each item sent exactly once.
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	d.mu.Lock()
	drained := make([]broadcaststore.QueueItem, 0, len(d.burst))
	for _, b := range d.burst {
		b.cancel()
		drained = append(drained, b.queueItem)
	}
	d.burst = nil
	d.mu.Unlock()

	persisted, err := d.Broadcasts.ClearPending(ctx)
	if err != nil {
		return 0, err
	}
	drained = append(drained, persisted...)
	if len(drained) == 0 {
		return 0, nil
	}
	d.ScheduleBurst(ctx, drained, d.flushJitterMin(), d.flushJitterMax())
	return len(drained), nil
}

func (d *Dispatcher) flushJitterMin() time.Duration {
	if d.Config.FlushJitterMin > 0 {
		return d.Config.FlushJitterMin
	}
	return 10 * time.Second
}

func (d *Dispatcher) flushJitterMax() time.Duration {
	if d.Config.FlushJitterMax > 0 {
		return d.Config.FlushJitterMax
	}
	return 15 * time.Second
}

// PendingBurst returns a snapshot of the in-memory burst entries not yet
// fired, used alongside the persistent queue to answer /queue (§4.6).
func (d *Dispatcher) PendingBurst() []broadcaststore.QueueItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]broadcaststore.QueueItem, len(d.burst))
	for i, b := range d.burst {
		out[i] = b.queueItem
	}
	return out
}

func (d *Dispatcher) fireBurstEntry(ctx context.Context, item broadcaststore.QueueItem) {
	rec, err := d.Broadcasts.GetBroadcast(ctx, item.BroadcastID)
	if err != nil || rec == nil {
		d.Log.Warn().Err(err).Int64("queue_id", item.ID).Msg("dispatcher: burst entry's broadcast is missing")
		return
	}
	d.sendItem(ctx, item, rec)
}

func (d *Dispatcher) removeBurstEntry(target *burstEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, e := range d.burst {
		if e == target {
			d.burst = append(d.burst[:i], d.burst[i+1:]...)
			return
		}
	}
}

// sendItem delivers one QueueItem's broadcast and records the outcome. A
// transport failure leaves the QueueItem pending with a bumped retry
// counter (§4.4, §7) rather than marking it terminally failed — only a
// future successful send or an operator CANCEL resolves it.
func (d *Dispatcher) sendItem(ctx context.Context, item broadcaststore.QueueItem, rec *broadcaststore.BroadcastRecord) {
	target := transport.ChatID(item.Target)
	var err error
	if len(rec.MediaPaths) > 0 {
		err = d.Transport.SendImage(ctx, target, rec.MediaPaths[0], rec.DescriptionGenerated)
	} else {
		err = d.Transport.SendText(ctx, target, rec.DescriptionGenerated)
	}
	if err != nil {
		d.Log.Warn().Err(err).Int64("queue_id", item.ID).Msg("dispatcher: send failed, item stays pending")
		if mErr := d.Broadcasts.MarkFailed(ctx, item.ID, err.Error()); mErr != nil {
			d.Log.Error().Err(mErr).Int64("queue_id", item.ID).Msg("dispatcher: failed to record send failure")
		}
		return
	}

	if err := d.Broadcasts.MarkSent(ctx, item.ID); err != nil {
		d.Log.Error().Err(err).Int64("queue_id", item.ID).Msg("dispatcher: failed to mark queue item sent")
		return
	}
	if err := d.Broadcasts.UpdateStatus(ctx, rec.ID, broadcaststore.StatusSent); err != nil {
		d.Log.Error().Err(err).Int64("broadcast_id", rec.ID).Msg("dispatcher: failed to update broadcast status")
	}

	d.mu.Lock()
	d.lastSendAt = time.Now()
	d.mu.Unlock()
}

// jitter returns a random duration in [min, max). go.mau.fi/util only
// exposes random string generation (random.String) and JSON timestamp
// types, neither a numeric range helper, so the jitter itself is plain
// math/rand — auto-seeded since Go 1.20, which is all a send-spacing
// cosmetic needs.
func jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
