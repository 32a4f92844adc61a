package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/STNx99/webbuilderver2-sub001/document"
)

// changeDetector watches local document changes and decides when an update
// frame actually goes out:
//
//   - debounce: bursts of rapid edits collapse into one send after a quiet
//     period;
//   - throttle: at most ThrottleLimit sends per ThrottleWindow, with a
//     suppressed-send counter exposed to the UI and a trailing retry so the
//     final state is never dropped;
//   - dedup: a candidate whose fingerprint equals the last applied or last
//     sent snapshot is skipped;
//   - gating: nothing is sent before the room's first sync, and nothing
//     while the remote guard window is open.
type changeDetector struct {
	debounce time.Duration
	limit    int
	window   time.Duration
	guard    *remoteGuard
	synced   func() bool
	send     func(document.Snapshot)
	logger   *zap.Logger

	mu         sync.Mutex
	pending    document.Snapshot
	timer      *time.Timer
	retryTimer *time.Timer
	sentAt     []time.Time
	suppressed int
	stopped    bool
}

func newChangeDetector(debounce time.Duration, limit int, window time.Duration, guard *remoteGuard, synced func() bool, send func(document.Snapshot), logger *zap.Logger) *changeDetector {
	return &changeDetector{
		debounce: debounce,
		limit:    limit,
		window:   window,
		guard:    guard,
		synced:   synced,
		send:     send,
		logger:   logger,
	}
}

// Notify observes one local document change and (re)arms the debounce
// timer. Changes arriving while the guard window is open, or before the
// first sync, are absorbed without scheduling a send.
func (d *changeDetector) Notify(snap document.Snapshot) {
	if d.guard.Applying() {
		return
	}
	if !d.synced() {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.pending = snap
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.debounce, d.fire)
}

// fire runs once the quiet period elapses.
func (d *changeDetector) fire() {
	d.mu.Lock()
	if d.stopped || d.pending == nil {
		d.mu.Unlock()
		return
	}
	snap := d.pending

	fp, err := snap.Fingerprint()
	if err != nil {
		d.mu.Unlock()
		d.logger.Warn("Skipping unfingerprintable snapshot", zap.Error(err))
		return
	}
	if d.guard.IsEcho(fp) || fp == d.guard.LastSent() {
		d.pending = nil
		d.mu.Unlock()
		return
	}

	now := time.Now()
	d.pruneLocked(now)
	if len(d.sentAt) >= d.limit {
		d.suppressed++
		if d.retryTimer == nil {
			wait := d.window - now.Sub(d.sentAt[0])
			if wait < 0 {
				wait = 0
			}
			d.retryTimer = time.AfterFunc(wait, d.retry)
		}
		d.mu.Unlock()
		return
	}

	d.sentAt = append(d.sentAt, now)
	d.pending = nil
	d.guard.NoteSent(fp)
	send := d.send
	d.mu.Unlock()

	send(snap)
}

// retry re-attempts a send that the throttle suppressed, once the window
// has room again.
func (d *changeDetector) retry() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.retryTimer = nil
	d.suppressed = 0
	d.mu.Unlock()
	d.fire()
}

// PendingUpdates returns how many sends the throttle has suppressed in the
// current window.
func (d *changeDetector) PendingUpdates() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suppressed
}

// Stop cancels all pending timers. A stopped detector ignores further
// notifications until Reset.
func (d *changeDetector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.pending = nil
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.retryTimer != nil {
		d.retryTimer.Stop()
		d.retryTimer = nil
	}
}

// Reset re-arms a stopped detector and clears the throttle history. Called
// when a session reconnects to a room.
func (d *changeDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = false
	d.sentAt = nil
	d.suppressed = 0
}

func (d *changeDetector) pruneLocked(now time.Time) {
	cut := 0
	for cut < len(d.sentAt) && now.Sub(d.sentAt[cut]) >= d.window {
		cut++
	}
	d.sentAt = d.sentAt[cut:]
}
