package session

import (
	"sync"
	"time"
)

// remoteGuard is the loop-prevention coordinator. It tracks two
// fingerprints:
//
//   - lastLocal: the most recent snapshot the local user produced or
//     accepted. A remote frame carrying this fingerprint is an echo and is
//     discarded instead of re-applied.
//   - lastSent: the most recent snapshot actually transmitted. The change
//     detector skips a candidate equal to it.
//
// While a remote snapshot is being applied the applying flag is set, and it
// clears only after a short timed window rather than synchronously, so that
// trailing reactive effects of the apply (host re-renders writing back into
// the store) cannot re-trigger a broadcast. The window is a heuristic, not a
// causal-delivery proof; its duration is tunable and a new remote apply
// resets it rather than racing the previous timer.
type remoteGuard struct {
	mu        sync.Mutex
	window    time.Duration
	applying  bool
	timer     *time.Timer
	lastLocal string
	prevLocal string
	lastSent  string
}

func newRemoteGuard(window time.Duration) *remoteGuard {
	return &remoteGuard{window: window}
}

// IsEcho reports whether fp is a reflection of our own most recent state.
func (g *remoteGuard) IsEcho(fp string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fp != "" && fp == g.lastLocal
}

// BeginApply marks a remote snapshot as accepted and opens the guard
// window. Reentrant: a second remote frame inside the window resets the
// timer instead of letting the first one clear the flag early.
func (g *remoteGuard) BeginApply(fp string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.applying = true
	g.prevLocal = g.lastLocal
	g.lastLocal = fp
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(g.window, g.clearApplying)
}

// AbortApply rolls back a BeginApply whose snapshot never made it into the
// store, so a retransmission of the same state is not discarded as an echo.
// An abort for a fingerprint that is no longer current changes nothing.
func (g *remoteGuard) AbortApply(fp string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lastLocal != fp {
		return
	}
	g.lastLocal = g.prevLocal
	g.applying = false
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

func (g *remoteGuard) clearApplying() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.applying = false
}

// Applying reports whether the guard window is open. The change detector
// must not fire while it is.
func (g *remoteGuard) Applying() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.applying
}

// NoteSent records a snapshot the detector decided to transmit. The sent
// state also becomes the last local state, so its echo is recognized.
func (g *remoteGuard) NoteSent(fp string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastSent = fp
	g.lastLocal = fp
}

// LastSent returns the fingerprint of the last transmitted snapshot.
func (g *remoteGuard) LastSent() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastSent
}

// Stop cancels the pending window timer on teardown.
func (g *remoteGuard) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.applying = false
}
