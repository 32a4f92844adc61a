// Package presence maintains the ephemeral roster of connected users: who
// is in the room, where their cursor is, and what they have selected. The
// roster lives only as long as the connection; it is rebuilt from scratch on
// every reconnect and never persisted.
package presence

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/STNx99/webbuilderver2-sub001/wire"
)

// Cursor is a pointer coordinate in canvas space.
type Cursor struct {
	X float64
	Y float64
}

// Entry is one user's presence state. Cursor and SelectedID are nullable:
// a user who has not moved the pointer or selected anything has neither.
type Entry struct {
	UserID     string
	Name       string
	Color      string
	Cursor     *Cursor
	SelectedID string
}

func (e *Entry) clone() Entry {
	c := *e
	if e.Cursor != nil {
		cur := *e.Cursor
		c.Cursor = &cur
	}
	return c
}

// Settings holds the cursor broadcast tuning knobs.
type Settings struct {
	// CursorThrottle is the minimum interval between outbound cursorMove
	// frames.
	CursorThrottle time.Duration

	// CursorThreshold is the minimum pixel distance from the last sent
	// position before another frame goes out.
	CursorThreshold float64
}

// DefaultSettings returns the production defaults.
func DefaultSettings() *Settings {
	return &Settings{
		CursorThrottle:  100 * time.Millisecond,
		CursorThreshold: 2,
	}
}

// SendFunc hands an outbound presence frame to the transport. The bool
// result (sent immediately vs queued) is irrelevant here; ephemeral frames
// are fire-and-forget.
type SendFunc func(wire.Message) (bool, error)

// Roster is the presence merger for one room. Local cursor and selection
// changes update the local entry and broadcast; remote frames update remote
// entries. The local user is always excluded from Others.
type Roster struct {
	settings *Settings
	localID  string
	send     SendFunc
	logger   *zap.Logger

	mu         sync.RWMutex
	entries    map[string]*Entry
	lastSent   *Cursor
	lastSentAt time.Time
	onChange   func()
}

// NewRoster creates a roster for the given local user.
func NewRoster(localID, localName, localColor string, settings *Settings, send SendFunc, logger *zap.Logger) *Roster {
	if settings == nil {
		settings = DefaultSettings()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Roster{
		settings: settings,
		localID:  localID,
		send:     send,
		logger:   logger,
		entries:  make(map[string]*Entry),
	}
	r.entries[localID] = &Entry{UserID: localID, Name: localName, Color: localColor}
	return r
}

// SetOnChange registers the single roster observer, notified after every
// accepted change.
func (r *Roster) SetOnChange(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// SetLocalCursor records the local pointer position and broadcasts it,
// subject to the throttle interval and the movement threshold.
func (r *Roster) SetLocalCursor(x, y float64) {
	r.mu.Lock()
	local := r.entries[r.localID]
	local.Cursor = &Cursor{X: x, Y: y}

	now := time.Now()
	if r.lastSent != nil {
		if math.Hypot(x-r.lastSent.X, y-r.lastSent.Y) < r.settings.CursorThreshold {
			r.mu.Unlock()
			return
		}
		if now.Sub(r.lastSentAt) < r.settings.CursorThrottle {
			r.mu.Unlock()
			return
		}
	}
	r.lastSent = &Cursor{X: x, Y: y}
	r.lastSentAt = now
	r.mu.Unlock()

	if _, err := r.send(wire.CursorMoveMessage{UserID: r.localID, X: x, Y: y}); err != nil {
		r.logger.Warn("Failed to send cursor position", zap.Error(err))
	}
}

// SetLocalSelection records and broadcasts the local selection. An empty
// element id clears it.
func (r *Roster) SetLocalSelection(elementID string) {
	r.mu.Lock()
	local := r.entries[r.localID]
	if local.SelectedID == elementID {
		r.mu.Unlock()
		return
	}
	local.SelectedID = elementID
	r.mu.Unlock()

	if _, err := r.send(wire.ElementSelectedMessage{UserID: r.localID, ElementID: elementID}); err != nil {
		r.logger.Warn("Failed to send selection", zap.Error(err))
	}
}

// ApplyCursorMove merges a remote pointer broadcast. The local user's own
// echo is ignored.
func (r *Roster) ApplyCursorMove(msg wire.CursorMoveMessage) {
	if msg.UserID == r.localID {
		return
	}
	r.mu.Lock()
	entry := r.ensureLocked(msg.UserID)
	entry.Cursor = &Cursor{X: msg.X, Y: msg.Y}
	fn := r.onChange
	r.mu.Unlock()
	r.notify(fn)
}

// ApplySelection merges a remote selection broadcast.
func (r *Roster) ApplySelection(msg wire.ElementSelectedMessage) {
	if msg.UserID == r.localID {
		return
	}
	r.mu.Lock()
	entry := r.ensureLocked(msg.UserID)
	entry.SelectedID = msg.ElementID
	fn := r.onChange
	r.mu.Unlock()
	r.notify(fn)
}

// ApplyState replaces the remote half of the roster from a currentState
// frame. The local entry is untouched.
func (r *Roster) ApplyState(msg wire.CurrentStateMessage) {
	r.mu.Lock()
	local := r.entries[r.localID]
	r.entries = map[string]*Entry{r.localID: local}
	for id, info := range msg.Users {
		if id == r.localID {
			continue
		}
		entry := &Entry{UserID: id, Name: info.Name, Color: info.Color}
		if pos, ok := msg.MousePositions[id]; ok {
			entry.Cursor = &Cursor{X: pos.X, Y: pos.Y}
		}
		if sel, ok := msg.SelectedElements[id]; ok {
			entry.SelectedID = sel
		}
		r.entries[id] = entry
	}
	fn := r.onChange
	r.mu.Unlock()
	r.notify(fn)
}

// RemoveUser drops a departed user's entry on a userDisconnect notice.
func (r *Roster) RemoveUser(userID string) {
	if userID == r.localID {
		return
	}
	r.mu.Lock()
	delete(r.entries, userID)
	fn := r.onChange
	r.mu.Unlock()
	r.notify(fn)
}

// Reset clears all remote entries and the throttle state. Called on
// reconnect before the next sync/currentState rebuilds the roster.
func (r *Roster) Reset() {
	r.mu.Lock()
	local := r.entries[r.localID]
	r.entries = map[string]*Entry{r.localID: local}
	r.lastSent = nil
	r.lastSentAt = time.Time{}
	fn := r.onChange
	r.mu.Unlock()
	r.notify(fn)
}

// Others returns every entry except the local user's, ordered by user id
// for stable rendering.
func (r *Roster) Others() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for id, entry := range r.entries {
		if id == r.localID {
			continue
		}
		out = append(out, entry.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Local returns the local user's entry.
func (r *Roster) Local() Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[r.localID].clone()
}

func (r *Roster) ensureLocked(userID string) *Entry {
	entry, ok := r.entries[userID]
	if !ok {
		entry = &Entry{UserID: userID}
		r.entries[userID] = entry
	}
	return entry
}

func (r *Roster) notify(fn func()) {
	if fn != nil {
		fn()
	}
}
