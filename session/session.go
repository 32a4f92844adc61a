// Package session wires the sync engine together for one editing room: the
// document store, the change detector, the loop-prevention guard, the
// presence roster and the transport channel, behind a small connect /
// disconnect / mutate / subscribe API for the host application.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/STNx99/webbuilderver2-sub001/document"
	"github.com/STNx99/webbuilderver2-sub001/presence"
	"github.com/STNx99/webbuilderver2-sub001/transport"
	"github.com/STNx99/webbuilderver2-sub001/wire"
)

// State is the orchestrator's lifecycle state.
type State string

const (
	// StateIdle: no active connection.
	StateIdle State = "idle"
	// StateConnecting: the transport is attempting to open.
	StateConnecting State = "connecting"
	// StateConnected: socket open, waiting for the first sync; outbound
	// updates are held back.
	StateConnected State = "connected"
	// StateSynced: normal operation; change detection and presence
	// broadcasting are active.
	StateSynced State = "synced"
	// StateError: terminal for the current attempt; only a manual Connect
	// resumes.
	StateError State = "error"
)

// Identity resolves the local participant.
type Identity struct {
	UserID string
	Name   string
	Color  string
}

// Settings aggregates the engine's tuning knobs.
type Settings struct {
	Transport *transport.Settings
	Presence  *presence.Settings

	// Debounce is the quiet period collapsing edit bursts into one update.
	Debounce time.Duration

	// ThrottleLimit / ThrottleWindow bound the outbound update rate.
	ThrottleLimit  int
	ThrottleWindow time.Duration

	// GuardWindow is how long after a remote apply the detector stays
	// suppressed, absorbing trailing reactive effects.
	GuardWindow time.Duration
}

// DefaultSettings returns the production defaults for the given endpoint.
func DefaultSettings(baseURL string) *Settings {
	return &Settings{
		Transport:      transport.DefaultSettings(baseURL),
		Presence:       presence.DefaultSettings(),
		Debounce:       300 * time.Millisecond,
		ThrottleLimit:  10,
		ThrottleWindow: time.Second,
		GuardWindow:    150 * time.Millisecond,
	}
}

// Callbacks notify the host application. All callbacks may be invoked from
// internal goroutines; nil entries are skipped.
type Callbacks struct {
	// OnSnapshot fires on every accepted tree replacement. remote reports
	// whether it came from the network.
	OnSnapshot func(snap document.Snapshot, remote bool)

	// OnPresence fires whenever the "other users" roster changes.
	OnPresence func(others []presence.Entry)

	// OnState fires on every lifecycle transition.
	OnState func(state State)

	// OnError delivers typed transport and server errors.
	OnError func(err error)
}

// Session orchestrates collaboration for one room. A room switch is a new
// Session: Disconnect the old one (cancelling its timers and queue) before
// connecting the new one, so no frames leak across rooms.
type Session struct {
	roomID   string
	identity Identity
	settings *Settings
	logger   *zap.Logger

	store    *document.Store
	roster   *presence.Roster
	channel  *transport.Channel
	guard    *remoteGuard
	detector *changeDetector

	callbacks Callbacks

	mu     sync.Mutex
	state  State
	synced bool
}

// NewSession builds the engine for one room. backend selects the document
// strategy (nil means the plain in-memory snapshot backend); registry must
// be the process-wide connect registry.
func NewSession(roomID string, identity Identity, token transport.TokenFunc, registry *transport.Registry, backend document.Backend, settings *Settings, callbacks Callbacks, logger *zap.Logger) (*Session, error) {
	if roomID == "" {
		return nil, errors.New("room id is required")
	}
	if identity.UserID == "" {
		return nil, errors.New("user identity is required")
	}
	if settings == nil {
		return nil, errors.New("settings are required")
	}
	if backend == nil {
		backend = document.NewMemoryBackend()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("room_id", roomID), zap.String("user_id", identity.UserID))

	s := &Session{
		roomID:    roomID,
		identity:  identity,
		settings:  settings,
		logger:    logger,
		callbacks: callbacks,
		state:     StateIdle,
	}

	s.guard = newRemoteGuard(settings.GuardWindow)
	s.store = document.NewStore(backend, logger)
	s.store.SetOnChange(s.onStoreChange)

	s.channel = transport.NewChannel(roomID, identity.UserID, token, registry, settings.Transport, transport.Handlers{
		OnMessage: s.handleMessage,
		OnOpen:    s.handleOpen,
		OnClose:   s.handleClose,
		OnError:   s.handleTransportError,
	}, logger)

	s.detector = newChangeDetector(
		settings.Debounce,
		settings.ThrottleLimit,
		settings.ThrottleWindow,
		s.guard,
		s.Synced,
		s.sendUpdate,
		logger,
	)

	s.roster = presence.NewRoster(identity.UserID, identity.Name, identity.Color, settings.Presence, s.sendPresence, logger)
	s.roster.SetOnChange(s.onRosterChange)

	return s, nil
}

// Connect opens the room connection and enables automatic reconnection.
// On failure the channel keeps retrying with backoff; the session stays in
// connecting until the attempt budget is exhausted.
func (s *Session) Connect(ctx context.Context) error {
	s.setState(StateConnecting)
	s.detector.Reset()
	return s.channel.Connect(ctx)
}

// Disconnect tears the session down: close the socket, cancel every pending
// debounce/throttle/guard timer, clear the outbound queue. Local editing
// keeps working against the store; the host may call Connect again later.
func (s *Session) Disconnect() {
	s.channel.Disconnect()
	s.detector.Stop()
	s.guard.Stop()
	s.mu.Lock()
	s.synced = false
	s.mu.Unlock()
	s.setState(StateIdle)
}

// Close disconnects and releases the document backend.
func (s *Session) Close() error {
	s.Disconnect()
	return s.store.Close()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Synced reports whether the authoritative starting snapshot has arrived on
// the current connection.
func (s *Session) Synced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced
}

// Snapshot returns a stable copy of the current tree.
func (s *Session) Snapshot() document.Snapshot {
	return s.store.Snapshot()
}

// Fingerprint returns the fingerprint of the current tree.
func (s *Session) Fingerprint() string {
	return s.store.Fingerprint()
}

// PendingUpdates reports how many sends the throttle is currently
// suppressing, for display in the UI.
func (s *Session) PendingUpdates() int {
	return s.detector.PendingUpdates()
}

// Others returns the rendered presence roster, excluding the local user.
func (s *Session) Others() []presence.Entry {
	return s.roster.Others()
}

// Mutate applies a partial edit to one element. Accepted even while
// disconnected; broadcasting resumes once synced again.
func (s *Session) Mutate(ctx context.Context, elementID string, patch document.Patch) error {
	return s.store.Mutate(ctx, elementID, patch)
}

// Insert adds an element under parentID ("" for a new root).
func (s *Session) Insert(ctx context.Context, parentID string, el document.Element) error {
	return s.store.Insert(ctx, parentID, el)
}

// Remove deletes an element and its subtree.
func (s *Session) Remove(ctx context.Context, elementID string) error {
	return s.store.Remove(ctx, elementID)
}

// Move reparents an element.
func (s *Session) Move(ctx context.Context, elementID, newParentID string, index int) error {
	return s.store.Move(ctx, elementID, newParentID, index)
}

// LoadLocal seeds the tree from the host's document accessor, e.g. a copy
// persisted outside the engine. Does not broadcast until synced.
func (s *Session) LoadLocal(ctx context.Context, snap document.Snapshot) error {
	return s.store.Load(ctx, snap, false)
}

// SetCursor records and broadcasts the local pointer position.
func (s *Session) SetCursor(x, y float64) {
	s.roster.SetLocalCursor(x, y)
}

// SetSelection records and broadcasts the local selection ("" clears it).
func (s *Session) SetSelection(elementID string) {
	s.roster.SetLocalSelection(elementID)
}

// onStoreChange routes accepted snapshot replacements: local ones feed the
// change detector, all of them reach the host.
func (s *Session) onStoreChange(snap document.Snapshot, remote bool) {
	if !remote {
		s.detector.Notify(snap)
	}
	if s.callbacks.OnSnapshot != nil {
		s.callbacks.OnSnapshot(snap, remote)
	}
}

func (s *Session) onRosterChange() {
	if s.callbacks.OnPresence != nil {
		s.callbacks.OnPresence(s.roster.Others())
	}
}

// sendUpdate is the detector's transmit path.
func (s *Session) sendUpdate(snap document.Snapshot) {
	if _, err := s.channel.Send(wire.UpdateMessage{Elements: snap}); err != nil {
		s.logger.Warn("Failed to send update", zap.Error(err))
	}
}

// sendPresence transmits ephemeral frames; they are dropped rather than
// queued while not synced, since a stale cursor position has no value after
// reconnect.
func (s *Session) sendPresence(msg wire.Message) (bool, error) {
	if !s.Synced() {
		return false, nil
	}
	return s.channel.Send(msg)
}

// handleMessage dispatches one decoded inbound frame.
func (s *Session) handleMessage(msg wire.Message) {
	switch m := msg.(type) {
	case wire.SyncMessage:
		s.applyRemote(m.Elements, true)
	case wire.UpdateMessage:
		s.applyRemote(m.Elements, false)
	case wire.CurrentStateMessage:
		s.roster.ApplyState(m)
	case wire.CursorMoveMessage:
		s.roster.ApplyCursorMove(m)
	case wire.ElementSelectedMessage:
		s.roster.ApplySelection(m)
	case wire.UserDisconnectMessage:
		s.roster.RemoveUser(m.UserID)
	case wire.ErrorMessage:
		s.logger.Warn("Server reported error", zap.String("reason", m.Error))
		s.emitError(transport.NewError(transport.CodeServerError, m.Error, nil))
	}
}

// applyRemote accepts a remote snapshot: echoes are discarded, everything
// else replaces the tree under the guard window. A snapshot that fails
// validation is rejected and the last good state kept.
func (s *Session) applyRemote(snap document.Snapshot, isSync bool) {
	if err := snap.Validate(); err != nil {
		s.logger.Warn("Rejecting remote snapshot", zap.Error(err))
		return
	}
	fp, err := snap.Fingerprint()
	if err != nil {
		s.logger.Warn("Rejecting remote snapshot", zap.Error(err))
		return
	}

	if s.guard.IsEcho(fp) {
		// Our own change reflected back; do not overwrite in-progress
		// local edits. A sync echo still completes the handshake.
		if isSync {
			s.markSynced()
		}
		return
	}

	s.guard.BeginApply(fp)
	if err := s.store.Load(context.Background(), snap, true); err != nil {
		// The snapshot was never stored; forget its fingerprint so a
		// retransmission is not mistaken for an echo.
		s.guard.AbortApply(fp)
		s.logger.Warn("Failed to apply remote snapshot", zap.Error(err))
		return
	}
	if isSync {
		s.markSynced()
	}
}

func (s *Session) markSynced() {
	s.mu.Lock()
	already := s.synced
	s.synced = true
	s.mu.Unlock()
	if !already {
		s.setState(StateSynced)
	}
}

func (s *Session) handleOpen() {
	s.mu.Lock()
	s.synced = false
	s.mu.Unlock()
	// The roster is rebuilt by the next sync/currentState.
	s.roster.Reset()
	s.setState(StateConnected)
}

func (s *Session) handleClose(manual bool) {
	s.mu.Lock()
	s.synced = false
	s.mu.Unlock()
	if manual {
		return // Disconnect sets idle itself.
	}
	s.setState(StateConnecting)
}

func (s *Session) handleTransportError(err *transport.Error) {
	if err.Code == transport.CodeServerUnavailable {
		s.setState(StateError)
	}
	s.emitError(err)
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()
	s.logger.Info("Session state changed", zap.String("state", string(next)))
	if s.callbacks.OnState != nil {
		s.callbacks.OnState(next)
	}
}

func (s *Session) emitError(err error) {
	if s.callbacks.OnError != nil {
		s.callbacks.OnError(err)
	}
}
