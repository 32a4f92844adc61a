// Package transport manages the bidirectional websocket connection between
// one editing room and the session-coordination server: reconnection with
// backoff, proactive token recycling, and FIFO queueing of outbound frames
// while disconnected.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/STNx99/webbuilderver2-sub001/wire"
)

// TokenFunc mints a fresh bearer token immediately before each connect or
// reconnect attempt. Returning an empty token (or an error) yields
// AUTH_ERROR and no connection attempt.
type TokenFunc func(ctx context.Context) (string, error)

// Settings holds the transport tuning knobs.
type Settings struct {
	// BaseURL is the server endpoint prefix, e.g. "ws://host:8080/collab".
	// The channel dials {BaseURL}/room/{roomID}?token=...&projectId=....
	BaseURL string

	// ProjectID is an optional query parameter forwarded to the server.
	ProjectID string

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// Reconnection policy.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	JitterMax   time.Duration
	MaxAttempts int

	// RecycleInterval forces a transparent close + reconnect with a fresh
	// token. Must be strictly shorter than the token lifetime.
	RecycleInterval time.Duration
}

// DefaultSettings returns the production defaults for the given endpoint.
func DefaultSettings(baseURL string) *Settings {
	return &Settings{
		BaseURL:         baseURL,
		DialTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		BackoffBase:     time.Second,
		BackoffMax:      30 * time.Second,
		JitterMax:       time.Second,
		MaxAttempts:     10,
		RecycleInterval: 8 * time.Minute,
	}
}

// Handlers are the channel's upward callbacks. All of them are invoked from
// the channel's internal goroutines; nil handlers are skipped.
type Handlers struct {
	// OnMessage delivers every successfully decoded inbound frame.
	OnMessage func(wire.Message)

	// OnOpen fires after each successful open, including reconnects and
	// token recycles.
	OnOpen func()

	// OnClose fires when the connection drops. manual is true only for an
	// explicit Disconnect call.
	OnClose func(manual bool)

	// OnError delivers typed transport failures.
	OnError func(*Error)
}

// Channel is one logical connection for one room. It survives socket loss:
// frames sent while disconnected queue in FIFO order and flush on the next
// successful open. A token recycle preserves the queue; only Disconnect
// clears it.
type Channel struct {
	settings *Settings
	roomID   string
	userID   string
	token    TokenFunc
	registry *Registry
	handlers Handlers
	backoff  Backoff
	logger   *zap.Logger

	mu             sync.Mutex
	conn           *websocket.Conn
	queue          [][]byte
	attempts       int
	manual         bool
	gen            int
	reconnectTimer *time.Timer
	recycleTimer   *time.Timer
}

// NewChannel creates a channel for one (room, user) pair. The registry must
// be the process-wide instance so concurrent views of the same room cannot
// open duplicate sockets.
func NewChannel(roomID, userID string, token TokenFunc, registry *Registry, settings *Settings, handlers Handlers, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		settings: settings,
		roomID:   roomID,
		userID:   userID,
		token:    token,
		registry: registry,
		handlers: handlers,
		backoff: Backoff{
			Base:      settings.BackoffBase,
			Max:       settings.BackoffMax,
			JitterMax: settings.JitterMax,
		},
		logger: logger,
	}
}

// Connect establishes the connection. It re-enables automatic reconnection
// after a previous Disconnect and resets the attempt budget. A connect
// already in flight for the same (room, user) is rejected.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.manual = false
	c.attempts = 0
	gen := c.gen
	c.mu.Unlock()

	if !c.registry.Acquire(c.roomID, c.userID) {
		return NewError(CodeConnectionFailed, "connect already in progress for this room and user", nil)
	}
	defer c.registry.Release(c.roomID, c.userID)

	if err := c.dial(ctx, gen); err != nil {
		c.scheduleReconnect(gen)
		return err
	}
	return nil
}

// Send enqueues one message. The returned bool reports whether the frame
// was transmitted immediately (connection open) rather than queued.
func (c *Channel) Send(msg wire.Message) (bool, error) {
	data, err := wire.Encode(msg)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.queue = append(c.queue, data)
		c.mu.Unlock()
		return false, nil
	}
	if c.settings.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
	}
	err = conn.WriteMessage(websocket.TextMessage, data)
	if err != nil {
		// Keep the frame; it flushes after reconnection.
		c.queue = append(c.queue, data)
	}
	gen := c.gen
	c.mu.Unlock()

	if err != nil {
		c.handleClosure(conn, gen, err)
		return false, nil
	}
	return true, nil
}

// Disconnect shuts the connection down cleanly and disables automatic
// reconnection until the next Connect call. Pending timers are cancelled
// and the outbound queue is cleared.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.manual = true
	c.gen++
	c.stopTimersLocked()
	conn := c.conn
	c.conn = nil
	c.queue = nil
	c.mu.Unlock()

	c.registry.Release(c.roomID, c.userID)

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
		if c.handlers.OnClose != nil {
			c.handlers.OnClose(true)
		}
	}
}

// Connected reports whether the socket is currently open.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// PendingQueued returns the number of frames waiting for the next open.
func (c *Channel) PendingQueued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// dial fetches a fresh token, opens the socket, installs it, flushes the
// queue and starts the read loop. gen guards against a Disconnect that
// happened while the handshake was in flight.
func (c *Channel) dial(ctx context.Context, gen int) error {
	tok, err := c.token(ctx)
	if err != nil || tok == "" {
		terr := NewError(CodeAuthError, "bearer token unavailable", err)
		c.emitError(terr)
		return terr
	}

	q := url.Values{}
	q.Set("token", tok)
	if c.settings.ProjectID != "" {
		q.Set("projectId", c.settings.ProjectID)
	}
	endpoint := fmt.Sprintf("%s/room/%s?%s", c.settings.BaseURL, url.PathEscape(c.roomID), q.Encode())

	dialer := websocket.Dialer{HandshakeTimeout: c.settings.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		terr := NewError(CodeConnectionFailed, "websocket dial failed", err)
		c.emitError(terr)
		return terr
	}

	c.mu.Lock()
	if c.manual || c.gen != gen {
		c.mu.Unlock()
		conn.Close()
		return NewError(CodeConnectionFailed, "connection cancelled", nil)
	}
	c.conn = conn
	c.attempts = 0
	pending := c.queue
	c.queue = nil
	c.scheduleRecycleLocked(gen)
	c.mu.Unlock()

	c.logger.Info("Connected",
		zap.String("room_id", c.roomID),
		zap.String("user_id", c.userID),
		zap.Int("flushed_frames", len(pending)))

	if !c.flushPending(conn, pending) {
		// A Disconnect or recycle superseded the connection mid-flush;
		// whoever did closed it, and the caller must not observe an open.
		return NewError(CodeConnectionFailed, "connection superseded during flush", nil)
	}

	go c.readLoop(conn, gen)

	if c.handlers.OnOpen != nil {
		c.handlers.OnOpen()
	}
	return nil
}

// flushPending writes queued frames to conn in FIFO order, before anything
// else goes out. The lock is taken per frame because Send also writes under
// it; gorilla permits only one concurrent writer. It reports false when conn
// is no longer the installed connection, re-queueing the remainder at the
// head for the next open. On a write failure the remainder is re-queued too,
// but conn is still current, so the caller proceeds and lets the read loop
// surface the closure.
func (c *Channel) flushPending(conn *websocket.Conn, pending [][]byte) bool {
	for i, frame := range pending {
		c.mu.Lock()
		if c.conn != conn {
			c.queue = append(append([][]byte(nil), pending[i:]...), c.queue...)
			c.mu.Unlock()
			return false
		}
		if c.settings.WriteTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
		}
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.queue = append(append([][]byte(nil), pending[i:]...), c.queue...)
			c.mu.Unlock()
			return true
		}
		c.mu.Unlock()
	}
	return true
}

func (c *Channel) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClosure(conn, gen, err)
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			// Malformed frames are dropped; the connection stays up.
			c.logger.Warn("Dropping malformed frame",
				zap.String("room_id", c.roomID),
				zap.Error(err))
			c.emitError(NewError(CodeParseError, "malformed inbound frame", err))
			continue
		}
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(msg)
		}
	}
}

// handleClosure reacts to a non-manual socket loss: notify, then schedule a
// reconnect unless disconnected in the meantime.
func (c *Channel) handleClosure(conn *websocket.Conn, gen int, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.conn != conn {
		// A Disconnect or recycle already superseded this connection.
		c.mu.Unlock()
		return
	}
	c.gen++
	gen = c.gen
	c.conn = nil
	c.stopTimersLocked()
	manual := c.manual
	c.mu.Unlock()

	conn.Close()

	c.logger.Warn("Connection lost",
		zap.String("room_id", c.roomID),
		zap.Error(cause))

	if c.handlers.OnClose != nil {
		c.handlers.OnClose(false)
	}
	if !manual {
		c.scheduleReconnect(gen)
	}
}

// scheduleReconnect arms the backoff timer for the next attempt, or surfaces
// SERVER_UNAVAILABLE once the budget is spent.
func (c *Channel) scheduleReconnect(gen int) {
	c.mu.Lock()
	if c.manual || c.gen != gen {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.settings.MaxAttempts {
		c.mu.Unlock()
		c.emitError(NewError(CodeServerUnavailable, "reconnection attempts exhausted", nil))
		return
	}
	attempt := c.attempts
	c.attempts++
	delay := c.backoff.Delay(attempt)
	c.reconnectTimer = time.AfterFunc(delay, func() { c.redial(gen) })
	c.mu.Unlock()

	c.logger.Info("Reconnect scheduled",
		zap.String("room_id", c.roomID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))
}

func (c *Channel) redial(gen int) {
	c.mu.Lock()
	if c.manual || c.gen != gen || c.conn != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if !c.registry.Acquire(c.roomID, c.userID) {
		return
	}
	defer c.registry.Release(c.roomID, c.userID)

	ctx, cancel := context.WithTimeout(context.Background(), c.settings.DialTimeout)
	defer cancel()
	if err := c.dial(ctx, gen); err != nil {
		c.scheduleReconnect(gen)
	}
}

// recycle proactively replaces the connection before the bearer token
// expires. Queued frames survive; the caller never observes a close.
func (c *Channel) recycle(gen int) {
	c.mu.Lock()
	if c.manual || c.gen != gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen = c.gen
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	conn.Close()

	c.logger.Info("Recycling connection for token refresh",
		zap.String("room_id", c.roomID))

	if !c.registry.Acquire(c.roomID, c.userID) {
		return
	}
	defer c.registry.Release(c.roomID, c.userID)

	ctx, cancel := context.WithTimeout(context.Background(), c.settings.DialTimeout)
	defer cancel()
	if err := c.dial(ctx, gen); err != nil {
		c.scheduleReconnect(gen)
	}
}

func (c *Channel) scheduleRecycleLocked(gen int) {
	if c.settings.RecycleInterval <= 0 {
		return
	}
	if c.recycleTimer != nil {
		c.recycleTimer.Stop()
	}
	c.recycleTimer = time.AfterFunc(c.settings.RecycleInterval, func() { c.recycle(gen) })
}

func (c *Channel) stopTimersLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.recycleTimer != nil {
		c.recycleTimer.Stop()
		c.recycleTimer = nil
	}
}

func (c *Channel) emitError(err *Error) {
	if c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
}
