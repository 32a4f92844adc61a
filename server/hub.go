// Package server is the reference room-coordination server: it accepts
// websocket clients per room, sends the authoritative snapshot on join,
// relays updates in arrival order (the server is the room's sole
// sequencer), and maintains the ephemeral presence roster.
package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/STNx99/webbuilderver2-sub001/document"
)

// Settings holds the hub tuning knobs.
type Settings struct {
	// JWTSecret validates bearer tokens; empty disables authentication.
	JWTSecret []byte

	// StateInterval is the period of the currentState roster broadcast.
	StateInterval time.Duration

	// SendBuffer is the per-client outbound frame buffer; a client that
	// cannot drain it is dropped.
	SendBuffer int
}

// DefaultSettings returns the production defaults.
func DefaultSettings() *Settings {
	return &Settings{
		StateInterval: 5 * time.Second,
		SendBuffer:    64,
	}
}

// Bridge fans accepted updates out across server nodes, so clients of the
// same room on different nodes still converge. Optional.
type Bridge interface {
	// Publish sends one accepted update downstream to the other nodes.
	Publish(roomID string, snap document.Snapshot) error

	// Close stops the bridge.
	Close() error
}

// Hub owns every active room. Rooms are created on first join and torn
// down when the last client leaves.
type Hub struct {
	settings *Settings
	logger   *zap.Logger

	mu     sync.Mutex
	rooms  map[string]*room
	bridge Bridge
	closed bool
}

// NewHub creates an empty hub.
func NewHub(settings *Settings, logger *zap.Logger) *Hub {
	if settings == nil {
		settings = DefaultSettings()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		settings: settings,
		logger:   logger,
		rooms:    make(map[string]*room),
	}
}

// SetBridge installs the cross-node fan-out. Must be called before clients
// join.
func (h *Hub) SetBridge(b Bridge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bridge = b
}

// InjectRemote applies an update that arrived from another node through the
// bridge.
func (h *Hub) InjectRemote(roomID string, snap document.Snapshot) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	h.mu.Unlock()
	if !ok {
		return
	}
	select {
	case r.remote <- snap:
	case <-r.done:
	}
}

// Close stops every room.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	rooms := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.rooms = make(map[string]*room)
	bridge := h.bridge
	h.mu.Unlock()

	for _, r := range rooms {
		r.shutdown()
	}
	if bridge != nil {
		return bridge.Close()
	}
	return nil
}

// Join attaches an upgraded connection to its room, creating the room if
// needed, and starts the client's pumps.
func (h *Hub) Join(roomID, userID, name, color string, conn *websocket.Conn) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	r, ok := h.rooms[roomID]
	if !ok {
		r = newRoom(roomID, h, h.logger)
		h.rooms[roomID] = r
		go r.run()
	}
	h.mu.Unlock()

	c := newClient(userID, name, color, r, conn, h.logger)
	go c.writePump()
	go c.readPump()

	select {
	case r.joins <- c:
	case <-r.done:
		conn.Close()
	}
}

// drop removes an empty room.
func (h *Hub) drop(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms, roomID)
}

func (h *Hub) publish(roomID string, snap document.Snapshot) {
	h.mu.Lock()
	bridge := h.bridge
	h.mu.Unlock()
	if bridge == nil {
		return
	}
	if err := bridge.Publish(roomID, snap); err != nil {
		h.logger.Warn("Bridge publish failed",
			zap.String("room_id", roomID),
			zap.Error(err))
	}
}
