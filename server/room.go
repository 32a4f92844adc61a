package server

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/STNx99/webbuilderver2-sub001/document"
	"github.com/STNx99/webbuilderver2-sub001/wire"
)

// inboundFrame pairs a decoded frame with its sender.
type inboundFrame struct {
	from *client
	msg  wire.Message
}

// room serializes all traffic for one room through a single goroutine.
// Arrival order on the frames channel defines broadcast order, which makes
// the server the sole sequencer for the room: every client applies updates
// in exactly the order relayed from here.
type room struct {
	id     string
	hub    *Hub
	logger *zap.Logger

	clients    map[*client]bool
	elements   document.Snapshot
	cursors    map[string]wire.CursorPosition
	selections map[string]string
	users      map[string]wire.UserInfo

	joins     chan *client
	leaves    chan *client
	frames    chan inboundFrame
	remote    chan document.Snapshot
	done      chan struct{}
	closeOnce sync.Once
}

func newRoom(id string, hub *Hub, logger *zap.Logger) *room {
	return &room{
		id:         id,
		hub:        hub,
		logger:     logger.With(zap.String("room_id", id)),
		clients:    make(map[*client]bool),
		elements:   document.Snapshot{},
		cursors:    make(map[string]wire.CursorPosition),
		selections: make(map[string]string),
		users:      make(map[string]wire.UserInfo),
		joins:      make(chan *client),
		leaves:     make(chan *client),
		frames:     make(chan inboundFrame),
		remote:     make(chan document.Snapshot),
		done:       make(chan struct{}),
	}
}

func (r *room) run() {
	ticker := time.NewTicker(r.hub.settings.StateInterval)
	defer func() {
		ticker.Stop()
		// Connections are torn down here, on the owning goroutine; nothing
		// else may touch r.clients.
		for c := range r.clients {
			c.conn.Close()
		}
	}()

	for {
		select {
		case c := <-r.joins:
			r.handleJoin(c)
		case c := <-r.leaves:
			r.handleLeave(c)
		case f := <-r.frames:
			r.handleFrame(f)
		case snap := <-r.remote:
			// Update sequenced by another node; relay as-is.
			r.elements = snap
			r.broadcast(wire.UpdateMessage{Elements: r.elements}, nil)
		case <-ticker.C:
			if len(r.clients) > 0 {
				r.broadcast(r.stateMessage(), nil)
			}
		case <-r.done:
			return
		}
	}
}

// shutdown asks the room goroutine to stop and tear its clients down. Safe
// from any goroutine and idempotent: the final leave and Hub.Close may both
// request it.
func (r *room) shutdown() {
	r.closeOnce.Do(func() { close(r.done) })
}

func (r *room) handleJoin(c *client) {
	r.clients[c] = true
	r.users[c.userID] = wire.UserInfo{UserID: c.userID, Name: c.name, Color: c.color}

	// The newly joined client gets the authoritative snapshot first, then
	// the roster.
	c.enqueue(wire.SyncMessage{Elements: r.elements})
	c.enqueue(r.stateMessage())

	// Everyone else learns about the new user.
	r.broadcast(r.stateMessage(), c)

	r.logger.Info("Client joined",
		zap.String("user_id", c.userID),
		zap.Int("clients", len(r.clients)))
}

func (r *room) handleLeave(c *client) {
	if !r.clients[c] {
		return
	}
	delete(r.clients, c)
	delete(r.users, c.userID)
	delete(r.cursors, c.userID)
	delete(r.selections, c.userID)
	c.close()

	r.broadcast(wire.UserDisconnectMessage{UserID: c.userID}, nil)

	r.logger.Info("Client left",
		zap.String("user_id", c.userID),
		zap.Int("clients", len(r.clients)))

	if len(r.clients) == 0 {
		r.hub.drop(r.id)
		r.shutdown()
	}
}

func (r *room) handleFrame(f inboundFrame) {
	switch m := f.msg.(type) {
	case wire.UpdateMessage:
		if err := m.Elements.Validate(); err != nil {
			r.logger.Warn("Rejecting invalid update",
				zap.String("user_id", f.from.userID),
				zap.Error(err))
			f.from.enqueue(wire.ErrorMessage{Error: "invalid update: " + err.Error()})
			return
		}
		r.elements = m.Elements
		// Relayed to every client, sender included; clients recognize
		// their own echo by fingerprint.
		r.broadcast(m, nil)
		r.hub.publish(r.id, m.Elements)

	case wire.CursorMoveMessage:
		if m.UserID != f.from.userID {
			return
		}
		r.cursors[m.UserID] = wire.CursorPosition{X: m.X, Y: m.Y}
		r.broadcast(m, f.from)

	case wire.ElementSelectedMessage:
		if m.UserID != f.from.userID {
			return
		}
		r.selections[m.UserID] = m.ElementID
		r.broadcast(m, f.from)

	default:
		f.from.enqueue(wire.ErrorMessage{Error: "unexpected message type: " + string(f.msg.Kind())})
	}
}

func (r *room) stateMessage() wire.CurrentStateMessage {
	msg := wire.CurrentStateMessage{
		MousePositions:   make(map[string]wire.CursorPosition, len(r.cursors)),
		SelectedElements: make(map[string]string, len(r.selections)),
		Users:            make(map[string]wire.UserInfo, len(r.users)),
	}
	for id, pos := range r.cursors {
		msg.MousePositions[id] = pos
	}
	for id, sel := range r.selections {
		msg.SelectedElements[id] = sel
	}
	for id, info := range r.users {
		msg.Users[id] = info
	}
	return msg
}

// broadcast encodes once and fans out to every client except skip.
func (r *room) broadcast(msg wire.Message, skip *client) {
	data, err := wire.Encode(msg)
	if err != nil {
		r.logger.Error("Failed to encode broadcast", zap.Error(err))
		return
	}
	for c := range r.clients {
		if c == skip {
			continue
		}
		c.send(data)
	}
}
