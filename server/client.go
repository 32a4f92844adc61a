package server

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/STNx99/webbuilderver2-sub001/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// client is one websocket connection inside a room.
type client struct {
	userID string
	name   string
	color  string

	room   *room
	conn   *websocket.Conn
	out    chan []byte
	logger *zap.Logger
}

func newClient(userID, name, color string, r *room, conn *websocket.Conn, logger *zap.Logger) *client {
	return &client{
		userID: userID,
		name:   name,
		color:  color,
		room:   r,
		conn:   conn,
		out:    make(chan []byte, r.hub.settings.SendBuffer),
		logger: logger,
	}
}

// enqueue encodes and queues one frame for this client.
func (c *client) enqueue(msg wire.Message) {
	data, err := wire.Encode(msg)
	if err != nil {
		c.logger.Error("Failed to encode frame", zap.Error(err))
		return
	}
	c.send(data)
}

// send queues pre-encoded bytes; a client that cannot drain its buffer is
// cut loose rather than stalling the room.
func (c *client) send(data []byte) {
	select {
	case c.out <- data:
	default:
		c.conn.Close()
	}
}

func (c *client) close() {
	close(c.out)
}

// readPump decodes inbound frames and hands them to the room goroutine.
// Malformed frames get an error reply and are otherwise dropped.
func (c *client) readPump() {
	defer func() {
		select {
		case c.room.leaves <- c:
		case <-c.room.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Read error",
					zap.String("user_id", c.userID),
					zap.Error(err))
			}
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			c.logger.Warn("Dropping malformed frame",
				zap.String("user_id", c.userID),
				zap.Error(err))
			c.enqueue(wire.ErrorMessage{Error: "malformed frame: " + err.Error()})
			continue
		}
		select {
		case c.room.frames <- inboundFrame{from: c, msg: msg}:
		case <-c.room.done:
			return
		}
	}
}

// writePump drains the outbound buffer and keeps the connection alive with
// pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
