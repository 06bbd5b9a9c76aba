package realtime

import (
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// pongWait is the maximum time to wait for a pong reply from the peer.
	pongWait = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize is the maximum inbound message size in bytes.
	maxMessageSize = 4096
)

// clientCommand is the JSON envelope clients may send: "ping" for a liveness
// round trip, "filter" to move to another category.
type clientCommand struct {
	Type     string `json:"type"`
	Category string `json:"category,omitempty"`
}

// Conn is one WebSocket connection attached to a category. The category field
// is owned by the broadcaster's event loop after registration. The send
// channel is never closed; the broadcaster signals teardown by closing done,
// so the read pump can keep enqueuing replies without racing the close.
type Conn struct {
	id       string
	userID   string
	category string
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	b        *Broadcaster
}

// NewConn wraps an upgraded WebSocket connection for the given category.
func NewConn(b *Broadcaster, ws *websocket.Conn, category, userID string) *Conn {
	return &Conn{
		id:       uuid.New().String(),
		userID:   userID,
		category: category,
		conn:     ws,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
		b:        b,
	}
}

// ReadPump reads client commands until the connection drops, then unregisters
// the connection. Runs in its own goroutine per connection.
func (c *Conn) ReadPump() {
	defer func() {
		c.b.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Printf("ws: connection %s read error: %v", c.id, err)
			}
			return
		}

		var cmd clientCommand
		if err := json.Unmarshal(msg, &cmd); err != nil {
			log.Printf("ws: connection %s sent invalid command: %v", c.id, err)
			continue
		}

		switch cmd.Type {
		case "ping":
			c.reply(map[string]any{"type": "pong", "timestamp": time.Now().UTC().Format(time.RFC3339)})
		case "filter":
			if cmd.Category == "" {
				continue
			}
			select {
			case c.b.move <- moveReq{conn: c, to: cmd.Category}:
			case <-c.b.done:
				return
			}
			c.reply(map[string]any{"type": "info", "message": "filter updated", "category": cmd.Category})
		default:
			log.Printf("ws: connection %s unknown command %q", c.id, cmd.Type)
		}
	}
}

// reply enqueues a server frame, dropping it when the buffer is full.
func (c *Conn) reply(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// WritePump pumps broadcast frames to the peer and keeps the connection alive
// with periodic pings. Runs in its own goroutine per connection.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))    //nolint:errcheck
			c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
