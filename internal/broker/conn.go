package broker

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1MB; request/response payloads are small JSON objects.
)

// handle is an opaque identifier for a connection. Registries and waiter
// tables store handles, never *conn pointers, so a single map-erase on
// disconnect is enough to unwind every table a connection touched (spec.md
// §9, "use an indirection").
type handle uint64

// role distinguishes the two kinds of connections the broker accepts.
type role int

const (
	roleWorker role = iota
	roleRequester
)

// conn wraps one accepted WebSocket connection. It is owned exclusively by
// its own readPump goroutine; every other goroutine that wants to write to
// it does so through send, never by touching ws directly (spec.md §5:
// "Connection handles are exclusively owned by the task reading from them").
type conn struct {
	id       handle
	ws       *websocket.Conn
	send     chan []byte
	role     role
	botID    string
	identity string // shard_id for workers, identifier (or "all") for requesters

	writeMu sync.Mutex
	closed  bool
}

func newConn(id handle, ws *websocket.Conn, r role, botID, identity string) *conn {
	return &conn{
		id:       id,
		ws:       ws,
		send:     make(chan []byte, 256),
		role:     r,
		botID:    botID,
		identity: identity,
	}
}

// writeJSON enqueues payload for delivery on this connection's writePump.
// It never blocks the caller's goroutine on network I/O.
func (c *conn) writeJSON(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[BROKER] failed to marshal outgoing frame for conn %d: %v", c.id, err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("[BROKER] send buffer full for conn %d, dropping frame", c.id)
	}
}

// close marks the connection closed and stops its writePump by closing send.
// Safe to call more than once.
func (c *conn) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// writePump drains send onto the underlying socket and keeps it alive with
// periodic pings, in the manner of the teacher's Client.WritePump.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
