package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mqvi-hub/server/internal/accounts"
	"github.com/mqvi-hub/server/internal/presence"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 90 * time.Second
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Client is one connection's transport plus the C6 state machine: it moves
// through unauthenticated -> authenticated -> {in_text|in_voice|in_both}
// exactly as described in §4.5. Every field below that mutates after
// construction, except rooms, is only ever touched from ReadPump's own
// goroutine, which gives the "commands from one connection are processed in
// arrival order, no two handlers for the same connection run concurrently"
// guarantee of §5 for free — gorilla's ReadMessage already serializes one
// reader per connection. rooms is also written from the Hub's Run goroutine
// and is only ever accessed under Hub.mu.
type Client struct {
	hub      *Hub
	coord    *Coordinator
	conn     *websocket.Conn
	connID   string
	remoteIP string

	send  chan []byte
	rooms map[string]bool
	wmu   sync.Mutex // guards conn.WriteMessage against concurrent writers

	authenticated bool
	account       *accounts.Account
	sessionToken  string
	user          *presence.User
}

func newClient(hub *Hub, coord *Coordinator, conn *websocket.Conn, connID, remoteIP string) *Client {
	return &Client{
		hub: hub, coord: coord, conn: conn, connID: connID, remoteIP: remoteIP,
		send:  make(chan []byte, sendBufferSize),
		rooms: make(map[string]bool),
	}
}

func (c *Client) ReadPump() {
	defer func() {
		c.coord.onDisconnect(c)
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.coord.log.Debugw("unexpected close", "conn_id", c.connID, "error", err)
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.coord.log.Debugw("invalid inbound message", "conn_id", c.connID, "error", err)
			continue
		}
		c.coord.handle(c, ev)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker((pongWait * 9) / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.writeMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.writeMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.writeMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeMessage(messageType int, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

// emit sends ev to this connection only, bypassing the hub's room indexing
// — used for direct replies (auth:success, errors, history snapshots).
func (c *Client) emit(ev Event) {
	c.hub.EmitConn(c.connID, ev)
}

func (c *Client) emitError(op string, code ProtocolCode, message string) {
	c.emit(Event{Op: op, Data: ErrorPayload{Message: message, Code: code}})
}

func decode[T any](data any) (T, error) {
	var out T
	raw, err := json.Marshal(data)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
