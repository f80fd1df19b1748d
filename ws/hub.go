package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Hub is C7: the broadcast fabric. Membership is room-indexed (room =
// channel id, "voice:"+channel id for a voice roster, or the reserved
// globalRoom for presence/channel-list snapshots) per §4.6 — a connection's room set is independent of how many
// other connections share its account.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]bool
	conns map[string]*Client // conn_id -> client, for emit_conn and registry bookkeeping

	seq atomic.Int64
	log *zap.SugaredLogger

	register   chan *Client
	unregister chan *Client
}

// globalRoom receives presence and channels:update snapshots per §4.6
// ("Presence and channel-list snapshots are emitted to all connections").
const globalRoom = "__global__"

func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		conns:      make(map[string]*Client),
		log:        log,
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		}
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.connID] = c
	h.joinRoomLocked(c, globalRoom)
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range c.rooms {
		if set, ok := h.rooms[room]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	delete(h.conns, c.connID)
	close(c.send)
}

// Register/Unregister are the external entry points client.go uses from its
// own goroutines (ReadPump/WritePump), routed through a channel send
// to avoid racing the Hub's own map mutations.
func (h *Hub) Register(c *Client)   { h.register <- c }
func (h *Hub) Unregister(c *Client) { h.unregister <- c }

func (h *Hub) joinRoomLocked(c *Client, room string) {
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][c] = true
	c.rooms[room] = true
}

// JoinRoom adds a connection to a room's subscriber set (channel join and
// voice join route through this; screenshare viewers are tracked on the
// channel, not as a room).
func (h *Hub) JoinRoom(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joinRoomLocked(c, room)
}

func (h *Hub) LeaveRoom(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.rooms[room]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

func (h *Hub) marshal(ev Event) ([]byte, bool) {
	ev.Seq = h.seq.Add(1)
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Warnw("failed to marshal outbound event", "op", ev.Op, "error", err)
		return nil, false
	}
	return data, true
}

// deliver enqueues data on c.send; a full queue means the subscriber is slow
// per §5, and the connection is dropped rather than let the fabric block.
func (h *Hub) deliver(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.log.Warnw("dropping slow connection", "conn_id", c.connID)
		go h.Unregister(c)
	}
}

// EmitRoom implements emit_room(room, event): every subscriber of room
// observes events in the order they were enqueued here (§4.6/§5 ordering
// guarantee (a)).
func (h *Hub) EmitRoom(room string, ev Event) {
	data, ok := h.marshal(ev)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[room] {
		h.deliver(c, data)
	}
}

// EmitRoomExcept is EmitRoom but skips one connection (e.g. the originator
// of a signaling relay who gets its own reply through a different event).
func (h *Hub) EmitRoomExcept(room, excludeConnID string, ev Event) {
	data, ok := h.marshal(ev)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[room] {
		if c.connID != excludeConnID {
			h.deliver(c, data)
		}
	}
}

// EmitConn implements emit_conn(conn, event): a single targeted unicast.
func (h *Hub) EmitConn(connID string, ev Event) {
	data, ok := h.marshal(ev)
	if !ok {
		return
	}
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if ok {
		h.deliver(c, data)
	}
}

// EmitAll broadcasts to every connected client via globalRoom.
func (h *Hub) EmitAll(ev Event) { h.EmitRoom(globalRoom, ev) }

// Disconnect force-closes every connection of one conn_id set (used by ban
// and account-disable force-disconnects).
func (h *Hub) Disconnect(connIDs []string) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(connIDs))
	for _, id := range connIDs {
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.Unregister(c)
	}
}

// Shutdown closes every live connection's send channel (graceful shutdown
// per §4.8 — the orchestrator emits a close event to each connection first).
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		close(c.send)
	}
	h.rooms = make(map[string]map[*Client]bool)
	h.conns = make(map[string]*Client)
	h.log.Info("hub shut down, all connections closed")
}
