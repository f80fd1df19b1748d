package ws

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/mqvi-hub/server/internal/ids"
	"github.com/mqvi-hub/server/pkg/ratelimit"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades an HTTP connection to a websocket and hands it to a
// fresh, unauthenticated Client. Authentication happens post-connect via
// auth:register/login/session (§4.5), so the upgrade itself never inspects
// credentials.
type Handler struct {
	hub   *Hub
	coord *Coordinator
}

func NewHandler(hub *Hub, coord *Coordinator) *Handler {
	return &Handler{hub: hub, coord: coord}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.coord.log.Debugw("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	connID := ids.New()
	remoteIP := ratelimit.ExtractIP(r)
	c := newClient(h.hub, h.coord, conn, connID, remoteIP)
	h.coord.OnConnect(c)

	go c.WritePump()
	c.ReadPump()
}
