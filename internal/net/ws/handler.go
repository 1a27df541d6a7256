// Package ws upgrades relay websocket connections and pumps inbound frames
// into the hub.
package ws

import (
	"log"
	nethttp "net/http"

	"github.com/gorilla/websocket"

	server "gloomvault/server"
	"gloomvault/server/internal/net/proto"
)

type HandlerConfig struct {
	Logger *log.Logger
}

// Handler terminates the /ws endpoint. Each connection subscribes to exactly
// one session and stays subscribed until the read pump exits.
type Handler struct {
	hub      *server.Hub
	logger   *log.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub *server.Hub, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	return &Handler{
		hub:      hub,
		logger:   logger,
		upgrader: upgrader,
	}
}

func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	sessionID := r.URL.Query().Get("session")
	clientID := r.URL.Query().Get("id")
	if sessionID == "" || clientID == "" {
		nethttp.Error(w, "missing session or id", nethttp.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("ws: upgrade failed: %v", err)
		return
	}

	if err := h.hub.Subscribe(sessionID, clientID, conn); err != nil {
		h.logger.Printf("ws: subscribe %s/%s rejected: %v", sessionID, clientID, err)
		conn.Close()
		return
	}

	go h.readPump(sessionID, clientID, conn)
}

func (h *Handler) readPump(sessionID, clientID string, conn *websocket.Conn) {
	defer h.hub.Unsubscribe(sessionID, clientID)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := proto.DecodeEnvelope(data)
		if err != nil {
			h.logger.Printf("ws: discarding frame from %s: %v", clientID, err)
			continue
		}
		// Stamp the connection identity so a peer cannot spoof another
		// sender or leak frames across sessions.
		env.SessionID = sessionID
		env.SenderID = clientID
		h.hub.HandleEnvelope(env)
	}
}
