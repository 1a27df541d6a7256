// Package net wires the relay's HTTP surface.
package net

import (
	"encoding/json"
	"log"
	nethttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	server "gloomvault/server"
	"gloomvault/server/internal/net/proto"
	"gloomvault/server/internal/net/ws"
	"gloomvault/server/internal/session"
)

// RouterConfig parameterizes NewRouter.
type RouterConfig struct {
	Logger *log.Logger
}

// NewRouter builds the relay's HTTP mux: health, join, diagnostics, and the
// websocket upgrade.
func NewRouter(hub *server.Hub, cfg RouterConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	started := time.Now()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		writeJSON(w, nethttp.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/join", func(w nethttp.ResponseWriter, req *nethttp.Request) {
		sessionID := req.URL.Query().Get("session")
		if sessionID == "" {
			writeJSON(w, nethttp.StatusBadRequest, server.ErrorResponse{Error: "session query parameter required"})
			return
		}
		decl, ok := hub.Config().Session(sessionID)
		if !ok {
			writeJSON(w, nethttp.StatusNotFound, server.ErrorResponse{Error: "unknown session"})
			return
		}
		rooms := make([]server.JoinRoomInfo, 0, len(decl.Rooms))
		for _, room := range decl.Rooms {
			rooms = append(rooms, server.JoinRoomInfo{
				ID:           room.ID,
				Name:         room.Name,
				RequiredKeys: append([]string(nil), room.RequiredKeys...),
			})
		}
		writeJSON(w, nethttp.StatusOK, server.JoinResponse{
			SessionID:     decl.ID,
			SessionName:   decl.Name,
			ClientID:      uuid.NewString(),
			ProtoVersion:  proto.Version,
			SchemaVersion: session.SchemaVersion,
			TimerSec:      decl.TimerSec,
			Rooms:         rooms,
			WebsocketPath: "/ws",
		})
	})

	r.Get("/diagnostics", func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		sessions := make([]map[string]any, 0, len(hub.Config().Sessions))
		for _, decl := range hub.Config().Sessions {
			sessions = append(sessions, map[string]any{
				"id":          decl.ID,
				"name":        decl.Name,
				"rooms":       len(decl.Rooms),
				"subscribers": hub.SubscriberCount(decl.ID),
			})
		}
		writeJSON(w, nethttp.StatusOK, map[string]any{
			"uptimeSec": int(time.Since(started).Seconds()),
			"sessions":  sessions,
		})
	})

	wsHandler := ws.NewHandler(hub, ws.HandlerConfig{Logger: logger})
	r.Get("/ws", wsHandler.Handle)

	return r
}

func writeJSON(w nethttp.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("http: encode response failed: %v", err)
	}
}
