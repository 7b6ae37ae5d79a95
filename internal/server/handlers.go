package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/evolvechat/evolvechat/internal/chat"
	"github.com/evolvechat/evolvechat/internal/hub"
	"github.com/evolvechat/evolvechat/internal/identity"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handlers carries the dependencies of the HTTP endpoints.
type Handlers struct {
	ctx        context.Context
	logger     *slog.Logger
	chat       *chat.ChatServer
	hub        hub.Hub
	resolver   identity.Resolver
	sessionCfg chat.SessionConfig
	startTime  time.Time
}

// HealthResponse is the response for GET /api/health.
type HealthResponse struct {
	Status    string  `json:"status"`
	Uptime    string  `json:"uptime"`
	UptimeSec float64 `json:"uptime_seconds"`
	Rooms     int     `json:"rooms"`
}

// RoomInfo describes one room in the shared snapshot.
type RoomInfo struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}

// RoomList is the response for GET /api/rooms.
type RoomList struct {
	Rooms []RoomInfo `json:"rooms"`
}

// Health reports liveness and the size of the shared room set.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	snap, err := h.hub.Rooms(r.Context())
	if err != nil {
		h.logger.Error("health: load snapshot", "error", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	uptime := time.Since(h.startTime)
	writeJSON(w, HealthResponse{
		Status:    "ok",
		Uptime:    uptime.Round(time.Second).String(),
		UptimeSec: uptime.Seconds(),
		Rooms:     len(snap.Rooms),
	})
}

// ListRooms is a read-only projection of the shared membership snapshot.
func (h *Handlers) ListRooms(w http.ResponseWriter, r *http.Request) {
	snap, err := h.hub.Rooms(r.Context())
	if err != nil {
		h.logger.Error("list rooms: load snapshot", "error", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	out := RoomList{Rooms: make([]RoomInfo, 0, len(snap.Rooms))}
	for name, members := range snap.Rooms {
		out.Rooms = append(out.Rooms, RoomInfo{Name: name, Members: len(members)})
	}
	writeJSON(w, out)
}

// HandleWS resolves the path token to an identity, upgrades the connection,
// and hands it to a new chat session. Unresolvable tokens reject the
// upgrade.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	ident, err := h.resolver.Resolve(r.Context(), token)
	if err != nil {
		h.logger.Warn("ws: token rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess := chat.NewSession(h.chat, conn, ident.ID, ident.Name, h.sessionCfg, h.logger)
	// The request context dies with this handler; the session runs under
	// the server's context instead.
	go sess.Run(h.ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	// Headers are already out by the time Encode can fail.
	_ = json.NewEncoder(w).Encode(v)
}
