// Package server exposes HTTP handlers, including WebSocket upgrades and
// health checks.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Oyetundee/Ens-Chat-dApp/internal/logging"
)

// Health is the body served by the health endpoints.
type Health struct {
	Status      string `json:"status"`
	Sessions    int    `json:"sessions"`
	Connections int    `json:"connections"`
	History     int    `json:"history"`
}

// Handler serves the relay's HTTP surface for one hub.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewHandler builds the HTTP handlers for hub, enforcing the configured origin allowlist.
func NewHandler(hub *Hub, log *slog.Logger) *Handler {
	log = logging.OrDefault(log)
	policy := newOriginPolicy(hub.cfg.AllowedOrigins, log)
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.check,
		},
		log: log,
	}
}

// ServeWS upgrades the request to a WebSocket connection and registers it with the hub.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, h.hub, r.RemoteAddr)
	if !h.hub.Register(client) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = conn.Close()
	}
}

// Health reports liveness and current hub counters as JSON.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body := Health{
		Status:      "ok",
		Sessions:    h.hub.SessionCount(),
		Connections: h.hub.ConnectionCount(),
		History:     h.hub.History().Len(),
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn("Failed to write health response", "error", err)
	}
}

// Root serves WebSocket upgrades on the bare path and health otherwise.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		h.ServeWS(w, r)
		return
	}
	h.Health(w, r)
}
