package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/auth"
	ws "github.com/vdavid/mailgate/internal/websocket"
)

// WebSocketHandler handles the /api/v1/ws endpoint for operator alerts.
type WebSocketHandler struct {
	auth   *auth.Authenticator
	hub    *ws.Hub
	logger logrus.FieldLogger
}

func NewWebSocketHandler(authenticator *auth.Authenticator, hub *ws.Hub, logger logrus.FieldLogger) *WebSocketHandler {
	return &WebSocketHandler{auth: authenticator, hub: hub, logger: logger}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The server is expected to run behind a reverse proxy in a trusted environment.
		return true
	},
}

// Handle upgrades the connection and registers it with the Hub.
// Browsers cannot set headers on WebSocket connections, so the token may also
// come from the token query parameter.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = auth.BearerToken(r.Header.Get("Authorization"))
	}

	if !h.auth.Valid(token) {
		h.logger.WithField("remote_addr", r.RemoteAddr).Warn("WebSocketHandler: rejected connection without a valid token")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("WebSocketHandler: failed to upgrade connection")
		return
	}

	client := h.hub.Register(conn)
	if client == nil {
		return
	}

	h.logger.WithField("connections", h.hub.ActiveConnections()).Info("WebSocketHandler: operator connected")

	go h.readLoop(client)
}

// readLoop keeps the connection open until the operator disconnects.
func (h *WebSocketHandler) readLoop(client *ws.Client) {
	conn := client.Conn()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.hub.Unregister(client)
	h.logger.WithField("connections", h.hub.ActiveConnections()).Info("WebSocketHandler: operator disconnected")
}
