// Package websocket fans operator alerts out to connected operator consoles.
package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/models"
)

const writeTimeout = 10 * time.Second

// Client wraps a WebSocket connection. Writes are serialized because
// gorilla connections allow one concurrent writer.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

func (c *Client) write(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Hub manages active operator connections.
type Hub struct {
	mu             sync.RWMutex
	clients        map[*Client]struct{}
	maxConnections int
	logger         logrus.FieldLogger
}

// NewHub creates a new Hub with a connection limit.
func NewHub(maxConnections int, logger logrus.FieldLogger) *Hub {
	if maxConnections <= 0 {
		maxConnections = 10
	}
	return &Hub{
		clients:        make(map[*Client]struct{}),
		maxConnections: maxConnections,
		logger:         logger,
	}
}

// Register adds a WebSocket connection.
// If the limit is exceeded, the new connection is closed and nil is returned.
func (h *Hub) Register(conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) >= h.maxConnections {
		h.logger.WithField("max", h.maxConnections).Warn("Hub: too many operator connections, closing new connection")
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
		return nil
	}

	client := &Client{conn: conn}
	h.clients[client] = struct{}{}
	return client
}

// Unregister removes a client and closes the connection.
func (h *Hub) Unregister(client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()

	_ = client.conn.Close()
}

// Publish sends event as JSON to every connected operator. A client whose
// write fails is dropped.
func (h *Hub) Publish(event models.OperatorEvent) {
	msg, err := json.Marshal(event)
	if err != nil {
		h.logger.WithError(err).Error("Hub: failed to encode event")
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if err := client.write(msg); err != nil {
			h.logger.WithError(err).WithField("event", string(event.Type)).Warn("Hub: failed to write event, dropping connection")
			h.Unregister(client)
		}
	}
}

// ActiveConnections returns the number of connected operators.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients)
}
