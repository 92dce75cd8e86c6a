package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nodeplane/fleetcore/infrastructure/logging"
)

// writeTimeout bounds how long a single client write may block before the
// hub gives up on a slow reader.
const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WebSocketHub is a Subscriber that fans every Event out to connected
// /ws/metrics clients. A slow or dead client is dropped rather than
// blocking the rest of the fan-out.
type WebSocketHub struct {
	logger *logging.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewWebSocketHub creates an empty hub ready to be registered with
// Engine.Subscribe and mounted as an http.Handler.
func NewWebSocketHub(logger *logging.Logger) *WebSocketHub {
	return &WebSocketHub{logger: logger, clients: make(map[*websocket.Conn]struct{})}
}

// ServeHTTP upgrades the connection and keeps it registered until the
// client disconnects. Handles GET /ws/metrics.
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn(r.Context(), "websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		}
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	// Drain and discard anything the client sends; this is a push-only
	// feed, but we still need to read to notice a closed connection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	_ = conn.Close()
}

// Notify implements Subscriber by broadcasting event to every connected
// client as JSON.
func (h *WebSocketHub) Notify(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		if h.logger != nil {
			h.logger.Error(context.Background(), "failed to encode metrics event", err, nil)
		}
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.mu.Lock()
			delete(h.clients, c)
			h.mu.Unlock()
			_ = c.Close()
		}
	}
}
