// Package server exposes the cached dashboard state over HTTP and pushes
// each new snapshot to WebSocket clients, so display components can either
// poll or subscribe.
package server

import (
	"encoding/json"
	"net/http"
	stdsync "sync"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinsync/dashboard/internal/model"
)

// hubClient is one connected WebSocket consumer.
type hubClient struct {
	id   string
	send chan []byte
}

// Hub fans each new DashboardSnapshot out to connected WebSocket clients.
// It subscribes to the coordinator like any other observer. All operations
// are thread-safe via sync.RWMutex.
type Hub struct {
	mu      stdsync.RWMutex
	clients map[*hubClient]struct{}
	logger  zerolog.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*hubClient]struct{}),
		logger:  logger.With().Str("component", "ws-hub").Logger(),
	}
}

func (h *Hub) register(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastSnapshot pushes a snapshot to every connected client. Clients
// with a full buffer are skipped to avoid blocking the publish path.
func (h *Hub) BroadcastSnapshot(snap *model.DashboardSnapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal snapshot")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Client buffer full; skip to avoid blocking.
		}
	}
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins; tighten in production.
	},
}

// HandleConnect upgrades an HTTP connection to WebSocket and streams
// snapshots until the client disconnects.
func (h *Hub) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &hubClient{
		id:   uuid.NewString(),
		send: make(chan []byte, 8),
	}
	h.register(client)

	go func() {
		defer ws.Close()
		for message := range client.send {
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			h.unregister(client)
			ws.Close()
		}()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	return nil
}
