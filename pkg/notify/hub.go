package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks belong to the auth layer in front of this service.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message is the frame written to websocket clients.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// write sends one frame, giving up at writeWait or the ctx deadline,
// whichever comes first.
func (c *client) write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(writeDeadline(ctx, time.Now()))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func writeDeadline(ctx context.Context, now time.Time) time.Time {
	deadline := now.Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

// Hub keeps websocket connections keyed by user id and pushes events to them.
type Hub struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:  logger.With().Str("component", "notify").Str("transport", "websocket").Logger(),
		clients: make(map[string]map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and registers the connection for the user
// given by the user_id query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Websocket upgrade failed")
		return
	}

	c := &client{conn: ws}
	h.register(userID, c)
	defer h.unregister(userID, c)

	// Nothing is expected from clients; reading detects disconnects.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) register(userID string, c *client) {
	h.mu.Lock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*client]struct{})
	}
	h.clients[userID][c] = struct{}{}
	n := len(h.clients[userID])
	h.mu.Unlock()

	h.logger.Debug().Str("user_id", userID).Int("connections", n).Msg("Client connected")
}

func (h *Hub) unregister(userID string, c *client) {
	h.mu.Lock()
	if conns, ok := h.clients[userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.clients, userID)
		}
	}
	h.mu.Unlock()
	_ = c.conn.Close()

	h.logger.Debug().Str("user_id", userID).Msg("Client disconnected")
}

// Connections returns the number of open connections for userID.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) SendEvent(ctx context.Context, userID, eventType string, payload any) error {
	data, err := json.Marshal(Message{Type: eventType, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients[userID]))
	for c := range h.clients[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	var failed int
	for _, c := range targets {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("deliver %s to user %s: %w", eventType, userID, err)
		}
		if err := c.write(ctx, data); err != nil {
			failed++
			h.logger.Warn().Err(err).Str("user_id", userID).Msg("Dropping websocket client after write failure")
			h.unregister(userID, c)
		}
	}
	if failed > 0 && failed == len(targets) {
		return fmt.Errorf("deliver %s to user %s: all %d connections failed", eventType, userID, failed)
	}
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	all := h.clients
	h.clients = make(map[string]map[*client]struct{})
	h.mu.Unlock()

	for _, conns := range all {
		for c := range conns {
			_ = c.conn.Close()
		}
	}
}
