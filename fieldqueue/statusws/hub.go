// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package statusws pushes the queue status of a fieldqueue.Client to UI processes over
// WebSocket: queue depth changes, finished drain passes and connectivity transitions.
package statusws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mobiletoly/go-fieldsync/fieldqueue"
)

// Event types sent to clients.
const (
	EventQueueChanged        = "queue.changed"
	EventSyncCompleted       = "sync.completed"
	EventConnectivityChanged = "connectivity.changed"
	EventStatusSnapshot      = "status.snapshot"
)

const (
	sendBufferSize = 64
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	writeWait      = 10 * time.Second
)

// Envelope wraps every message sent to clients.
type Envelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte   // closed by the hub
	pong chan struct{} // application-level ping replies, never closed
	hub  *Hub
}

// Hub fans status events out to connected WebSocket clients.
type Hub struct {
	clients    map[string]*wsClient
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	upgrader   websocket.Upgrader
	logger     *slog.Logger

	mu     sync.Mutex
	source *fieldqueue.Client
}

// NewHub creates a hub. Run must be started before clients connect.
// allowedOrigins lists acceptable Origin headers; empty accepts any origin.
func NewHub(logger *slog.Logger, allowedOrigins ...string) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		clients:    make(map[string]*wsClient),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowedOrigins {
				if o == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// Run manages client registration and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for id, c := range h.clients {
				delete(h.clients, id)
				close(c.send)
			}
			return

		case c := <-h.register:
			h.clients[c.id] = c
			h.logger.Info("Status client connected", "client_id", c.id, "total", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.logger.Info("Status client disconnected", "client_id", c.id, "total", len(h.clients))

		case msg := <-h.broadcast:
			for id, c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn("Status client too slow, dropping", "client_id", id)
					delete(h.clients, id)
					close(c.send)
				}
			}
		}
	}
}

// Broadcast queues an event for every connected client. It never blocks: when the hub is
// saturated the event is dropped.
func (h *Hub) Broadcast(eventType string, data map[string]any) {
	msg, err := encode(eventType, data)
	if err != nil {
		h.logger.Error("Failed to marshal status event", "type", eventType, "error", err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Status broadcast buffer full, dropping event", "type", eventType)
	}
}

func encode(eventType string, data map[string]any) ([]byte, error) {
	return json.Marshal(Envelope{Type: eventType, Data: data, Timestamp: time.Now().Unix()})
}

// Attach forwards the client's status notifications to the hub. New connections receive a
// status snapshot of the attached client. The returned function detaches all subscriptions.
func (h *Hub) Attach(c *fieldqueue.Client) (detach func()) {
	h.mu.Lock()
	h.source = c
	h.mu.Unlock()

	unsubs := []func(){
		c.OnQueueChange(func(n int) {
			h.Broadcast(EventQueueChanged, map[string]any{"pending_count": n})
		}),
		c.OnSyncComplete(func(s fieldqueue.PassSummary) {
			h.Broadcast(EventSyncCompleted, summaryData(s))
		}),
		c.Monitor().OnChange(func(online bool) {
			h.Broadcast(EventConnectivityChanged, map[string]any{"online": online})
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
		h.mu.Lock()
		if h.source == c {
			h.source = nil
		}
		h.mu.Unlock()
	}
}

func summaryData(s fieldqueue.PassSummary) map[string]any {
	return map[string]any{
		"synced_count": s.SyncedCount,
		"failed_count": s.FailedCount,
		"pruned_count": s.PrunedCount,
		"message":      s.Message,
		"duration_ms":  s.FinishedAt.Sub(s.StartedAt).Milliseconds(),
	}
}

func (h *Hub) snapshot(ctx context.Context) []byte {
	h.mu.Lock()
	src := h.source
	h.mu.Unlock()
	if src == nil {
		return nil
	}

	data := map[string]any{
		"online":            src.Monitor().IsOnline(),
		"offline_available": src.OfflineAvailable(),
	}
	if n, err := src.PendingCount(ctx); err == nil {
		data["pending_count"] = n
	}
	if s, ok := src.LastPassSummary(); ok {
		data["last_pass"] = summaryData(s)
	}
	msg, err := encode(EventStatusSnapshot, data)
	if err != nil {
		return nil
	}
	return msg
}

// ServeHTTP upgrades the request to a WebSocket status stream.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade status connection", "error", err)
		return
	}

	c := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		pong: make(chan struct{}, 1),
		hub:  h,
	}
	if msg := h.snapshot(r.Context()); msg != nil {
		c.send <- msg
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("Status client read error", "client_id", c.id, "error", err)
			}
			return
		}

		var msg struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Action == "ping" {
			select {
			case c.pong <- struct{}{}:
			default:
			}
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.pong:
			pong, _ := json.Marshal(map[string]any{"action": "pong", "timestamp": time.Now().Unix()})
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, pong); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
