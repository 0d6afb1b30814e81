// Copyright 2026 FinOs Authors
// SPDX-License-Identifier: Apache-2.0

package authority

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 32
)

// feedClient is one connected feed subscriber.
type feedClient struct {
	hub     *Hub
	conn    *websocket.Conn
	ownerID string
	send    chan []byte
}

type outbound struct {
	ownerID string // empty means every client
	data    []byte
}

// Hub fans feed events out to connected devices. Owned-row changes and
// pulses go only to the owning account's devices; shared-row changes go to
// everyone. Senders never block: a client too slow to drain its buffer is
// dropped and must reconnect.
type Hub struct {
	logger     *slog.Logger
	clients    map[*feedClient]bool
	broadcast  chan outbound
	register   chan *feedClient
	unregister chan *feedClient
}

// NewHub creates a hub. Run must be started before clients connect.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:     logger,
		clients:    make(map[*feedClient]bool),
		broadcast:  make(chan outbound, 64),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
	}
}

// Run drives the hub until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Debug("feed client connected", "owner", client.ownerID)
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Debug("feed client disconnected", "owner", client.ownerID)
			}
		case msg := <-h.broadcast:
			for client := range h.clients {
				if msg.ownerID != "" && client.ownerID != msg.ownerID {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					delete(h.clients, client)
					close(client.send)
					h.logger.Warn("dropping slow feed client", "owner", client.ownerID)
				}
			}
		}
	}
}

// BroadcastChange publishes a row-change event. Shared changes reach every
// connected device; owned changes only the owner's devices.
func (h *Hub) BroadcastChange(ownerID string, shared bool, ev FeedEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode feed event", "error", err)
		return
	}
	target := ownerID
	if shared {
		target = ""
	}
	select {
	case h.broadcast <- outbound{ownerID: target, data: data}:
	default:
		h.logger.Warn("feed broadcast queue full, dropping event", "entity", ev.Entity)
	}
}

// BroadcastPulse publishes a pulse to the owner's devices. The sending
// device's ID is carried so peers can filter their own echo.
func (h *Hub) BroadcastPulse(ownerID, deviceID string) {
	h.BroadcastChange(ownerID, false, FeedEvent{Event: EventPulse, DeviceID: deviceID})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The feed is bearer-token authenticated; origin is not a boundary here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeFeed upgrades an authenticated request to a websocket subscription.
func (h *Hub) ServeFeed(w http.ResponseWriter, r *http.Request, ownerID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("feed upgrade failed", "error", err)
		return
	}
	client := &feedClient{
		hub:     h,
		conn:    conn,
		ownerID: ownerID,
		send:    make(chan []byte, sendBufferSize),
	}
	h.register <- client
	go client.writePump()
	go client.readPump()
}

// readPump discards inbound frames; the feed is one-way. It exists to notice
// closure and keep pong handling alive.
func (c *feedClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(1 << 16)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
