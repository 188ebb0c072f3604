// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/efchatnet/efdm/backend/metrics"
	"github.com/efchatnet/efdm/backend/middleware"
	"github.com/efchatnet/efdm/backend/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	// Client frames allowed per second, with a small burst for typing
	frameRate  = 10
	frameBurst = 20
)

// Service is what a connection reports to
type Service interface {
	Connect(ctx context.Context, userID string) error
	Disconnect(ctx context.Context, userID string) error
	Heartbeat(ctx context.Context, userID string) error
	SetTyping(ctx context.Context, userID, conversationID string) error
	MarkDelivered(ctx context.Context, recipientID string, messageIDs []string) ([]string, error)
}

// Feed streams the encoded events addressed to a user. The returned
// function ends the subscription.
type Feed interface {
	Stream(ctx context.Context, userID string) (<-chan []byte, func() error, error)
}

// ClientFrame is a message sent by a device over its socket
type ClientFrame struct {
	Type           string   `json:"type"` // typing | delivered
	ConversationID string   `json:"conversation_id,omitempty"`
	MessageIDs     []string `json:"message_ids,omitempty"`
}

// Hub serves one websocket per device and forwards every event addressed to
// its user
type Hub struct {
	svc      Service
	feed     Feed
	metrics  *metrics.Metrics
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]string
}

func NewHub(svc Service, feed Feed, m *metrics.Metrics, log *slog.Logger, allowedOrigins ...string) *Hub {
	if log == nil {
		log = slog.Default()
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Hub{
		svc:     svc,
		feed:    feed,
		metrics: m,
		log:     log.With("component", "realtime"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed["*"] || allowed[origin]
			},
		},
		conns: make(map[*websocket.Conn]string),
	}
}

// Connections returns the number of open sockets on this instance
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close drops every open socket
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		c.Close()
	}
}

// ServeHTTP upgrades an authenticated request
// GET /api/dm/ws
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	events, unsubscribe, err := h.feed.Stream(r.Context(), userID)
	if err != nil {
		h.log.Error("failed to subscribe", "user_id", userID, "error", err)
		http.Error(w, "realtime unavailable", http.StatusServiceUnavailable)
		return
	}
	defer unsubscribe()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "user_id", userID, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	h.track(conn, userID)
	defer h.untrack(conn)
	if err := h.svc.Connect(ctx, userID); err != nil {
		h.log.Warn("failed to record connection", "user_id", userID, "error", err)
	}
	defer func() {
		if err := h.svc.Disconnect(ctx, userID); err != nil {
			h.log.Warn("failed to record disconnect", "user_id", userID, "error", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writePump(ctx, conn, userID, events)
	}()
	h.readPump(ctx, conn, userID)
	cancel()
	<-done
}

func (h *Hub) track(conn *websocket.Conn, userID string) {
	h.mu.Lock()
	h.conns[conn] = userID
	h.mu.Unlock()
	h.metrics.ConnectionOpened()
}

func (h *Hub) untrack(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	h.metrics.ConnectionClosed()
}

// readPump handles client frames until the socket fails
func (h *Hub) readPump(ctx context.Context, conn *websocket.Conn, userID string) {
	defer conn.Close()
	limiter := rate.NewLimiter(frameRate, frameBurst)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := h.svc.Heartbeat(ctx, userID); err != nil {
			h.log.Debug("heartbeat failed", "user_id", userID, "error", err)
		}
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Info("ws read error", "user_id", userID, "error", err)
			}
			return
		}
		if !limiter.Allow() {
			h.metrics.Rejected("ws_rate_limited")
			continue
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.log.Debug("ignoring malformed frame", "user_id", userID, "error", err)
			continue
		}
		h.handleFrame(ctx, userID, frame)
	}
}

func (h *Hub) handleFrame(ctx context.Context, userID string, frame ClientFrame) {
	var err error
	switch frame.Type {
	case "typing":
		err = h.svc.SetTyping(ctx, userID, frame.ConversationID)
	case "delivered":
		if len(frame.MessageIDs) > 0 {
			_, err = h.svc.MarkDelivered(ctx, userID, frame.MessageIDs)
		}
	default:
		h.log.Debug("unknown frame type", "user_id", userID, "type", frame.Type)
	}
	if err != nil {
		h.log.Debug("frame rejected", "user_id", userID, "type", frame.Type, "error", err)
	}
}

// writePump forwards events and keeps the socket alive with pings. A
// message.new from the peer is marked delivered once written.
func (h *Hub) writePump(ctx context.Context, conn *websocket.Conn, userID string, events <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return

		case data, ok := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			h.acknowledge(ctx, userID, data)

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) acknowledge(ctx context.Context, userID string, data []byte) {
	ev, err := models.DecodeEvent(data)
	if err != nil || ev.Type != models.EventMessageNew || ev.Message.SenderID == userID {
		return
	}
	if _, err := h.svc.MarkDelivered(ctx, userID, []string{ev.Message.ID}); err != nil {
		h.log.Debug("failed to mark delivered", "user_id", userID, "message_id", ev.Message.ID, "error", err)
	}
}
