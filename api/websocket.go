package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocket configuration constants
const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum message size allowed from peer.
	maxMessageSize = 512

	sendChannelSize      = 256
	broadcastChannelSize = 256
	broadcastTimeout     = 1 * time.Second
)

// StreamMessage is the envelope of every frame pushed to stream subscribers
type StreamMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// client is one subscriber connection. Each runs a read and a write goroutine.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans detections and insights out to every connected stream subscriber
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	mu         sync.RWMutex
	logger     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// upgrader configures WebSocket connection upgrades. Origins are already
// filtered by corsMiddleware.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewHub creates a hub bound to a cancellable child of ctx.
// The hub must be started with Start before clients connect.
func NewHub(logger *zap.SugaredLogger, ctx context.Context) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	hubCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, broadcastChannelSize),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger,
		ctx:        hubCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Start runs the hub's event loop until Stop. Call it exactly once.
func (h *Hub) Start() {
	defer close(h.done)

	h.logger.Info("Stream hub started")

	for {
		select {
		case <-h.ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				c.conn.Close()
			}
			h.clients = make(map[*client]bool)
			h.mu.Unlock()
			h.logger.Info("Stream hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debugw("Stream client registered", "total_clients", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debugw("Stream client unregistered", "total_clients", total)

		case message := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					// slow subscriber; drop it rather than stall everyone else
					go h.drop(c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// drop unregisters a client unless the hub is already shutting down
func (h *Hub) drop(c *client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
	c.conn.Close()
}

// BroadcastMessage queues a typed message for every subscriber. A full
// queue drops the message after a short wait instead of failing the caller.
func (h *Hub) BroadcastMessage(msgType string, data interface{}) error {
	payload, err := json.Marshal(StreamMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Errorw("Failed to marshal stream message", "type", msgType, "error", err)
		return err
	}

	timer := time.NewTimer(broadcastTimeout)
	defer timer.Stop()

	select {
	case h.broadcast <- payload:
		h.logger.Debugw("Stream message broadcast", "type", msgType, "clients", h.ClientCount())
	case <-h.ctx.Done():
	case <-timer.C:
		h.logger.Warnw("Stream broadcast timeout", "type", msgType)
	}
	return nil
}

// ClientCount returns the number of connected subscribers
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop cancels the hub and waits for its loop to close every connection
func (h *Hub) Stop() {
	h.cancel()
	<-h.done
}

// readPump discards client frames and detects disconnection
func (c *client) readPump() {
	defer c.hub.drop(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debugw("Stream client closed unexpectedly", "error", err)
			}
			return
		}
	}
}

// writePump writes one frame per message and keeps the connection alive with pings
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// serveWs upgrades the request and attaches the connection to the hub
func serveWs(hub *Hub, logger *zap.SugaredLogger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorw("Stream upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendChannelSize),
	}
	select {
	case hub.register <- c:
	case <-hub.ctx.Done():
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
