package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vaxllo/calls"
)

// Feed message types
const (
	FeedMsgActivity = "activity"
	FeedMsgCall     = "call"
)

const (
	feedSendBuffer   = 64
	feedPongWait     = 60 * time.Second
	feedPingInterval = 30 * time.Second
	feedWriteWait    = 10 * time.Second
)

// FeedMessage is one frame on the live feed.
type FeedMessage struct {
	Type     string            `json:"type"`
	Activity *calls.Activity   `json:"activity,omitempty"`
	Call     *calls.CallRecord `json:"call,omitempty"`
}

// feedClient is one connected dashboard
type feedClient struct {
	conn      *websocket.Conn
	hub       *FeedHub
	send      chan []byte
	connected time.Time
}

// FeedHub streams call activity and classified calls to websocket clients.
type FeedHub struct {
	clients  map[*feedClient]struct{}
	mu       sync.RWMutex
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewFeedHub creates a hub. An empty allowedOrigins accepts any origin.
func NewFeedHub(allowedOrigins []string, logger *slog.Logger) *FeedHub {
	return &FeedHub{
		clients: make(map[*feedClient]struct{}),
		logger:  logger.With("component", "feed"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if len(allowedOrigins) == 0 || origin == "" {
					return true
				}
				return isAllowedOrigin(origin, allowedOrigins)
			},
		},
	}
}

// HandleWebSocket upgrades the request and starts the client pumps.
func (h *FeedHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("feed upgrade failed", "err", err)
		return
	}

	c := &feedClient{
		conn:      conn,
		hub:       h,
		send:      make(chan []byte, feedSendBuffer),
		connected: time.Now(),
	}
	h.register(c)

	go c.writePump()
	go c.readPump()
}

func (h *FeedHub) register(c *feedClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("feed client connected", "remote", c.conn.RemoteAddr().String(), "clients", n)
}

func (h *FeedHub) unregister(c *feedClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("feed client disconnected", "connected_for", time.Since(c.connected).Round(time.Second), "clients", n)
}

// Len reports the number of connected clients.
func (h *FeedHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PublishActivity forwards an orchestrator activity.
func (h *FeedHub) PublishActivity(a calls.Activity) {
	h.publish(FeedMessage{Type: FeedMsgActivity, Activity: &a})
}

// PublishCall forwards a classified call record.
func (h *FeedHub) PublishCall(rec calls.CallRecord) {
	h.publish(FeedMessage{Type: FeedMsgCall, Call: &rec})
}

// publish never blocks: a client whose buffer is full misses the frame.
func (h *FeedHub) publish(msg FeedMessage) {
	if h == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode feed message", "type", msg.Type, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("feed client too slow, frame dropped", "remote", c.conn.RemoteAddr().String())
		}
	}
}

// Close disconnects every client.
func (h *FeedHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (c *feedClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
		return nil
	})

	// The feed is one-way; reads only keep the deadline and close handling alive.
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("feed read error", "err", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(feedPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
