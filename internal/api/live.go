package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	clientQueueSize  = 8
	liveWriteTimeout = 5 * time.Second
	liveCloseReason  = "server shutting down"
)

// liveClient is one /ws/live subscriber with its own bounded outbox.
type liveClient struct {
	id   string
	conn *websocket.Conn
	out  chan []byte
}

// offer queues msg, evicting the oldest queued message when full so a slow
// reader always ends up with the newest status.
func (c *liveClient) offer(msg []byte) {
	for {
		select {
		case c.out <- msg:
			return
		default:
		}
		select {
		case <-c.out:
		default:
		}
	}
}

// LiveHub pushes the status document to every /ws/live subscriber.
type LiveHub struct {
	docs   func() StatusDocument
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*liveClient
	closed  bool
}

// NewLiveHub creates a hub that serializes docs() on every Notify.
func NewLiveHub(docs func() StatusDocument, logger *slog.Logger) *LiveHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveHub{docs: docs, logger: logger, clients: make(map[string]*liveClient)}
}

// Notify broadcasts the current status document. It never blocks on a client.
func (h *LiveHub) Notify() {
	h.mu.RLock()
	if len(h.clients) == 0 {
		h.mu.RUnlock()
		return
	}
	clients := make([]*liveClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	msg, err := json.Marshal(liveMessage{Type: "status", Status: h.docs()})
	if err != nil {
		h.logger.Warn("Failed to encode status document", "error", err)
		return
	}
	for _, c := range clients {
		c.offer(msg)
	}
}

// Count returns the number of connected subscribers.
func (h *LiveHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber and refuses new ones.
func (h *LiveHub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[string]*liveClient)
	h.mu.Unlock()

	for id, c := range clients {
		_ = c.conn.Close(websocket.StatusGoingAway, liveCloseReason)
		h.logger.Info("Live subscriber closed", "client_id", id)
	}
}

func (h *LiveHub) register(c *liveClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	h.logger.Info("Live subscriber registered", "client_id", c.id, "subscribers", len(h.clients))
	return true
}

func (h *LiveHub) unregister(c *liveClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.clients[c.id]; ok && current == c {
		delete(h.clients, c.id)
		h.logger.Info("Live subscriber unregistered", "client_id", c.id, "subscribers", len(h.clients))
	}
}

type liveMessage struct {
	Type   string         `json:"type"`
	Status StatusDocument `json:"status"`
}

type inboundMessage struct {
	Type string `json:"type"`
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *LiveHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Origins were already checked by the CORS middleware.
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	c := &liveClient{id: uuid.NewString(), conn: ws, out: make(chan []byte, clientQueueSize)}
	if !h.register(c) {
		return
	}
	defer h.unregister(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if msg, err := json.Marshal(liveMessage{Type: "status", Status: h.docs()}); err == nil {
		c.offer(msg)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, c)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		h.outputLoop(ctx, c)
	}()
	wg.Wait()
}

func (h *LiveHub) inputLoop(ctx context.Context, c *liveClient) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("Live subscriber closed by client", "client_id", c.id)
			} else if ctx.Err() == nil {
				h.logger.Debug("Live read error", "client_id", c.id, "error", err)
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("Ignoring malformed live message", "client_id", c.id)
			continue
		}
		if msg.Type == "ping" {
			c.offer([]byte(`{"type":"pong"}`))
		}
	}
}

func (h *LiveHub) outputLoop(ctx context.Context, c *liveClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.out:
			writeCtx, cancel := context.WithTimeout(ctx, liveWriteTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					h.logger.Debug("Live write error", "client_id", c.id, "error", err)
				}
				return
			}
		}
	}
}
