package events

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"aura/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub pushes events to connected websocket observers.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{clients: make(map[*websocket.Conn]*sync.Mutex), logger: logger}
}

func (h *Hub) Name() string { return "websocket" }

func (h *Hub) register(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = &sync.Mutex{}
	n := len(h.clients)
	h.mu.Unlock()
	if h.logger != nil {
		h.logger.Info("observer connected", "clients", n)
	}
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		_ = conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	if h.logger != nil {
		h.logger.Info("observer disconnected", "clients", n)
	}
}

func (h *Hub) Publish(ctx context.Context, ev model.Event) error {
	msg, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(2 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	h.mu.RLock()
	targets := make(map[*websocket.Conn]*sync.Mutex, len(h.clients))
	for c, m := range h.clients {
		targets[c] = m
	}
	h.mu.RUnlock()
	for conn, wmu := range targets {
		wmu.Lock()
		_ = conn.SetWriteDeadline(deadline)
		err := conn.WriteMessage(websocket.TextMessage, msg)
		wmu.Unlock()
		if err != nil {
			if h.logger != nil {
				h.logger.Warn("websocket write failed", "err", err)
			}
			h.unregister(conn)
		}
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		_ = c.Close()
		delete(h.clients, c)
	}
	return nil
}

// ServeHTTP upgrades the request and keeps the connection registered until the peer goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("websocket upgrade failed", "err", err)
		}
		return
	}
	h.register(conn)
	defer h.unregister(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && h.logger != nil {
				h.logger.Debug("observer read ended", "err", err)
			}
			return
		}
	}
}
