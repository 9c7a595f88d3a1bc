package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"lambda-live-bridge/internal/logging"
)

// Hub terminates WebSocket connections for a Router and implements Sender
// over its local connection table. A hub is a single relay node: every
// connection it is asked to reach must be held locally, so several hubs must
// not share one registry. Scale out with the API Gateway deployment instead.
type Hub struct {
	log *zap.Logger

	mu     sync.RWMutex
	conns  map[string]*hubConn
	router *Router
}

type hubConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:   logging.OrNop(log),
		conns: make(map[string]*hubConn),
	}
}

// Attach sets the router that receives inbound messages.
func (h *Hub) Attach(r *Router) {
	h.mu.Lock()
	h.router = r
	h.mu.Unlock()
}

// Send writes data to a local connection. A connection that is no longer
// held by this hub, or whose write fails, is reported as ErrGone.
func (h *Hub) Send(_ context.Context, connectionID string, data []byte) error {
	h.mu.RLock()
	c, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrGone, connectionID)
	}

	c.writeMu.Lock()
	err := c.ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		h.drop(connectionID)
		_ = c.ws.Close()
		return fmt.Errorf("%w: %s: %v", ErrGone, connectionID, err)
	}
	return nil
}

// Len returns the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Mount installs the WebSocket endpoint at /ws.
func (h *Hub) Mount(r fiber.Router) {
	r.Use("/ws", h.Upgrade)
	r.Get("/ws", h.Handler())
}

// Upgrade rejects plain HTTP requests to the WebSocket route.
func (h *Hub) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Handler serves one WebSocket connection per call until the peer goes away.
func (h *Hub) Handler() fiber.Handler {
	return websocket.New(h.serve)
}

func (h *Hub) serve(ws *websocket.Conn) {
	id := uuid.New().String()
	ctx := context.Background()

	h.mu.Lock()
	h.conns[id] = &hubConn{ws: ws}
	router := h.router
	h.mu.Unlock()

	if router == nil {
		h.log.Error("hub has no router attached, closing connection")
		h.drop(id)
		return
	}
	router.Connect(ctx, id)

	defer func() {
		h.drop(id)
		if err := router.Disconnect(ctx, id); err != nil {
			h.log.Warn("disconnect cleanup failed", zap.String("connection_id", id), zap.Error(err))
		}
	}()

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("connection read failed", zap.String("connection_id", id), zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if err := router.Handle(ctx, id, data); err != nil {
			h.log.Warn("message rejected", zap.String("connection_id", id), zap.Error(err))
		}
	}
}

func (h *Hub) drop(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}
