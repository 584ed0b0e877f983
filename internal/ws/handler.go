package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/infrastructure/monitoring"
	"github.com/w200024212/pebbleos-sub001/internal/shared/id"
	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 32
	readLimit  = 4096
	statusWait = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the daemon binds to localhost
	},
}

// Snapshotter answers "status" requests from clients
type Snapshotter interface {
	Snapshot(ctx context.Context) (types.Snapshot, error)
}

type client struct {
	id   id.ClientID
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans process notifications out to every connected client. It
// implements types.Notifier; Notify never blocks, and a client whose buffer
// is full misses the message.
type Hub struct {
	status  Snapshotter
	logger  *zap.Logger
	metrics *monitoring.Metrics

	mu      sync.RWMutex
	clients map[id.ClientID]*client
	dropped uint64
}

// NewHub creates a notification hub. status may be nil.
func NewHub(status Snapshotter, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		status:  status,
		logger:  logger,
		clients: make(map[id.ClientID]*client),
	}
}

// WithMetrics enables connection and message counters
func (h *Hub) WithMetrics(metrics *monitoring.Metrics) *Hub {
	h.metrics = metrics
	return h
}

// Notify implements types.Notifier
func (h *Hub) Notify(n types.Notification) {
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	data, err := sonic.Marshal(n)
	if err != nil {
		h.logger.Error("failed to encode notification", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		select {
		case c.send <- data:
			if h.metrics != nil {
				h.metrics.RecordWSMessage("out", string(n.Type))
			}
		default:
			h.dropped++
			h.logger.Debug("client buffer full, dropping notification",
				zap.String("client", c.id.String()),
				zap.String("type", string(n.Type)),
			)
		}
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many notifications were not delivered to a slow client
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, c := range h.clients {
		c.close()
		delete(h.clients, key)
	}
}

// HandleConnection handles WebSocket upgrade and messages
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	cl := &client{id: id.NewClientID(), conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(cl)
	defer h.unregister(cl)

	go h.writePump(cl)

	h.reply(cl, map[string]interface{}{
		"type":      "system",
		"message":   "connected to watchd",
		"client_id": cl.id,
	})

	h.readPump(c.Request.Context(), cl)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.IncWSConnections()
	}
	h.logger.Debug("websocket client connected", zap.String("client", c.id.String()))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		c.close()
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.DecWSConnections()
	}
	h.logger.Debug("websocket client disconnected", zap.String("client", c.id.String()))
}

func (h *Hub) readPump(ctx context.Context, c *client) {
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg types.WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
		if h.metrics != nil {
			h.metrics.RecordWSMessage("in", msg.Type)
		}

		switch msg.Type {
		case "ping":
			h.reply(c, map[string]interface{}{"type": "pong"})
		case "status":
			h.replyStatus(ctx, c)
		default:
			h.sendError(c, "unknown message type")
		}
	}
}

func (h *Hub) replyStatus(ctx context.Context, c *client) {
	if h.status == nil {
		h.sendError(c, "status not available")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, statusWait)
	defer cancel()

	snap, err := h.status.Snapshot(ctx)
	if err != nil {
		h.sendError(c, err.Error())
		return
	}
	h.reply(c, map[string]interface{}{"type": "status", "snapshot": snap})
}

func (h *Hub) writePump(c *client) {
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

// reply queues a direct response; it shares the client's buffer with
// broadcasts
func (h *Hub) reply(c *client, v interface{}) {
	data, err := sonic.Marshal(v)
	if err != nil {
		h.logger.Error("failed to encode reply", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Debug("client buffer full, dropping reply", zap.String("client", c.id.String()))
	}
}

func (h *Hub) sendError(c *client, message string) {
	h.reply(c, map[string]interface{}{
		"type":    "error",
		"message": message,
	})
}
