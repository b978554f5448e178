package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/nighthost/backend/internal/domain/logstream"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	readLimit    = 4096
	// sendQueue is how many records a slow client may lag before it misses some
	sendQueue = 256
)

// Subscriber is the fan-out side the handler needs; satisfied by logstream.Hub
type Subscriber interface {
	Subscribe(serverID string, obs logstream.Observer) error
	Unsubscribe(serverID string, obs logstream.Observer)
}

// Gauge tracks open subscriptions; satisfied by monitoring.Metrics
type Gauge interface {
	IncSubscribers()
	DecSubscribers()
}

// Handler streams a server's output records to WebSocket clients
type Handler struct {
	hub      Subscriber
	upgrader websocket.Upgrader
	logger   *zap.Logger
	gauge    Gauge
	pingIntv time.Duration

	// quit is closed by Close to end every open stream
	quit      chan struct{}
	closeOnce sync.Once
}

// NewHandler creates a WebSocket handler over hub
func NewHandler(hub Subscriber, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Dashboards connect from other origins, as with the HTTP API
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:   logger.Named("ws"),
		pingIntv: pingInterval,
		quit:     make(chan struct{}),
	}
}

// Close tells every connected client the server is going away. New
// connections are still accepted; call it after the listener has stopped.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.quit) })
}

// WithMetrics adds subscription tracking
func (h *Handler) WithMetrics(g Gauge) *Handler {
	h.gauge = g
	return h
}

// IsUpgrade reports whether the request asks for a WebSocket
func IsUpgrade(c *gin.Context) bool {
	return websocket.IsWebSocketUpgrade(c.Request)
}

// HandleConnection subscribes the client to ?serverId= and streams records
// until either side closes. Unknown servers get one rejection record.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	serverID := c.Query("serverId")
	queue := make(logstream.Channel, sendQueue)
	if err := h.hub.Subscribe(serverID, queue); err != nil {
		h.reject(conn, serverID)
		return
	}

	if h.gauge != nil {
		h.gauge.IncSubscribers()
	}
	log := h.logger.With(zap.String("server_id", serverID), zap.String("remote", conn.RemoteAddr().String()))
	log.Debug("Subscriber connected")

	done := make(chan struct{})
	go h.writePump(conn, queue, done)
	h.readPump(conn)

	h.hub.Unsubscribe(serverID, queue)
	close(done)
	if h.gauge != nil {
		h.gauge.DecSubscribers()
	}
	log.Debug("Subscriber disconnected")
}

func (h *Handler) reject(conn *websocket.Conn, serverID string) {
	defer conn.Close()

	h.logger.Debug("Rejected subscription", zap.String("server_id", serverID))
	if payload, err := sonic.Marshal(logstream.Rejection()); err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid serverId")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// writePump is the only writer on conn
func (h *Handler) writePump(conn *websocket.Conn, queue logstream.Channel, done <-chan struct{}) {
	ticker := time.NewTicker(h.pingIntv)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case rec := <-queue:
			payload, err := sonic.Marshal(rec)
			if err != nil {
				h.logger.Warn("Failed to encode record", zap.Error(err))
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-h.quit:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

// readPump drains client frames so control messages are processed. Clients
// have nothing to say; any text they send is ignored.
func (h *Handler) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
