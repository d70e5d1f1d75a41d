package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/erdsync/internal/auth"
	"github.com/MarcoPoloResearchLab/erdsync/internal/collab"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultPingInterval  = 25 * time.Second
	defaultReadTimeout   = 60 * time.Second
	defaultWriteTimeout  = 10 * time.Second
	defaultSendQueueSize = 64
	maxFrameBytes        = 1 << 20
)

var (
	errConnectionClosed = errors.New("realtime: connection closed")
	errSendQueueFull    = errors.New("realtime: send queue full")
)

// RealtimeEngine consumes inbound room events.
type RealtimeEngine interface {
	Dispatch(ctx context.Context, client collab.Client, message collab.Inbound) error
	Disconnect(connectionID string)
}

// RealtimeConfig tunes websocket keepalive and buffering.
type RealtimeConfig struct {
	PingInterval  time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	SendQueueSize int
}

func (c RealtimeConfig) withDefaults() RealtimeConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	return c
}

// socketClient is one upgraded connection. Only writePump writes data frames.
type socketClient struct {
	id             string
	conn           *websocket.Conn
	queue          chan []byte
	done           chan struct{}
	closeOnce      sync.Once
	enqueueTimeout time.Duration
	logger         *zap.Logger
}

func newSocketClient(conn *websocket.Conn, queueSize int, enqueueTimeout time.Duration, logger *zap.Logger) *socketClient {
	id := uuid.NewString()
	return &socketClient{
		id:             id,
		conn:           conn,
		queue:          make(chan []byte, queueSize),
		done:           make(chan struct{}),
		enqueueTimeout: enqueueTimeout,
		logger:         logger.With(zap.String("connection_id", id)),
	}
}

func (c *socketClient) ID() string {
	return c.id
}

// Send enqueues an event without blocking. A full queue drops the frame,
// except for the initial diagram: it waits up to enqueueTimeout and closes the
// connection rather than leave the joiner without a diagram.
func (c *socketClient) Send(event collab.Event) error {
	frame, err := event.Encode()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errConnectionClosed
	default:
	}
	if event.Name == collab.EventDiagramInitial {
		return c.sendRequired(event.Name, frame)
	}
	select {
	case c.queue <- frame:
		return nil
	default:
		c.logger.Warn("realtime send queue full, dropping frame", zap.String("event", event.Name))
		return errSendQueueFull
	}
}

func (c *socketClient) sendRequired(name string, frame []byte) error {
	timer := time.NewTimer(c.enqueueTimeout)
	defer timer.Stop()
	select {
	case c.queue <- frame:
		return nil
	case <-c.done:
		return errConnectionClosed
	case <-timer.C:
		c.logger.Warn("realtime send queue full, closing connection", zap.String("event", name))
		c.close()
		return errSendQueueFull
	}
}

func (c *socketClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *socketClient) writePump(cfg RealtimeConfig) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.queue:
			if err := c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout)); err != nil {
				c.close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("realtime write failed", zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteTimeout)); err != nil {
				c.logger.Debug("realtime ping failed", zap.Error(err))
				c.close()
				return
			}
		case <-c.done:
			closing := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, closing, time.Now().Add(cfg.WriteTimeout))
			return
		}
	}
}

func (h *httpHandler) handleRealtime(c *gin.Context) {
	handshake, err := h.gatekeeper.Admit(c.Request.Context(), c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": auth.RejectionReason(err)})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newSocketClient(conn, h.realtime.SendQueueSize, h.realtime.WriteTimeout, h.logger)
	go client.writePump(h.realtime)
	h.serveConnection(client, handshake)
}

// serveConnection reads frames in arrival order and dispatches them until the
// peer goes away or the handler lifetime ends.
func (h *httpHandler) serveConnection(client *socketClient, handshake *auth.Handshake) {
	ctx, cancel := context.WithCancel(h.lifetime)
	defer cancel()

	logger := client.logger.With(zap.String("user_id", handshake.User.ID))
	logger.Info("realtime connection opened")

	go func() {
		select {
		case <-ctx.Done():
			client.close()
			_ = client.conn.Close()
		case <-client.done:
		}
	}()

	defer func() {
		h.engine.Disconnect(client.id)
		client.close()
		logger.Info("realtime connection closed")
	}()

	conn := client.conn
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.realtime.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.realtime.ReadTimeout))
	})

	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("realtime read ended", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.realtime.ReadTimeout))
		if messageType != websocket.TextMessage {
			continue
		}
		message, err := collab.DecodeInbound(frame)
		if err != nil {
			logger.Warn("realtime frame dropped", zap.Error(err))
			continue
		}
		_ = h.engine.Dispatch(ctx, client, message)
	}
}
