package server

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dolgim/dolcanvas/internal/canvas"
	"github.com/dolgim/dolcanvas/internal/ids"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultSendBuffer        = 256
	defaultMaxMessageBytes   = 1024 * 1024
	defaultMessagesPerSecond = 100
	defaultMessageBurst      = 200
)

// PeerConfig bounds each websocket connection.
type PeerConfig struct {
	SendBuffer        int
	MaxMessageBytes   int64
	MessagesPerSecond float64
	MessageBurst      int
}

func (c PeerConfig) withDefaults() PeerConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = defaultMessagesPerSecond
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = defaultMessageBurst
	}
	return c
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type websocketPeer struct {
	id        canvas.ConnectionID
	conn      *websocket.Conn
	send      chan []byte
	open      atomic.Bool
	closeOnce sync.Once
	limiter   *rate.Limiter
	warnings  *rate.Limiter
	dropped   int
	hub       *Hub
	logger    *zap.Logger
}

func (p *websocketPeer) ID() canvas.ConnectionID { return p.id }

func (p *websocketPeer) Open() bool { return p.open.Load() }

func (p *websocketPeer) Send(data []byte) bool {
	if !p.open.Load() {
		return false
	}
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

func (p *websocketPeer) Close() {
	p.closeOnce.Do(func() {
		p.open.Store(false)
		close(p.send)
	})
}

func serveWebsocket(hub *Hub, provider ids.Provider, cfg PeerConfig, logger *zap.Logger) gin.HandlerFunc {
	cfg = cfg.withDefaults()
	return func(c *gin.Context) {
		connectionID, err := provider.NewID()
		if err != nil {
			logger.Error("failed to generate connection id", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "connection_id_failed"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		peer := &websocketPeer{
			id:       canvas.ConnectionID(connectionID),
			conn:     conn,
			send:     make(chan []byte, cfg.SendBuffer),
			limiter:  rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.MessageBurst),
			warnings: rate.NewLimiter(rate.Every(time.Second), 1),
			hub:      hub,
			logger:   logger.With(zap.String("connection_id", connectionID)),
		}
		peer.open.Store(true)

		if err := hub.Register(c.Request.Context(), peer); err != nil {
			logger.Warn("rejecting websocket, hub unavailable", zap.Error(err))
			_ = conn.Close()
			return
		}

		go peer.writePump()
		go peer.readPump(cfg.MaxMessageBytes)
	}
}

func (p *websocketPeer) readPump(maxMessageBytes int64) {
	defer func() {
		p.hub.Unregister(p)
		_ = p.conn.Close()
	}()

	p.conn.SetReadLimit(maxMessageBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				p.logger.Info("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if !p.limiter.Allow() {
			p.dropped++
			if p.warnings.Allow() {
				p.logger.Warn("rate limit exceeded, dropping messages", zap.Int("dropped", p.dropped))
			}
			continue
		}
		if !p.hub.Submit(p, data) {
			return
		}
	}
}

func (p *websocketPeer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case data, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.open.Store(false)
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.open.Store(false)
				return
			}
		}
	}
}
