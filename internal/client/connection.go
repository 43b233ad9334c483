package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dolgim/dolcanvas/internal/protocol"
	"go.uber.org/zap"
)

const (
	// DefaultReconnectDelay is the fixed pause between a close and the next dial.
	DefaultReconnectDelay = 3 * time.Second
	defaultSendBuffer     = 64
)

var (
	errMissingURL    = errors.New("server url is required")
	errMissingDialer = errors.New("dialer is required")
	errMissingLoop   = errors.New("event loop is required")
)

// ConnectionState is the lifecycle position of the managed connection.
type ConnectionState int32

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosedPendingReconnect
	StateStopped
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosedPendingReconnect:
		return "closed_pending_reconnect"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	URL            string
	Dialer         Dialer
	Loop           *Loop
	OnMessage      func([]byte)
	OnConnect      func()
	ReconnectDelay time.Duration
	SendBuffer     int
	Logger         *zap.Logger
}

// Manager owns one logical connection to the server and reconnects it after a
// fixed delay whenever it closes. Apart from State, every method must be
// called on the Loop.
type Manager struct {
	url            string
	dialer         Dialer
	loop           *Loop
	onMessage      func([]byte)
	onConnect      func()
	reconnectDelay time.Duration
	sendBuffer     int
	logger         *zap.Logger

	state          atomic.Int32
	current        *connection
	reconnectTimer *time.Timer
	ctx            context.Context
	cancel         context.CancelFunc
	attempts       int
}

// connection is the "current" tag: callbacks compare their connection
// pointer against Manager.current and do nothing when superseded.
type connection struct {
	attempt   int
	socket    Socket
	outbound  chan []byte
	closeOnce sync.Once
}

func (c *connection) teardown() {
	c.closeOnce.Do(func() {
		close(c.outbound)
		if c.socket != nil {
			_ = c.socket.Close()
		}
	})
}

// NewManager validates the configuration and returns an idle manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.URL == "" {
		return nil, errMissingURL
	}
	if cfg.Dialer == nil {
		return nil, errMissingDialer
	}
	if cfg.Loop == nil {
		return nil, errMissingLoop
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	onMessage := cfg.OnMessage
	if onMessage == nil {
		onMessage = func([]byte) {}
	}
	return &Manager{
		url:            cfg.URL,
		dialer:         cfg.Dialer,
		loop:           cfg.Loop,
		onMessage:      onMessage,
		onConnect:      cfg.OnConnect,
		reconnectDelay: delay,
		sendBuffer:     sendBuffer,
		logger:         logger,
	}, nil
}

// State may be read from any goroutine.
func (m *Manager) State() ConnectionState {
	return ConnectionState(m.state.Load())
}

// Start begins the first connection attempt. Dials are cancelled with ctx.
func (m *Manager) Start(ctx context.Context) {
	if m.State() != StateIdle {
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.connect()
}

// Stop tears down the current connection and the pending reconnect timer.
func (m *Manager) Stop() {
	if m.State() == StateStopped {
		return
	}
	m.setState(StateStopped)
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	if m.current != nil {
		m.current.teardown()
		m.current = nil
	}
}

// Send encodes and queues message on the open connection. When the connection
// is not open the message is dropped with a warning.
func (m *Manager) Send(message protocol.Message) bool {
	conn := m.current
	if conn == nil || m.State() != StateOpen {
		m.logger.Warn("websocket is not connected, dropping message",
			zap.String("type", string(message.Type())),
			zap.String("state", m.State().String()),
		)
		return false
	}
	data, err := protocol.Encode(message)
	if err != nil {
		m.logger.Error("failed to encode outbound message", zap.String("type", string(message.Type())), zap.Error(err))
		return false
	}
	select {
	case conn.outbound <- data:
		return true
	default:
		m.logger.Warn("outbound queue full, dropping message", zap.String("type", string(message.Type())))
		return false
	}
}

func (m *Manager) connect() {
	if m.State() == StateStopped {
		return
	}
	m.attempts++
	conn := &connection{attempt: m.attempts, outbound: make(chan []byte, m.sendBuffer)}
	m.current = conn
	m.setState(StateConnecting)

	ctx := m.ctx
	go func() {
		socket, err := m.dialer.Dial(ctx, m.url)
		if !m.loop.Post(func() { m.handleDial(conn, socket, err) }) && socket != nil {
			_ = socket.Close()
		}
	}()
}

func (m *Manager) handleDial(conn *connection, socket Socket, err error) {
	if conn != m.current {
		if socket != nil {
			_ = socket.Close()
		}
		return
	}
	if err != nil {
		m.logger.Info("websocket dial failed", zap.Int("attempt", conn.attempt), zap.Error(err))
		m.current = nil
		m.scheduleReconnect()
		return
	}

	conn.socket = socket
	m.setState(StateOpen)
	m.logger.Info("websocket connected", zap.String("url", m.url), zap.Int("attempt", conn.attempt))
	go m.writePump(conn)
	go m.readPump(conn)
	if m.onConnect != nil {
		m.onConnect()
	}
}

func (m *Manager) handleFrame(conn *connection, data []byte) {
	if conn != m.current {
		return
	}
	m.onMessage(data)
}

func (m *Manager) handleClosed(conn *connection, err error) {
	conn.teardown()
	if conn != m.current {
		return
	}
	m.current = nil
	m.logger.Info("websocket disconnected, reconnecting",
		zap.Duration("delay", m.reconnectDelay),
		zap.Error(err),
	)
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	if m.State() == StateStopped {
		return
	}
	m.setState(StateClosedPendingReconnect)
	var timer *time.Timer
	timer = time.AfterFunc(m.reconnectDelay, func() {
		m.loop.Post(func() {
			if m.reconnectTimer != timer {
				return
			}
			m.reconnectTimer = nil
			m.connect()
		})
	})
	m.reconnectTimer = timer
}

func (m *Manager) readPump(conn *connection) {
	for {
		data, err := conn.socket.ReadMessage()
		if err != nil {
			m.loop.Post(func() { m.handleClosed(conn, err) })
			return
		}
		if !m.loop.Post(func() { m.handleFrame(conn, data) }) {
			return
		}
	}
}

func (m *Manager) writePump(conn *connection) {
	for data := range conn.outbound {
		if err := conn.socket.WriteMessage(data); err != nil {
			m.logger.Info("websocket write failed", zap.Error(err))
			_ = conn.socket.Close()
			return
		}
	}
}

func (m *Manager) setState(state ConnectionState) {
	m.state.Store(int32(state))
}
