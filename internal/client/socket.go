package client

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultStaleAfter      = 60 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultMaxMessageBytes = 1024 * 1024
)

// Socket is one established bidirectional message connection.
type Socket interface {
	// ReadMessage blocks until the next text frame arrives.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens Sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// WebsocketDialer dials with gorilla/websocket and closes connections that
// stay silent longer than StaleAfter. Server pings count as traffic.
type WebsocketDialer struct {
	Dialer          *websocket.Dialer
	StaleAfter      time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Socket, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	socket := &websocketSocket{
		conn:         conn,
		staleAfter:   orDefault(d.StaleAfter, defaultStaleAfter),
		writeTimeout: orDefault(d.WriteTimeout, defaultWriteTimeout),
	}
	maxBytes := d.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxMessageBytes
	}
	conn.SetReadLimit(maxBytes)
	socket.refreshDeadline()
	conn.SetPingHandler(func(appData string) error {
		socket.refreshDeadline()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(socket.writeTimeout))
	})
	conn.SetPongHandler(func(string) error {
		socket.refreshDeadline()
		return nil
	})
	return socket, nil
}

type websocketSocket struct {
	conn         *websocket.Conn
	staleAfter   time.Duration
	writeTimeout time.Duration
}

func (s *websocketSocket) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		s.refreshDeadline()
		if messageType != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (s *websocketSocket) WriteMessage(data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *websocketSocket) Close() error {
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return s.conn.Close()
}

func (s *websocketSocket) refreshDeadline() {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.staleAfter))
}

func orDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
