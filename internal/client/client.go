package client

import (
	"context"
	"errors"
	"time"

	"github.com/dolgim/dolcanvas/internal/ids"
	"github.com/dolgim/dolcanvas/internal/protocol"
	"go.uber.org/zap"
)

// Config wires a Client.
type Config struct {
	URL            string
	UserID         string
	Surface        Surface
	Dialer         Dialer
	IDs            ids.Provider
	ReconnectDelay time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
	LoopBuffer     int
}

// Client binds the engine and presence tracker to a managed connection and
// runs all of them on one event loop.
type Client struct {
	userID   string
	loop     *Loop
	engine   *Engine
	presence *Presence
	manager  *Manager
	clock    func() time.Time
	logger   *zap.Logger
}

// New constructs the engine and presence tracker, then a connection manager
// whose callbacks close over them.
func New(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	provider := cfg.IDs
	if provider == nil {
		provider = ids.NewUUIDProvider()
	}
	userID := cfg.UserID
	if userID == "" {
		generated, err := provider.NewID()
		if err != nil {
			return nil, err
		}
		userID = generated
	}
	logger = logger.With(zap.String("user_id", userID))

	engine, err := NewEngine(EngineConfig{
		UserID:  userID,
		Surface: cfg.Surface,
		IDs:     provider,
		Clock:   clock,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	presence, err := NewPresence(PresenceConfig{UserID: userID, Clock: clock, Logger: logger})
	if err != nil {
		return nil, err
	}

	c := &Client{
		userID:   userID,
		loop:     NewLoop(cfg.LoopBuffer),
		engine:   engine,
		presence: presence,
		clock:    clock,
		logger:   logger,
	}
	manager, err := NewManager(ManagerConfig{
		URL:            cfg.URL,
		Dialer:         cfg.Dialer,
		Loop:           c.loop,
		OnMessage:      c.dispatch,
		OnConnect:      c.announce,
		ReconnectDelay: cfg.ReconnectDelay,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	c.manager = manager
	return c, nil
}

func (c *Client) UserID() string { return c.userID }

// State reports the connection state; safe from any goroutine.
func (c *Client) State() ConnectionState { return c.manager.State() }

// Run connects and processes events until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	c.loop.Post(func() { c.manager.Start(ctx) })
	c.loop.Run(ctx)
	c.manager.Stop()
}

// Do runs fn on the event loop with exclusive access to the engine and
// presence tracker.
func (c *Client) Do(ctx context.Context, fn func(engine *Engine, presence *Presence)) error {
	return c.loop.Call(ctx, func() { fn(c.engine, c.presence) })
}

// PointerDown starts a gesture at point.
func (c *Client) PointerDown(ctx context.Context, point protocol.Point) error {
	return c.loop.Call(ctx, func() { c.engine.PointerDown(point) })
}

// PointerMove feeds the gesture and the throttled cursor relay.
func (c *Client) PointerMove(ctx context.Context, point protocol.Point) error {
	return c.loop.Call(ctx, func() {
		c.engine.PointerMove(point)
		c.send(c.presence.LocalMove(point.X, point.Y))
	})
}

func (c *Client) PointerUp(ctx context.Context) error {
	return c.loop.Call(ctx, func() { c.send(c.engine.PointerUp()) })
}

// PointerLeave finalizes any gesture and hides the local cursor for others.
func (c *Client) PointerLeave(ctx context.Context) error {
	return c.loop.Call(ctx, func() {
		c.send(c.engine.PointerLeave())
		c.send(c.presence.LocalLeave(), true)
	})
}

func (c *Client) Clear(ctx context.Context) error {
	return c.loop.Call(ctx, func() { c.send(c.engine.Clear()) })
}

func (c *Client) Undo(ctx context.Context) error {
	return c.loop.Call(ctx, func() { c.send(c.engine.Undo()) })
}

func (c *Client) Redo(ctx context.Context) error {
	return c.loop.Call(ctx, func() { c.send(c.engine.Redo()) })
}

func (c *Client) CommitText(ctx context.Context, text string) error {
	return c.loop.Call(ctx, func() { c.send(c.engine.CommitText(text)) })
}

func (c *Client) CancelText(ctx context.Context) error {
	return c.loop.Call(ctx, c.engine.CancelText)
}

func (c *Client) announce() {
	c.manager.Send(protocol.NewMessage(protocol.Join{UserID: c.userID}, c.clock()))
}

func (c *Client) send(message protocol.Message, ok bool) {
	if !ok {
		return
	}
	c.manager.Send(message)
}

func (c *Client) dispatch(data []byte) {
	message, err := protocol.Decode(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			c.logger.Warn("ignoring message of unknown type", zap.Error(err))
			return
		}
		c.logger.Error("dropping malformed message", zap.Error(err))
		return
	}

	switch payload := message.Payload.(type) {
	case protocol.Join:
		c.presence.HandleJoin(payload)
	case protocol.Leave:
		c.presence.HandleLeave(payload)
	case protocol.Sync:
		c.engine.ApplySync(payload.Strokes)
		c.presence.HandleSync(payload.Users)
	case protocol.Draw:
		c.engine.ApplyRemoteStroke(payload.Stroke)
	case protocol.Redo:
		c.engine.ApplyRemoteStroke(payload.Stroke)
	case protocol.Clear:
		c.engine.ApplyRemoteClear()
	case protocol.Undo:
		c.engine.ApplyRemoteUndo(payload.StrokeID)
	case protocol.Cursor:
		c.presence.HandleCursor(payload)
	}
}
