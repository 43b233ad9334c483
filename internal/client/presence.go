package client

import (
	"time"

	"github.com/dolgim/dolcanvas/internal/protocol"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultCursorInterval is the minimum spacing between outbound cursor messages.
const DefaultCursorInterval = 50 * time.Millisecond

const hiddenCoordinate = -1

// RemoteCursor is the last known pointer of another participant.
type RemoteCursor struct {
	X          float64
	Y          float64
	ColorIndex int
}

// Hidden reports whether the participant's pointer is off the surface.
func (c RemoteCursor) Hidden() bool {
	return c.X < 0 || c.Y < 0
}

type PresenceConfig struct {
	UserID         string
	Clock          func() time.Time
	CursorInterval time.Duration
	Logger         *zap.Logger
}

// Presence tracks remote participants and throttles the local cursor.
// Like Engine it is driven from the client Loop only.
type Presence struct {
	userID    string
	clock     func() time.Time
	limiter   *rate.Limiter
	logger    *zap.Logger
	cursors   map[string]RemoteCursor
	listeners []func()
}

func NewPresence(cfg PresenceConfig) (*Presence, error) {
	if cfg.UserID == "" {
		return nil, errMissingUserID
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	interval := cfg.CursorInterval
	if interval <= 0 {
		interval = DefaultCursorInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Presence{
		userID:  cfg.UserID,
		clock:   clock,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		logger:  logger,
		cursors: make(map[string]RemoteCursor),
	}, nil
}

// Subscribe registers a listener invoked after every presence change.
func (p *Presence) Subscribe(listener func()) {
	p.listeners = append(p.listeners, listener)
}

// Cursors returns a copy of the remote participants keyed by user id.
func (p *Presence) Cursors() map[string]RemoteCursor {
	cursors := make(map[string]RemoteCursor, len(p.cursors))
	for userID, cursor := range p.cursors {
		cursors[userID] = cursor
	}
	return cursors
}

// HandleJoin inserts a participant at the hidden position. A join without a
// color index, or for the local user, is ignored.
func (p *Presence) HandleJoin(join protocol.Join) {
	if join.UserID == p.userID || join.ColorIndex == nil {
		return
	}
	p.cursors[join.UserID] = RemoteCursor{X: hiddenCoordinate, Y: hiddenCoordinate, ColorIndex: *join.ColorIndex}
	p.notify()
}

func (p *Presence) HandleLeave(leave protocol.Leave) {
	if _, ok := p.cursors[leave.UserID]; !ok {
		return
	}
	delete(p.cursors, leave.UserID)
	p.notify()
}

// HandleSync replaces every participant with the server's user list.
func (p *Presence) HandleSync(users []protocol.User) {
	cursors := make(map[string]RemoteCursor, len(users))
	for _, user := range users {
		if user.UserID == p.userID {
			continue
		}
		cursors[user.UserID] = RemoteCursor{X: hiddenCoordinate, Y: hiddenCoordinate, ColorIndex: user.ColorIndex}
	}
	p.cursors = cursors
	p.notify()
}

// HandleCursor moves a known participant. Cursors of participants that have
// not arrived through join or sync are dropped.
func (p *Presence) HandleCursor(cursor protocol.Cursor) {
	if cursor.UserID == p.userID {
		return
	}
	existing, ok := p.cursors[cursor.UserID]
	if !ok {
		p.logger.Debug("cursor for unknown user dropped", zap.String("user_id", cursor.UserID))
		return
	}
	existing.X = cursor.X
	existing.Y = cursor.Y
	p.cursors[cursor.UserID] = existing
	p.notify()
}

// LocalMove returns the cursor message to send, or false when throttled.
func (p *Presence) LocalMove(x, y float64) (protocol.Message, bool) {
	now := p.clock()
	if !p.limiter.AllowN(now, 1) {
		return protocol.Message{}, false
	}
	return protocol.NewMessage(protocol.Cursor{UserID: p.userID, X: x, Y: y}, now), true
}

// LocalLeave returns the hidden-position cursor message. It is never throttled.
func (p *Presence) LocalLeave() protocol.Message {
	return protocol.NewMessage(protocol.Cursor{UserID: p.userID, X: hiddenCoordinate, Y: hiddenCoordinate}, p.clock())
}

func (p *Presence) notify() {
	for _, listener := range p.listeners {
		listener()
	}
}
