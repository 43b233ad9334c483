package server

import (
	"context"
	"errors"
	"time"

	"github.com/dolgim/dolcanvas/internal/canvas"
	"github.com/dolgim/dolcanvas/internal/journal"
	"github.com/dolgim/dolcanvas/internal/protocol"
	"go.uber.org/zap"
)

var (
	errMissingStore = errors.New("session store dependency required")
	// ErrHubStopped is returned by hub calls made after Run has returned.
	ErrHubStopped = errors.New("server: hub stopped")
)

// Peer is one connection as seen by the hub. Send and Close are only called
// from the hub goroutine; Open may be read from anywhere.
type Peer interface {
	ID() canvas.ConnectionID
	Open() bool
	// Send queues data without blocking and reports whether it was accepted.
	Send(data []byte) bool
	// Close stops accepting data and lets the transport shut down.
	Close()
}

// Recorder receives accepted state changes. journal.Recorder implements it.
type Recorder interface {
	Record(entry journal.Entry) bool
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
	Strokes     int `json:"strokes"`
}

type HubConfig struct {
	Store    *canvas.Store
	Recorder Recorder
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Hub owns the session store and the live peer set on a single goroutine.
// Every inbound message is applied and fanned out before the next is read,
// so neither the store nor the peer set needs locking.
type Hub struct {
	store    *canvas.Store
	recorder Recorder
	clock    func() time.Time
	logger   *zap.Logger

	peers      map[canvas.ConnectionID]Peer
	register   chan Peer
	unregister chan Peer
	inbound    chan inboundMessage
	queries    chan func()
	done       chan struct{}
}

type inboundMessage struct {
	peer Peer
	data []byte
}

func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		store:      cfg.Store,
		recorder:   cfg.Recorder,
		clock:      clock,
		logger:     logger,
		peers:      make(map[canvas.ConnectionID]Peer),
		register:   make(chan Peer),
		unregister: make(chan Peer),
		inbound:    make(chan inboundMessage),
		queries:    make(chan func()),
		done:       make(chan struct{}),
	}, nil
}

// Run processes hub events until ctx is cancelled, then closes every peer.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for id, peer := range h.peers {
				peer.Close()
				delete(h.peers, id)
			}
			return
		case peer := <-h.register:
			h.peers[peer.ID()] = peer
			h.logger.Info("connection registered",
				zap.String("connection_id", string(peer.ID())),
				zap.Int("connections", len(h.peers)),
			)
		case peer := <-h.unregister:
			h.handleClose(peer)
		case message := <-h.inbound:
			h.handleMessage(message.peer, message.data)
		case query := <-h.queries:
			query()
		}
	}
}

// Register adds peer to the broadcast set.
func (h *Hub) Register(ctx context.Context, peer Peer) error {
	select {
	case h.register <- peer:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubStopped
	}
}

// Unregister handles the closing of peer's transport.
func (h *Hub) Unregister(peer Peer) {
	select {
	case h.unregister <- peer:
	case <-h.done:
	}
}

// Submit hands one inbound frame to the hub and waits until it is accepted.
func (h *Hub) Submit(peer Peer, data []byte) bool {
	select {
	case h.inbound <- inboundMessage{peer: peer, data: data}:
		return true
	case <-h.done:
		return false
	}
}

// Stats is computed on the hub goroutine.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	result := make(chan Stats, 1)
	query := func() {
		storeStats := h.store.Stats()
		result <- Stats{Connections: len(h.peers), Users: storeStats.Users, Strokes: storeStats.Strokes}
	}
	select {
	case h.queries <- query:
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	case <-h.done:
		return Stats{}, ErrHubStopped
	}
	select {
	case stats := <-result:
		return stats, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (h *Hub) handleMessage(sender Peer, data []byte) {
	if _, registered := h.peers[sender.ID()]; !registered {
		return
	}
	message, err := protocol.Decode(data)
	if err != nil {
		fields := []zap.Field{zap.String("connection_id", string(sender.ID())), zap.Error(err)}
		if errors.Is(err, protocol.ErrUnknownType) {
			h.logger.Warn("ignoring message of unknown type", fields...)
			return
		}
		h.logger.Error("dropping malformed message", fields...)
		return
	}

	switch payload := message.Payload.(type) {
	case protocol.Join:
		h.handleJoin(sender, payload)
	case protocol.Draw:
		if !h.store.Append(payload.Stroke) {
			h.logger.Warn("dropping draw with duplicate stroke id", zap.String("stroke_id", payload.Stroke.ID))
			return
		}
		h.record(sender, journal.KindDraw, payload.Stroke.UserID, payload.Stroke.ID, data)
		h.relay(sender, data)
	case protocol.Clear:
		h.store.Clear()
		h.record(sender, journal.KindClear, payload.UserID, "", nil)
		h.relay(sender, data)
	case protocol.Undo:
		if !h.store.Remove(payload.StrokeID) {
			h.logger.Debug("undo for unknown stroke ignored", zap.String("stroke_id", payload.StrokeID))
			return
		}
		h.record(sender, journal.KindUndo, payload.UserID, payload.StrokeID, nil)
		h.relay(sender, data)
	case protocol.Redo:
		if !h.store.Append(payload.Stroke) {
			h.logger.Warn("dropping redo with duplicate stroke id", zap.String("stroke_id", payload.Stroke.ID))
			return
		}
		h.record(sender, journal.KindRedo, payload.UserID, payload.Stroke.ID, data)
		h.relay(sender, data)
	case protocol.Cursor:
		h.relay(sender, data)
	case protocol.Leave, protocol.Sync:
		h.logger.Warn("ignoring server-originated message type from client",
			zap.String("connection_id", string(sender.ID())),
			zap.String("type", string(payload.Type())),
		)
	}
}

func (h *Hub) handleJoin(sender Peer, join protocol.Join) {
	result := h.store.Join(sender.ID(), join.UserID)
	now := h.clock()

	h.sendTo(sender, protocol.NewMessage(protocol.Sync{
		Strokes: result.History,
		Users:   result.OtherUsers,
	}, now))

	if result.ReplacedUserID != "" {
		h.announceLeave(sender, result.ReplacedUserID)
	}

	colorIndex := result.User.ColorIndex
	announcement, err := protocol.Encode(protocol.NewMessage(protocol.Join{
		UserID:     result.User.UserID,
		ColorIndex: &colorIndex,
	}, now))
	if err != nil {
		h.logger.Error("failed to encode join announcement", zap.Error(err))
		return
	}
	h.relay(sender, announcement)
	h.record(sender, journal.KindJoin, join.UserID, "", nil)
	h.logger.Info("user joined",
		zap.String("connection_id", string(sender.ID())),
		zap.String("user_id", join.UserID),
		zap.Int("color_index", colorIndex),
		zap.Bool("rejoined", result.Rejoined),
	)
}

func (h *Hub) handleClose(peer Peer) {
	if _, ok := h.peers[peer.ID()]; !ok {
		return
	}
	delete(h.peers, peer.ID())
	peer.Close()

	user, joined := h.store.Leave(peer.ID())
	h.logger.Info("connection closed",
		zap.String("connection_id", string(peer.ID())),
		zap.Int("connections", len(h.peers)),
	)
	if !joined {
		return
	}
	h.announceLeave(peer, user.UserID)
}

// announceLeave tells every other open peer that userID is gone.
func (h *Hub) announceLeave(peer Peer, userID string) {
	data, err := protocol.Encode(protocol.NewMessage(protocol.Leave{UserID: userID}, h.clock()))
	if err != nil {
		h.logger.Error("failed to encode leave", zap.Error(err))
		return
	}
	h.relay(peer, data)
	h.record(peer, journal.KindLeave, userID, "", nil)
}

func (h *Hub) sendTo(peer Peer, message protocol.Message) {
	data, err := protocol.Encode(message)
	if err != nil {
		h.logger.Error("failed to encode message", zap.String("type", string(message.Type())), zap.Error(err))
		return
	}
	h.deliver(peer, data)
}

// relay sends data to every open peer other than sender. A nil sender
// reaches everyone.
func (h *Hub) relay(sender Peer, data []byte) {
	for id, peer := range h.peers {
		if sender != nil && id == sender.ID() {
			continue
		}
		h.deliver(peer, data)
	}
}

func (h *Hub) deliver(peer Peer, data []byte) {
	if !peer.Open() {
		return
	}
	if !peer.Send(data) {
		h.logger.Debug("peer queue full, message skipped", zap.String("connection_id", string(peer.ID())))
	}
}

func (h *Hub) record(peer Peer, kind journal.Kind, userID, strokeID string, payload []byte) {
	if h.recorder == nil {
		return
	}
	h.recorder.Record(journal.Entry{
		Kind:         kind,
		ConnectionID: string(peer.ID()),
		UserID:       userID,
		StrokeID:     strokeID,
		PayloadJSON:  string(payload),
	})
}
