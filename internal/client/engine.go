package client

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dolgim/dolcanvas/internal/ids"
	"github.com/dolgim/dolcanvas/internal/protocol"
	"go.uber.org/zap"
)

var (
	errMissingSurface = errors.New("surface is required")
	errMissingUserID  = errors.New("user id is required")
	errMissingIDs     = errors.New("id provider is required")
	// ErrInvalidSetting reports a tool, width or font size outside the accepted range.
	ErrInvalidSetting = errors.New("client: invalid drawing setting")
)

// Surface is the rendering collaborator.
type Surface interface {
	// DrawStroke renders one completed stroke onto the existing pixels.
	DrawStroke(stroke protocol.Stroke)
	// DrawSegment renders one freehand increment.
	DrawSegment(from, to protocol.Point, color string, width float64, tool protocol.Tool)
	// DrawShape renders a shape spanning two anchors.
	DrawShape(start, end protocol.Point, color string, width float64, tool protocol.Tool)
	// Redraw clears the surface and renders history in order.
	Redraw(history []protocol.Stroke)
	// Snapshot saves the current pixels; Restore puts the last snapshot back.
	Snapshot()
	Restore()
}

// Settings are the drawing options applied to the next gesture.
type Settings struct {
	Tool     protocol.Tool
	Color    string
	Width    float64
	FontSize float64
}

// DefaultSettings is a 2px black pen with 16px text.
func DefaultSettings() Settings {
	return Settings{Tool: protocol.ToolPen, Color: "#000000", Width: 2, FontSize: 16}
}

// ChangeKind classifies Engine notifications.
type ChangeKind string

const (
	ChangeHistory       ChangeKind = "history"
	ChangeSettings      ChangeKind = "settings"
	ChangeTextRequested ChangeKind = "text_requested"
)

// Change is delivered to Engine subscribers. Anchor is set for ChangeTextRequested.
type Change struct {
	Kind   ChangeKind
	Anchor protocol.Point
}

type EngineConfig struct {
	UserID   string
	Surface  Surface
	IDs      ids.Provider
	Clock    func() time.Time
	Logger   *zap.Logger
	Settings *Settings
}

// Engine mirrors the shared history, applies local gestures optimistically
// and merges remote events. It is not safe for concurrent use; the client
// drives it from its Loop.
type Engine struct {
	userID  string
	surface Surface
	ids     ids.Provider
	clock   func() time.Time
	logger  *zap.Logger

	settings    Settings
	history     []protocol.Stroke
	redoStack   []protocol.Stroke
	gesture     *gesture
	constrained bool
	pendingText *protocol.Point
	listeners   []func(Change)
}

type gesture struct {
	stroke protocol.Stroke
	end    protocol.Point
	// stale is set when history changed under a shape preview, which makes
	// the pre-gesture snapshot unusable.
	stale bool
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, errMissingUserID
	}
	if cfg.Surface == nil {
		return nil, errMissingSurface
	}
	if cfg.IDs == nil {
		return nil, errMissingIDs
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := DefaultSettings()
	if cfg.Settings != nil {
		settings = *cfg.Settings
	}
	return &Engine{
		userID:   cfg.UserID,
		surface:  cfg.Surface,
		ids:      cfg.IDs,
		clock:    clock,
		logger:   logger,
		settings: settings,
		history:  make([]protocol.Stroke, 0),
	}, nil
}

// Subscribe registers a listener invoked synchronously after every change.
func (e *Engine) Subscribe(listener func(Change)) {
	e.listeners = append(e.listeners, listener)
}

func (e *Engine) UserID() string { return e.userID }

func (e *Engine) Settings() Settings { return e.settings }

// History returns a copy of the local mirror.
func (e *Engine) History() []protocol.Stroke {
	return protocol.CloneStrokes(e.history)
}

// CanUndo reports whether any stroke in history was authored locally.
func (e *Engine) CanUndo() bool {
	return e.lastLocalIndex() >= 0
}

func (e *Engine) CanRedo() bool {
	return len(e.redoStack) > 0
}

// Drawing reports whether a pointer gesture is in progress.
func (e *Engine) Drawing() bool {
	return e.gesture != nil
}

func (e *Engine) SetTool(tool protocol.Tool) error {
	if !tool.Valid() {
		return fmt.Errorf("%w: tool %q", ErrInvalidSetting, tool)
	}
	e.settings.Tool = tool
	e.notify(Change{Kind: ChangeSettings})
	return nil
}

func (e *Engine) SetColor(color string) {
	e.settings.Color = color
	e.notify(Change{Kind: ChangeSettings})
}

func (e *Engine) SetWidth(width float64) error {
	if width <= 0 {
		return fmt.Errorf("%w: width %v", ErrInvalidSetting, width)
	}
	e.settings.Width = width
	e.notify(Change{Kind: ChangeSettings})
	return nil
}

func (e *Engine) SetFontSize(size float64) error {
	if size <= 0 {
		return fmt.Errorf("%w: font size %v", ErrInvalidSetting, size)
	}
	e.settings.FontSize = size
	e.notify(Change{Kind: ChangeSettings})
	return nil
}

// SetConstrained toggles shape constraining for subsequent pointer moves,
// typically while a modifier key is held.
func (e *Engine) SetConstrained(constrained bool) {
	e.constrained = constrained
}

// PointerDown starts a gesture. With the text tool it opens a pending text
// anchor instead, replacing any anchor already open.
func (e *Engine) PointerDown(point protocol.Point) {
	if e.gesture != nil {
		return
	}
	if e.settings.Tool == protocol.ToolText {
		anchor := point
		e.pendingText = &anchor
		e.notify(Change{Kind: ChangeTextRequested, Anchor: anchor})
		return
	}

	strokeID, err := e.ids.NewID()
	if err != nil {
		e.logger.Error("failed to generate stroke id", zap.Error(err))
		return
	}
	stroke := protocol.Stroke{
		ID:     strokeID,
		Points: []protocol.Point{point},
		Color:  e.settings.Color,
		Width:  e.settings.Width,
		Tool:   e.settings.Tool,
		UserID: e.userID,
	}
	if stroke.Tool.IsShape() {
		e.surface.Snapshot()
	}
	e.gesture = &gesture{stroke: stroke, end: point}
}

// PointerMove extends a freehand stroke or re-renders the shape preview.
func (e *Engine) PointerMove(point protocol.Point) {
	g := e.gesture
	if g == nil {
		return
	}
	stroke := &g.stroke
	if stroke.Tool.IsShape() {
		if e.constrained {
			point = ConstrainEndPoint(stroke.Points[0], point, stroke.Tool)
		}
		e.surface.Restore()
		e.surface.DrawShape(stroke.Points[0], point, stroke.Color, stroke.Width, stroke.Tool)
		g.end = point
		return
	}
	last := stroke.Points[len(stroke.Points)-1]
	e.surface.DrawSegment(last, point, stroke.Color, stroke.Width, stroke.Tool)
	stroke.Points = append(stroke.Points, point)
}

// PointerUp finalizes the gesture and returns the draw message to send.
func (e *Engine) PointerUp() (protocol.Message, bool) {
	return e.finishGesture()
}

// PointerLeave finalizes the gesture exactly like PointerUp.
func (e *Engine) PointerLeave() (protocol.Message, bool) {
	return e.finishGesture()
}

func (e *Engine) finishGesture() (protocol.Message, bool) {
	g := e.gesture
	if g == nil {
		return protocol.Message{}, false
	}
	e.gesture = nil
	stroke := g.stroke

	if stroke.Tool.IsShape() {
		start := stroke.Points[0]
		if start.SamePosition(g.end) {
			e.repaintAfterPreview(g)
			return protocol.Message{}, false
		}
		stroke.Points = []protocol.Point{start, g.end}
		e.history = append(e.history, stroke)
		if g.stale {
			e.surface.Redraw(e.history)
		} else {
			e.surface.Restore()
			e.surface.DrawShape(start, g.end, stroke.Color, stroke.Width, stroke.Tool)
		}
	} else {
		e.history = append(e.history, stroke)
	}

	e.redoStack = nil
	e.notify(Change{Kind: ChangeHistory})
	return e.message(protocol.Draw{Stroke: stroke.Clone()}), true
}

func (e *Engine) repaintAfterPreview(g *gesture) {
	if g.stale {
		e.surface.Redraw(e.history)
		return
	}
	e.surface.Restore()
}

// CommitText places the pending text anchor. Blank text discards it.
func (e *Engine) CommitText(text string) (protocol.Message, bool) {
	anchor := e.pendingText
	e.pendingText = nil
	if anchor == nil || strings.TrimSpace(text) == "" {
		return protocol.Message{}, false
	}
	strokeID, err := e.ids.NewID()
	if err != nil {
		e.logger.Error("failed to generate stroke id", zap.Error(err))
		return protocol.Message{}, false
	}
	stroke := protocol.Stroke{
		ID:       strokeID,
		Points:   []protocol.Point{*anchor},
		Color:    e.settings.Color,
		Width:    e.settings.Width,
		Tool:     protocol.ToolText,
		UserID:   e.userID,
		Text:     text,
		FontSize: e.settings.FontSize,
	}
	e.history = append(e.history, stroke)
	e.surface.DrawStroke(stroke)
	e.redoStack = nil
	e.notify(Change{Kind: ChangeHistory})
	return e.message(protocol.Draw{Stroke: stroke.Clone()}), true
}

// CancelText discards the pending text anchor.
func (e *Engine) CancelText() {
	e.pendingText = nil
}

// TextPending reports whether a text anchor awaits CommitText or CancelText.
func (e *Engine) TextPending() bool {
	return e.pendingText != nil
}

// Clear wipes the local history and returns the clear message.
func (e *Engine) Clear() (protocol.Message, bool) {
	e.resetHistory(make([]protocol.Stroke, 0))
	return e.message(protocol.Clear{UserID: e.userID}), true
}

// Undo removes the most recent locally authored stroke.
func (e *Engine) Undo() (protocol.Message, bool) {
	index := e.lastLocalIndex()
	if index < 0 {
		return protocol.Message{}, false
	}
	undone := e.history[index]
	e.history = append(e.history[:index], e.history[index+1:]...)
	e.redoStack = append(e.redoStack, undone)
	e.markStale()
	e.redrawHistory()
	e.notify(Change{Kind: ChangeHistory})
	return e.message(protocol.Undo{UserID: e.userID, StrokeID: undone.ID}), true
}

// Redo re-appends the most recently undone stroke at the end of history.
func (e *Engine) Redo() (protocol.Message, bool) {
	if len(e.redoStack) == 0 {
		return protocol.Message{}, false
	}
	last := len(e.redoStack) - 1
	restored := e.redoStack[last]
	e.redoStack = e.redoStack[:last]
	e.markStale()
	e.history = append(e.history, restored)
	e.surface.DrawStroke(restored)
	e.notify(Change{Kind: ChangeHistory})
	return e.message(protocol.Redo{UserID: e.userID, Stroke: restored.Clone()}), true
}

// ApplyRemoteStroke merges a draw or redo from another participant.
func (e *Engine) ApplyRemoteStroke(stroke protocol.Stroke) {
	e.markStale()
	stroke = stroke.Clone()
	e.history = append(e.history, stroke)
	e.surface.DrawStroke(stroke)
	e.notify(Change{Kind: ChangeHistory})
}

// ApplyRemoteClear empties history after another participant cleared.
func (e *Engine) ApplyRemoteClear() {
	e.resetHistory(make([]protocol.Stroke, 0))
}

// ApplyRemoteUndo removes strokeID. An id that is not present changes nothing.
func (e *Engine) ApplyRemoteUndo(strokeID string) {
	kept := e.history[:0]
	removed := false
	for _, stroke := range e.history {
		if stroke.ID == strokeID {
			removed = true
			continue
		}
		kept = append(kept, stroke)
	}
	e.history = kept
	if !removed {
		e.logger.Debug("remote undo for unknown stroke ignored", zap.String("stroke_id", strokeID))
		return
	}
	e.markStale()
	e.redrawHistory()
	e.notify(Change{Kind: ChangeHistory})
}

// ApplySync replaces the local history with the server snapshot.
func (e *Engine) ApplySync(strokes []protocol.Stroke) {
	e.resetHistory(protocol.CloneStrokes(strokes))
}

func (e *Engine) resetHistory(history []protocol.Stroke) {
	e.markStale()
	e.history = history
	e.redoStack = nil
	e.redrawHistory()
	e.notify(Change{Kind: ChangeHistory})
}

// redrawHistory repaints the surface from history. A freehand gesture in
// progress is painted again on top, since its segments are not in history yet.
func (e *Engine) redrawHistory() {
	e.surface.Redraw(e.history)
	if g := e.gesture; g != nil && !g.stroke.Tool.IsShape() {
		e.surface.DrawStroke(g.stroke)
	}
}

func (e *Engine) markStale() {
	if e.gesture != nil && e.gesture.stroke.Tool.IsShape() {
		e.gesture.stale = true
	}
}

func (e *Engine) lastLocalIndex() int {
	for index := len(e.history) - 1; index >= 0; index-- {
		if e.history[index].UserID == e.userID {
			return index
		}
	}
	return -1
}

func (e *Engine) message(payload protocol.Payload) protocol.Message {
	return protocol.NewMessage(payload, e.clock())
}

func (e *Engine) notify(change Change) {
	for _, listener := range e.listeners {
		listener(change)
	}
}
