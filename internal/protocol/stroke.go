package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Tool enumerates the drawing tools a stroke can be made with.
type Tool string

const (
	ToolPen       Tool = "pen"
	ToolEraser    Tool = "eraser"
	ToolRectangle Tool = "rectangle"
	ToolCircle    Tool = "circle"
	ToolLine      Tool = "line"
	ToolText      Tool = "text"
)

// PaletteSize is the number of distinct presence colors handed out by the server.
const PaletteSize = 8

var (
	// ErrInvalidStroke indicates a stroke without an identifier or with an unknown tool.
	ErrInvalidStroke = errors.New("protocol: invalid stroke")
)

// Valid reports whether the tool belongs to the closed tool set.
func (t Tool) Valid() bool {
	switch t {
	case ToolPen, ToolEraser, ToolRectangle, ToolCircle, ToolLine, ToolText:
		return true
	default:
		return false
	}
}

// IsShape reports whether the tool is drawn from two anchors with a live preview.
func (t Tool) IsShape() bool {
	switch t {
	case ToolRectangle, ToolCircle, ToolLine:
		return true
	default:
		return false
	}
}

// Additive reports whether the tool renders segment by segment while the pointer moves.
func (t Tool) Additive() bool {
	return t == ToolPen || t == ToolEraser
}

// Point is a sampled pointer location and its capture time in unix milliseconds.
type Point struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Timestamp int64   `json:"timestamp"`
}

// SamePosition compares coordinates only.
func (p Point) SamePosition(other Point) bool {
	return p.X == other.X && p.Y == other.Y
}

// Stroke is one completed drawing action. Shapes carry two anchors, text carries one.
type Stroke struct {
	ID       string  `json:"id"`
	Points   []Point `json:"points"`
	Color    string  `json:"color"`
	Width    float64 `json:"width"`
	Tool     Tool    `json:"tool"`
	UserID   string  `json:"userId"`
	Text     string  `json:"text,omitempty"`
	FontSize float64 `json:"fontSize,omitempty"`
}

// Clone returns a copy that shares no backing arrays with the receiver.
func (s Stroke) Clone() Stroke {
	clone := s
	if s.Points != nil {
		clone.Points = make([]Point, len(s.Points))
		copy(clone.Points, s.Points)
	}
	return clone
}

func (s Stroke) validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidStroke)
	}
	if !s.Tool.Valid() {
		return fmt.Errorf("%w: unknown tool %q", ErrInvalidStroke, s.Tool)
	}
	return nil
}

// User is a connected participant and the palette slot the server assigned to it.
type User struct {
	UserID     string `json:"userId"`
	ColorIndex int    `json:"colorIndex"`
}

// CloneStrokes copies a history so callers cannot mutate the original.
func CloneStrokes(strokes []Stroke) []Stroke {
	cloned := make([]Stroke, len(strokes))
	for index, stroke := range strokes {
		cloned[index] = stroke.Clone()
	}
	return cloned
}
