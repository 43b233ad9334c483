package raster

import (
	"errors"
	"image"
	"image/color"
	"math"
	"strings"

	"github.com/dolgim/dolcanvas/internal/protocol"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

const (
	lineHeightFactor = 1.2
	defaultFontSize  = 16
)

var errInvalidSize = errors.New("canvas dimensions must be positive")

// Canvas is an in-memory raster drawing surface with a white background.
// It is not safe for concurrent use.
type Canvas struct {
	dc       *gg.Context
	mask     *gg.Context
	snapshot []uint8
	font     *truetype.Font
	faces    map[float64]font.Face
}

// NewCanvas returns a blank white canvas.
func NewCanvas(width, height int) (*Canvas, error) {
	if width <= 0 || height <= 0 {
		return nil, errInvalidSize
	}
	parsed, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, err
	}
	c := &Canvas{
		dc:    gg.NewContext(width, height),
		mask:  gg.NewContext(width, height),
		font:  parsed,
		faces: make(map[float64]font.Face),
	}
	c.fillBackground()
	return c, nil
}

// Image exposes the backing pixels.
func (c *Canvas) Image() *image.RGBA {
	return c.dc.Image().(*image.RGBA)
}

// SavePNG writes the current pixels to path.
func (c *Canvas) SavePNG(path string) error {
	return c.dc.SavePNG(path)
}

// DrawStroke renders a completed stroke over the existing pixels.
func (c *Canvas) DrawStroke(stroke protocol.Stroke) {
	if len(stroke.Points) == 0 {
		return
	}
	switch {
	case stroke.Tool == protocol.ToolText:
		c.drawText(stroke.Points[0], stroke.Text, stroke.Color, stroke.FontSize)
	case stroke.Tool.IsShape() && len(stroke.Points) >= 2:
		c.DrawShape(stroke.Points[0], stroke.Points[len(stroke.Points)-1], stroke.Color, stroke.Width, stroke.Tool)
	default:
		c.strokePath(stroke.Points, stroke.Color, stroke.Width, stroke.Tool)
	}
}

// DrawSegment renders one freehand increment.
func (c *Canvas) DrawSegment(from, to protocol.Point, color string, width float64, tool protocol.Tool) {
	c.strokePath([]protocol.Point{from, to}, color, width, tool)
}

// DrawShape outlines a rectangle, an ellipse inscribed in the anchors' box, or a line.
func (c *Canvas) DrawShape(start, end protocol.Point, color string, width float64, tool protocol.Tool) {
	dc := c.dc
	dc.SetHexColor(color)
	dc.SetLineWidth(width)
	dc.SetLineCapRound()
	dc.SetLineJoinRound()
	switch tool {
	case protocol.ToolRectangle:
		dc.DrawRectangle(math.Min(start.X, end.X), math.Min(start.Y, end.Y), math.Abs(end.X-start.X), math.Abs(end.Y-start.Y))
	case protocol.ToolCircle:
		dc.DrawEllipse((start.X+end.X)/2, (start.Y+end.Y)/2, math.Abs(end.X-start.X)/2, math.Abs(end.Y-start.Y)/2)
	default:
		dc.MoveTo(start.X, start.Y)
		dc.LineTo(end.X, end.Y)
	}
	dc.Stroke()
}

// Redraw paints the background and every stroke of history in order.
func (c *Canvas) Redraw(history []protocol.Stroke) {
	c.fillBackground()
	for _, stroke := range history {
		c.DrawStroke(stroke)
	}
}

// Snapshot saves the current pixels for Restore.
func (c *Canvas) Snapshot() {
	c.snapshot = append(c.snapshot[:0], c.Image().Pix...)
}

// Restore puts back the pixels saved by the last Snapshot.
func (c *Canvas) Restore() {
	if c.snapshot == nil {
		return
	}
	copy(c.Image().Pix, c.snapshot)
}

func (c *Canvas) fillBackground() {
	c.dc.SetColor(color.White)
	c.dc.Clear()
}

func (c *Canvas) strokePath(points []protocol.Point, hexColor string, width float64, tool protocol.Tool) {
	if len(points) == 0 {
		return
	}
	trace := func(dc *gg.Context) {
		dc.SetLineWidth(width)
		dc.SetLineCapRound()
		dc.SetLineJoinRound()
		dc.MoveTo(points[0].X, points[0].Y)
		for _, next := range points[1:] {
			dc.LineTo(next.X, next.Y)
		}
		dc.Stroke()
	}
	if tool == protocol.ToolEraser {
		c.erase(pathBounds(points, width), trace)
		return
	}
	c.dc.SetHexColor(hexColor)
	trace(c.dc)
}

// erase removes coverage painted by trace from the canvas, scaling alpha
// down the way a destination-out composite does.
func (c *Canvas) erase(bounds image.Rectangle, trace func(dc *gg.Context)) {
	mask := c.mask
	mask.SetColor(color.Transparent)
	mask.Clear()
	mask.SetColor(color.White)
	trace(mask)

	dst := c.Image()
	coverage := mask.Image().(*image.RGBA)
	bounds = bounds.Intersect(dst.Bounds())
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			covered := uint32(coverage.Pix[coverage.PixOffset(x, y)+3])
			if covered == 0 {
				continue
			}
			offset := dst.PixOffset(x, y)
			keep := 255 - covered
			for channel := 0; channel < 4; channel++ {
				dst.Pix[offset+channel] = uint8(uint32(dst.Pix[offset+channel]) * keep / 255)
			}
		}
	}
}

func (c *Canvas) drawText(anchor protocol.Point, text, hexColor string, size float64) {
	if text == "" {
		return
	}
	if size <= 0 {
		size = defaultFontSize
	}
	c.dc.SetFontFace(c.face(size))
	c.dc.SetHexColor(hexColor)
	for index, line := range strings.Split(text, "\n") {
		c.dc.DrawStringAnchored(line, anchor.X, anchor.Y+float64(index)*size*lineHeightFactor, 0, 1)
	}
}

func (c *Canvas) face(size float64) font.Face {
	if face, ok := c.faces[size]; ok {
		return face
	}
	face := truetype.NewFace(c.font, &truetype.Options{Size: size})
	c.faces[size] = face
	return face
}

func pathBounds(points []protocol.Point, width float64) image.Rectangle {
	minX, minY := points[0].X, points[0].Y
	maxX, maxY := minX, minY
	for _, next := range points[1:] {
		minX, maxX = math.Min(minX, next.X), math.Max(maxX, next.X)
		minY, maxY = math.Min(minY, next.Y), math.Max(maxY, next.Y)
	}
	pad := width/2 + 1
	return image.Rect(
		int(math.Floor(minX-pad)), int(math.Floor(minY-pad)),
		int(math.Ceil(maxX+pad)), int(math.Ceil(maxY+pad)),
	)
}
