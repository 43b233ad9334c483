package client

import (
	"math"

	"github.com/dolgim/dolcanvas/internal/protocol"
)

const lineSnapStep = math.Pi / 4

// ConstrainEndPoint squares rectangles and circles using the larger side and
// snaps lines to the nearest multiple of 45 degrees while keeping their length.
// Other tools pass through unchanged.
func ConstrainEndPoint(start, end protocol.Point, tool protocol.Tool) protocol.Point {
	dx := end.X - start.X
	dy := end.Y - start.Y
	switch tool {
	case protocol.ToolRectangle, protocol.ToolCircle:
		size := math.Max(math.Abs(dx), math.Abs(dy))
		end.X = start.X + math.Copysign(size, dx)
		end.Y = start.Y + math.Copysign(size, dy)
	case protocol.ToolLine:
		distance := math.Hypot(dx, dy)
		angle := math.Round(math.Atan2(dy, dx)/lineSnapStep) * lineSnapStep
		end.X = start.X + distance*math.Cos(angle)
		end.Y = start.Y + distance*math.Sin(angle)
	}
	return end
}
