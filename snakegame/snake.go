// Package snakegame implements the authoritative match session: a fixed-tick
// two-snake simulation on a bounded grid, with bot decisions for autonomous
// slots and self-describing snapshots for guests to render.
package snakegame

import "fmt"

// Cell is one grid position. The origin is the top-left corner; Y grows
// downward.
type Cell struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (c Cell) step(h Heading) Cell {
	dx, dy := h.delta()
	return Cell{c.X + dx, c.Y + dy}
}

func manhattan(a, b Cell) int {
	return abs(a.X-b.X) + abs(a.Y-b.Y)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func inBounds(c Cell, w, h int) bool {
	return c.X >= 0 && c.X < w && c.Y >= 0 && c.Y < h
}

func contains(cells []Cell, c Cell) bool {
	for _, b := range cells {
		if b == c {
			return true
		}
	}
	return false
}

// Heading is a snake's movement direction. The declaration order is also the
// bot's fixed tie-break order.
type Heading int

const (
	HeadingUp Heading = iota
	HeadingRight
	HeadingDown
	HeadingLeft
)

// headingOrder is every heading in tie-break order.
var headingOrder = [4]Heading{HeadingUp, HeadingRight, HeadingDown, HeadingLeft}

func (h Heading) Opposite() Heading {
	switch h {
	case HeadingUp:
		return HeadingDown
	case HeadingDown:
		return HeadingUp
	case HeadingLeft:
		return HeadingRight
	default:
		return HeadingLeft
	}
}

func (h Heading) delta() (int, int) {
	switch h {
	case HeadingUp:
		return 0, -1
	case HeadingDown:
		return 0, 1
	case HeadingLeft:
		return -1, 0
	default:
		return 1, 0
	}
}

func (h Heading) String() string {
	switch h {
	case HeadingUp:
		return "up"
	case HeadingRight:
		return "right"
	case HeadingDown:
		return "down"
	case HeadingLeft:
		return "left"
	default:
		return fmt.Sprintf("heading(%d)", int(h))
	}
}

// ParseHeading converts a wire heading. It is the inverse of String.
func ParseHeading(s string) (Heading, error) {
	switch s {
	case "up":
		return HeadingUp, nil
	case "right":
		return HeadingRight, nil
	case "down":
		return HeadingDown, nil
	case "left":
		return HeadingLeft, nil
	}
	return 0, fmt.Errorf("unknown heading %q", s)
}
