// Package mural holds the value types shared across the painting engine:
// board coordinates, colors, and pixel change events.
package mural

import "fmt"

// Point is an absolute board coordinate.
type Point struct {
	X, Y int
}

func (p Point) String() string {
	return fmt.Sprintf("(%d,%d)", p.X, p.Y)
}

// Color is an 8-bit RGB board color.
type Color struct {
	R, G, B uint8
}

func (c Color) String() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// Cell is one desired paint: a coordinate and the color it should hold.
type Cell struct {
	At    Point
	Color Color
}

// PixelEvent is a single observed board change, either a server broadcast
// or a confirmed own paint.
type PixelEvent struct {
	At    Point
	Color Color
}
