// Package board maintains the local mirror of the remote pixel grid.
//
// The mirror is seeded from a full snapshot and kept current by broadcast
// events and confirmed own paints. Both mutation paths go through Apply,
// which is revision-guarded: the push feed gives no ordering guarantee, so a
// write tagged with a revision not newer than the coordinate's stored one is
// dropped rather than allowed to regress a fresher value.
package board

import (
	"fmt"
	"sync"
	"sync/atomic"

	"mural"
)

// BytesPerPixel is the snapshot encoding width: 3 bytes RGB per cell,
// row-major.
const BytesPerPixel = 3

// Board is the canvas mirror. Safe for concurrent use.
type Board struct {
	width  int
	height int

	rev atomic.Uint64

	mu     sync.RWMutex
	colors []mural.Color
	revs   []uint64
}

// New returns an all-zero mirror of the given dimensions.
func New(width, height int) (*Board, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("board size %dx%d invalid", width, height)
	}
	return &Board{
		width:  width,
		height: height,
		colors: make([]mural.Color, width*height),
		revs:   make([]uint64, width*height),
	}, nil
}

// Size returns the mirror dimensions.
func (b *Board) Size() (width, height int) {
	return b.width, b.height
}

// InBounds reports whether p addresses a cell of the mirror.
func (b *Board) InBounds(p mural.Point) bool {
	return p.X >= 0 && p.X < b.width && p.Y >= 0 && p.Y < b.height
}

// NextRev hands out the revision for the next mutation. Callers stamp events
// in arrival order so that a later duplicate cannot regress a newer write.
func (b *Board) NextRev() uint64 {
	return b.rev.Add(1)
}

// Bootstrap replaces the whole grid from a raw width*height*3 RGB snapshot.
// A short snapshot is tolerated; the missing tail keeps its previous value.
// Every cell the snapshot covers is stamped with a fresh revision, so
// events decoded before the snapshot arrived cannot win against it.
func (b *Board) Bootstrap(data []byte) error {
	cells := len(data) / BytesPerPixel
	if cells > b.width*b.height {
		cells = b.width * b.height
	}
	epoch := b.rev.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < cells; i++ {
		off := i * BytesPerPixel
		b.colors[i] = mural.Color{R: data[off], G: data[off+1], B: data[off+2]}
		b.revs[i] = epoch
	}
	if cells < b.width*b.height {
		return fmt.Errorf("snapshot covers %d of %d cells", cells, b.width*b.height)
	}
	return nil
}

// Apply writes one pixel change stamped with rev. It reports whether the
// write took effect; stale or out-of-bounds writes are dropped.
func (b *Board) Apply(ev mural.PixelEvent, rev uint64) bool {
	if !b.InBounds(ev.At) {
		return false
	}
	i := ev.At.Y*b.width + ev.At.X

	b.mu.Lock()
	defer b.mu.Unlock()
	if rev <= b.revs[i] {
		return false
	}
	b.colors[i] = ev.Color
	b.revs[i] = rev
	return true
}

// ColorAt returns the mirrored color at p. ok is false outside the grid.
func (b *Board) ColorAt(p mural.Point) (c mural.Color, ok bool) {
	if !b.InBounds(p) {
		return mural.Color{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.colors[p.Y*b.width+p.X], true
}

// Match reports whether the mirror holds exactly c at p.
func (b *Board) Match(p mural.Point, c mural.Color) bool {
	got, ok := b.ColorAt(p)
	return ok && got == c
}
