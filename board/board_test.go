package board

import (
	"testing"

	"mural"
)

func TestBootstrap(t *testing.T) {
	b, err := New(2, 2)
	if err != nil {
		t.Fatal(err)
	}
	snap := []byte{
		1, 2, 3, 4, 5, 6,
		7, 8, 9, 10, 11, 12,
	}
	if err := b.Bootstrap(snap); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	got, ok := b.ColorAt(mural.Point{X: 1, Y: 1})
	if !ok || got != (mural.Color{R: 10, G: 11, B: 12}) {
		t.Fatalf("ColorAt(1,1) = %v, %v", got, ok)
	}
}

func TestBootstrap_ShortSnapshot(t *testing.T) {
	b, _ := New(2, 2)
	if err := b.Bootstrap([]byte{9, 9, 9}); err == nil {
		t.Fatal("short snapshot should report an error")
	}
	// The covered cell is still applied.
	if !b.Match(mural.Point{X: 0, Y: 0}, mural.Color{R: 9, G: 9, B: 9}) {
		t.Fatal("covered cell should be applied despite short snapshot")
	}
}

func TestApply_Monotonic(t *testing.T) {
	b, _ := New(4, 4)
	p := mural.Point{X: 2, Y: 1}
	red := mural.Color{R: 255}
	blue := mural.Color{B: 255}

	r1 := b.NextRev()
	r2 := b.NextRev()

	if !b.Apply(mural.PixelEvent{At: p, Color: blue}, r2) {
		t.Fatal("fresh apply should take effect")
	}
	// A straggler carrying the older revision must not regress the cell.
	if b.Apply(mural.PixelEvent{At: p, Color: red}, r1) {
		t.Fatal("stale apply should be dropped")
	}
	if !b.Match(p, blue) {
		t.Fatal("cell should keep the newer color")
	}
	// Re-delivery of the same revision is a no-op.
	if b.Apply(mural.PixelEvent{At: p, Color: red}, r2) {
		t.Fatal("duplicate revision should be dropped")
	}
}

func TestApply_OutOfBounds(t *testing.T) {
	b, _ := New(2, 2)
	if b.Apply(mural.PixelEvent{At: mural.Point{X: 5, Y: 0}}, b.NextRev()) {
		t.Fatal("out-of-bounds apply should be rejected")
	}
	if _, ok := b.ColorAt(mural.Point{X: -1, Y: 0}); ok {
		t.Fatal("out-of-bounds read should report not-ok")
	}
}

func TestBootstrapWinsOverEarlierEvents(t *testing.T) {
	b, _ := New(1, 1)
	p := mural.Point{X: 0, Y: 0}

	rev := b.NextRev()
	if err := b.Bootstrap([]byte{5, 5, 5}); err != nil {
		t.Fatal(err)
	}
	// An event stamped before the bootstrap must lose to it.
	if b.Apply(mural.PixelEvent{At: p, Color: mural.Color{R: 1}}, rev) {
		t.Fatal("pre-bootstrap event should be dropped")
	}
	if !b.Match(p, mural.Color{R: 5, G: 5, B: 5}) {
		t.Fatal("bootstrap value should stand")
	}
}
