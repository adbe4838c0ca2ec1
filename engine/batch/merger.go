// Package batch coalesces paint operations into shared frames so that many
// workers do not each pay a websocket write per pixel.
package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mural/telemetry"
	"mural/wire"
)

// MaxFrameBytes caps a merged frame. The server reads whole messages, so
// the cap only bounds burst size, not correctness.
const MaxFrameBytes = 4096

// maxOps is how many paint operations fit under the frame cap.
const maxOps = MaxFrameBytes / wire.PaintOpSize

// Sender delivers one encoded frame. Merger serializes calls to it.
type Sender interface {
	Send(ctx context.Context, frame []byte) error
}

// Merger buffers paint operations and flushes them as a single frame when
// either the paint interval elapses or the frame budget fills. A full
// buffer flushes immediately rather than waiting out the window.
type Merger struct {
	send     Sender
	interval time.Duration
	log      *slog.Logger

	mu  sync.Mutex
	ops []wire.PaintOp
}

func New(send Sender, interval time.Duration, log *slog.Logger) *Merger {
	return &Merger{
		send:     send,
		interval: interval,
		log:      log,
		ops:      make([]wire.PaintOp, 0, maxOps),
	}
}

// Add queues one operation. It flushes synchronously when the frame budget
// is reached, so a caller may observe send latency here.
func (m *Merger) Add(ctx context.Context, op wire.PaintOp) error {
	m.mu.Lock()
	m.ops = append(m.ops, op)
	if len(m.ops) < maxOps {
		m.mu.Unlock()
		return nil
	}
	batch := m.take()
	m.mu.Unlock()
	return m.flush(ctx, batch)
}

// Run flushes pending operations on every paint interval until ctx ends.
// A final flush drains whatever is buffered at shutdown.
func (m *Merger) Run(ctx context.Context) error {
	tick := time.NewTicker(m.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Flush(context.Background())
			return ctx.Err()
		case <-tick.C:
			m.Flush(ctx)
		}
	}
}

// Flush sends everything currently buffered, if anything.
func (m *Merger) Flush(ctx context.Context) {
	m.mu.Lock()
	batch := m.take()
	m.mu.Unlock()
	if err := m.flush(ctx, batch); err != nil {
		m.log.Warn("frame flush failed", "ops", len(batch), "error", err)
	}
}

// take swaps out the buffer. Callers hold m.mu.
func (m *Merger) take() []wire.PaintOp {
	batch := m.ops
	m.ops = make([]wire.PaintOp, 0, maxOps)
	return batch
}

func (m *Merger) flush(ctx context.Context, batch []wire.PaintOp) error {
	if len(batch) == 0 {
		return nil
	}
	frame := wire.EncodeOps(batch)
	if err := m.send.Send(ctx, frame); err != nil {
		return err
	}
	telemetry.FramesSentTotal.Inc()
	telemetry.BytesSentTotal.Add(float64(len(frame)))
	return nil
}

// Pending reports how many operations await the next flush.
func (m *Merger) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops)
}
