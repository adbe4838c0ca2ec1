package engine

import (
	"context"
	"time"

	"mural"
	"mural/telemetry"
	"mural/wire"
)

// HandleResult routes one server acknowledgment to the identity and
// ledger that dispatched it. Unknown ids are acknowledgments for
// operations already swept as timed out.
func (e *Engine) HandleResult(res wire.PaintResult) {
	e.mu.Lock()
	f, ok := e.inflight[res.ID]
	if ok {
		delete(e.inflight, res.ID)
	}
	e.mu.Unlock()
	if !ok {
		e.log.Debug("acknowledgment for unknown operation", "id", res.ID, "status", res.Status)
		return
	}

	switch res.Status {
	case wire.StatusAccepted:
		f.lease.Cooldown()
		e.confirmPaint(f)
		e.painted.Add(1)
		telemetry.OpsTotal.WithLabelValues("accepted").Inc()
	case wire.StatusCooldown:
		// The server disagrees about the window. Trust it: spend the
		// full cooldown before reusing this identity.
		f.lease.Cooldown()
		e.fail(f)
		telemetry.OpsTotal.WithLabelValues("cooldown").Inc()
	case wire.StatusAuth:
		f.lease.Invalidate(e.runContext())
		e.fail(f)
		telemetry.OpsTotal.WithLabelValues("auth").Inc()
	case wire.StatusBounds:
		f.lease.Release(e.cfg.PaintInterval.Std())
		e.fail(f)
		telemetry.OpsTotal.WithLabelValues("bounds").Inc()
		e.log.Warn("server rejected coordinates", "at", f.cell.At)
	default:
		f.lease.Release(e.cfg.PaintInterval.Std())
		e.fail(f)
		telemetry.OpsTotal.WithLabelValues("rejected").Inc()
		e.log.Warn("paint rejected", "at", f.cell.At, "status", res.Status)
	}
}

// confirmPaint records an accepted paint in the mirror and the ledger. If
// a broadcast already moved the coordinate past our paint, the confirmed
// entry is immediately reopened as overwritten.
func (e *Engine) confirmPaint(f flight) {
	rev := e.board.NextRev()
	e.board.Apply(mural.PixelEvent{At: f.cell.At, Color: f.cell.Color}, rev)

	e.mu.Lock()
	f.unit.ledger.Confirm(f.cell.At)
	if !e.board.Match(f.cell.At, f.cell.Color) {
		if f.unit.ledger.Overwrite(f.cell.At) {
			e.notifyWorkLocked()
		}
	}
	e.mu.Unlock()
}

// fail requeues the cell per its target's retry policy.
func (e *Engine) fail(f flight) {
	e.mu.Lock()
	f.unit.ledger.Fail(f.cell.At)
	e.mu.Unlock()
	e.notifyWork()
}

// HandlePixel applies one broadcast pixel change to the mirror and checks
// it against every target's confirmed work.
func (e *Engine) HandlePixel(ev mural.PixelEvent) {
	rev := e.board.NextRev()
	if !e.board.Apply(ev, rev) {
		return
	}
	reopened := false
	e.mu.Lock()
	for _, u := range e.units {
		if u.ledger.ObservePixel(ev) {
			reopened = true
		}
	}
	e.mu.Unlock()
	if reopened {
		e.notifyWork()
	}
}

// HandleConnected marks the session up and schedules a resync, since any
// broadcast sent while the socket was down is lost. The very first connect
// skips the resync because the initial bootstrap already ran.
func (e *Engine) HandleConnected() {
	e.connected.Store(true)
	if e.everConnected.Swap(true) {
		e.requestResync()
	}
}

// HandleDisconnected marks the session down until the socket redials.
func (e *Engine) HandleDisconnected() {
	e.connected.Store(false)
}

// sweepAcks fails operations whose acknowledgment never arrived, so their
// cells requeue instead of hanging in flight forever.
func (e *Engine) sweepAcks(ctx context.Context) error {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			now := e.clock.Now()
			var expired []flight
			e.mu.Lock()
			for id, f := range e.inflight {
				if now.After(f.deadline) {
					delete(e.inflight, id)
					expired = append(expired, f)
				}
			}
			for _, f := range expired {
				f.unit.ledger.Fail(f.cell.At)
			}
			e.mu.Unlock()
			for _, f := range expired {
				f.lease.Release(e.cfg.PaintInterval.Std())
				telemetry.OpsTotal.WithLabelValues("timeout").Inc()
				e.log.Warn("acknowledgment timed out", "at", f.cell.At)
			}
			if len(expired) > 0 {
				e.notifyWork()
			}
		}
	}
}

// notifyWorkLocked is notifyWork for callers already holding e.mu.
func (e *Engine) notifyWorkLocked() {
	close(e.work)
	e.work = make(chan struct{})
}
