package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mural"
	"mural/engine/credential"
	"mural/telemetry"
	"mural/wire"
)

// starvedRetryDelay is how long an interactive engine idles before asking
// the pool again after total starvation.
const starvedRetryDelay = 5 * time.Second

// worker runs the dispatch loop until ctx ends. An internal fault is
// logged and the loop restarts; it never takes the pool down. Credential
// starvation is fatal for a headless run and an idle-and-retry for an
// interactive one.
func (e *Engine) worker(ctx context.Context) error {
	for ctx.Err() == nil {
		err := e.dispatchLoop(ctx)
		switch {
		case err == nil || ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, credential.ErrStarved):
			if !e.idleOnStarved {
				return err
			}
			e.log.Warn("no usable identity, idling", "retry_in", starvedRetryDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(starvedRetryDelay):
			}
		default:
			e.log.Error("worker fault, restarting loop", "error", err)
		}
	}
	return ctx.Err()
}

func (e *Engine) dispatchLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	for {
		cell, u, wake, ok := e.nextTask()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wake:
			}
			continue
		}

		lease, err := e.pool.Acquire(ctx)
		if err != nil {
			e.abandon(u, cell)
			if errors.Is(err, credential.ErrStarved) {
				return fmt.Errorf("dispatch %v: %w", cell.At, err)
			}
			return err
		}
		if err := e.dispatch(ctx, u, cell, lease); err != nil {
			return err
		}
	}
}

// nextTask combines the weighted pick with the ledger pop under one lock.
// Cells whose coordinate already matches the mirror are satisfied and
// skipped without spending an identity. When every queue is empty the wake
// channel is captured under the same lock, so a notify racing the
// emptiness decision still reaches the caller.
func (e *Engine) nextTask() (mural.Cell, *unit, <-chan struct{}, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		src := e.sched.Pick()
		if src == nil {
			return mural.Cell{}, nil, e.work, false
		}
		u := src.(*unit)
		p, ok := u.ledger.PendingHead()
		if !ok {
			continue
		}
		cell, ok := u.ledger.Next(e.clock.Now())
		if !ok {
			continue
		}
		if e.board.Match(p, cell.Color) {
			u.ledger.Confirm(p)
			telemetry.OpsTotal.WithLabelValues("satisfied").Inc()
			continue
		}
		return cell, u, nil, true
	}
}

// dispatch registers the operation in flight and hands it to the merger.
func (e *Engine) dispatch(ctx context.Context, u *unit, cell mural.Cell, lease *credential.Lease) error {
	id := e.paintID.Add(1)
	op := wire.PaintOp{
		At:    cell.At,
		Color: cell.Color,
		UID:   lease.UID(),
		Token: lease.Token(),
		ID:    id,
	}

	e.mu.Lock()
	e.inflight[id] = flight{
		unit:     u,
		cell:     cell,
		lease:    lease,
		deadline: e.clock.Now().Add(e.cfg.AckTimeout.Std()),
	}
	e.mu.Unlock()

	if err := e.merger.Add(ctx, op); err != nil {
		e.mu.Lock()
		delete(e.inflight, id)
		u.ledger.Fail(cell.At)
		e.mu.Unlock()
		lease.Release(e.cfg.PaintInterval.Std())
		telemetry.OpsTotal.WithLabelValues("send_error").Inc()
		e.log.Warn("frame send failed", "at", cell.At, "error", err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// abandon returns a popped cell to its queue when no dispatch happened.
func (e *Engine) abandon(u *unit, cell mural.Cell) {
	e.mu.Lock()
	u.ledger.Fail(cell.At)
	e.mu.Unlock()
}
