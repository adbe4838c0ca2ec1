package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"mural/telemetry"
)

// rounds recomputes every target's diff on the round interval, after a
// resync request and periodically against a fresh snapshot. Broadcast
// pixel events keep the mirror current between rounds; the full diff is
// what actually authorizes new work.
func (e *Engine) rounds(ctx context.Context) error {
	round := time.NewTicker(e.cfg.RoundInterval.Std())
	defer round.Stop()
	resync := time.NewTicker(e.cfg.ResyncInterval.Std())
	defer resync.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-round.C:
			e.runRound(ctx)
		case <-resync.C:
			if err := e.bootstrap(ctx); err != nil {
				e.log.Warn("board resync failed", "error", err)
				continue
			}
			e.runRound(ctx)
		case <-e.resync:
			if err := e.bootstrap(ctx); err != nil {
				e.log.Warn("board resync failed", "error", err)
				continue
			}
			e.runRound(ctx)
		}
	}
}

// runRound diffs every target against the mirror and refills the ledgers.
func (e *Engine) runRound(ctx context.Context) {
	_, span := e.tracer.Start(ctx, "round")
	defer span.End()
	start := e.clock.Now()

	queued := 0
	e.mu.Lock()
	for _, u := range e.units {
		cells := u.target.Diff(e.board, u.rnd)
		queued += u.ledger.Fill(cells)
		telemetry.TargetMismatch.WithLabelValues(u.target.Name).Set(float64(len(cells)))
	}
	e.mu.Unlock()

	span.SetAttributes(attribute.Int("queued", queued))
	telemetry.EligibleCredentials.Set(float64(e.pool.Eligible()))
	telemetry.RoundDuration.Observe(e.clock.Now().Sub(start).Seconds())
	if queued > 0 {
		e.notifyWork()
	}
	e.log.Debug("round complete", "queued", queued, "elapsed", e.clock.Now().Sub(start))
}

// requestResync asks the round loop for a fresh snapshot without blocking.
func (e *Engine) requestResync() {
	select {
	case e.resync <- struct{}{}:
	default:
	}
}
