// Package engine drives the painting loop: it diffs targets against the
// board mirror, schedules pixel work across weighted targets, dispatches
// through pooled identities and routes server acknowledgments back into
// the retry ledgers.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"mural"
	"mural/board"
	"mural/client"
	"mural/config"
	"mural/engine/batch"
	"mural/engine/credential"
	"mural/engine/ledger"
	"mural/engine/schedule"
	"mural/internal/check"
	"mural/target"
	"mural/telemetry"
)

// Phase is the engine lifecycle state.
type Phase uint8

const (
	PhaseStopped Phase = iota + 1
	PhaseStarting
	PhaseRunning
	PhaseStopping
)

func (p Phase) String() string {
	switch p {
	case PhaseStopped:
		return "stopped"
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

func (p Phase) Transition(to Phase) Phase {
	ok := false
	switch p {
	case PhaseStopped:
		ok = to == PhaseStarting
	case PhaseStarting:
		ok = to == PhaseRunning || to == PhaseStopping
	case PhaseRunning:
		ok = to == PhaseStopping
	case PhaseStopping:
		ok = to == PhaseStopped
	}
	check.Assertf(ok, "engine transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}

// unit pairs one target with its retry ledger and diff randomness.
type unit struct {
	target *target.Target
	ledger *ledger.Ledger
	rnd    *rand.Rand
}

func (u *unit) Name() string    { return u.target.Name }
func (u *unit) Weight() int     { return u.target.Weight }
func (u *unit) PendingLen() int { return u.ledger.PendingLen() }

// flight is one dispatched operation awaiting its acknowledgment.
type flight struct {
	unit     *unit
	cell     mural.Cell
	lease    *credential.Lease
	deadline time.Time
}

// Params collects the engine's collaborators. Transport is bound late via
// SetTransport because the socket needs the engine as its event handler.
type Params struct {
	Config    *config.Config
	Board     *board.Board
	Targets   []*target.Target
	Pool      *credential.Pool
	Snapshots SnapshotSource
	Clock     Clock
	Tracer    trace.Tracer
	Log       *slog.Logger

	// IdleOnStarvation keeps the engine alive when every identity is
	// invalid, for interactive runs where the operator may fix accounts.
	IdleOnStarvation bool
}

type Engine struct {
	cfg       *config.Config
	board     *board.Board
	pool      *credential.Pool
	snapshots SnapshotSource
	clock     Clock
	tracer    trace.Tracer
	log       *slog.Logger

	idleOnStarved bool

	transport Transport
	merger    *batch.Merger

	// mu serializes scheduler picks together with every ledger pop and
	// push, so weighted selection and queue state never skew.
	mu       sync.Mutex
	phase    Phase
	units    []*unit
	sched    *schedule.Scheduler
	inflight map[uint32]flight
	work     chan struct{}
	runCtx   context.Context

	paintID       atomic.Uint32
	painted       atomic.Uint64
	resync        chan struct{}
	connected     atomic.Bool
	everConnected atomic.Bool
}

func New(p Params) *Engine {
	if p.Clock == nil {
		p.Clock = credential.RealClock{}
	}
	if p.Tracer == nil {
		p.Tracer = noop.NewTracerProvider().Tracer("mural")
	}
	e := &Engine{
		cfg:           p.Config,
		board:         p.Board,
		pool:          p.Pool,
		snapshots:     p.Snapshots,
		clock:         p.Clock,
		tracer:        p.Tracer,
		log:           p.Log,
		idleOnStarved: p.IdleOnStarvation,
		phase:         PhaseStopped,
		inflight:      make(map[uint32]flight),
		work:          make(chan struct{}),
		resync:        make(chan struct{}, 1),
	}
	for _, t := range p.Targets {
		e.units = append(e.units, &unit{
			target: t,
			ledger: ledger.New(t.Policy),
			rnd:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		})
	}
	sources := make([]schedule.Source, len(e.units))
	for i, u := range e.units {
		sources[i] = u
	}
	e.sched = schedule.New(sources)
	return e
}

// SetTransport binds the websocket session. It must be called before Run.
func (e *Engine) SetTransport(t Transport) {
	e.transport = t
	e.merger = batch.New(t, e.cfg.PaintInterval.Std(), e.log)
}

// Run paints until ctx ends or the credential pool starves. The initial
// snapshot is fetched synchronously so no worker dispatches against an
// empty mirror.
func (e *Engine) Run(ctx context.Context) error {
	check.Assert(e.transport != nil, "engine transport must be set before Run")
	e.setPhase(PhaseStarting)
	defer func() {
		e.setPhase(PhaseStopping)
		e.setPhase(PhaseStopped)
	}()

	if err := e.bootstrap(ctx); err != nil {
		return fmt.Errorf("initial board snapshot: %w", err)
	}
	e.runRound(ctx)
	e.setPhase(PhaseRunning)

	g, gctx := errgroup.WithContext(ctx)
	e.mu.Lock()
	e.runCtx = gctx
	e.mu.Unlock()
	g.Go(func() error { return e.transport.Run(gctx) })
	g.Go(func() error { return e.merger.Run(gctx) })
	g.Go(func() error { return e.rounds(gctx) })
	g.Go(func() error { return e.sweepAcks(gctx) })
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error { return e.worker(gctx) })
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (e *Engine) bootstrap(ctx context.Context) error {
	snap, err := e.snapshots.FetchSnapshot(ctx)
	if err != nil {
		return err
	}
	if err := e.board.Bootstrap(snap); err != nil {
		e.log.Warn("snapshot shorter than board, missing cells kept", "error", err)
	}
	return nil
}

func (e *Engine) setPhase(to Phase) {
	e.mu.Lock()
	e.phase = e.phase.Transition(to)
	e.mu.Unlock()
}

// runContext is the lifetime of the current Run, for background work
// spawned from transport callbacks. It is cancelled when Run returns.
func (e *Engine) runContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx == nil {
		return context.Background()
	}
	return e.runCtx
}

// notifyWork wakes every worker blocked on an empty queue.
func (e *Engine) notifyWork() {
	e.mu.Lock()
	close(e.work)
	e.work = make(chan struct{})
	e.mu.Unlock()
}

// TargetStatus is one target's progress snapshot.
type TargetStatus struct {
	Name     string
	Size     int
	Mismatch int
}

// Status is a point-in-time progress snapshot for display.
type Status struct {
	Phase     Phase
	Targets   []TargetStatus
	Eligible  int
	Valid     int
	Painted   uint64
	Connected bool
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Status{
		Phase:     e.phase,
		Eligible:  e.pool.Eligible(),
		Valid:     e.pool.Valid(),
		Painted:   e.painted.Load(),
		Connected: e.connected.Load(),
	}
	for _, u := range e.units {
		s.Targets = append(s.Targets, TargetStatus{
			Name:     u.target.Name,
			Size:     u.target.Len(),
			Mismatch: u.ledger.PendingLen() + u.ledger.InFlightLen(),
		})
	}
	return s
}

var _ client.Handler = (*Engine)(nil)

func init() { telemetry.Register() }
