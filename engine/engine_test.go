package engine

import (
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"log/slog"
	"sync"
	"testing"
	"time"

	"mural"
	"mural/board"
	"mural/config"
	"mural/engine/credential"
	"mural/target"
	"mural/wire"
)

// fakeServer acts as the canvas server behind the Transport port. Every
// decoded paint operation is answered through respond.
type fakeServer struct {
	mu      sync.Mutex
	ops     []wire.PaintOp
	respond func(op wire.PaintOp) byte
	results func(res wire.PaintResult)
}

func (s *fakeServer) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *fakeServer) Send(_ context.Context, frame []byte) error {
	ops := decodePaintOps(frame)
	s.mu.Lock()
	s.ops = append(s.ops, ops...)
	s.mu.Unlock()
	go func() {
		for _, op := range ops {
			s.results(wire.PaintResult{ID: op.ID, Status: s.respond(op)})
		}
	}()
	return nil
}

func (s *fakeServer) sent() []wire.PaintOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.PaintOp(nil), s.ops...)
}

// decodePaintOps unpacks the client's outbound frame layout.
func decodePaintOps(frame []byte) []wire.PaintOp {
	var ops []wire.PaintOp
	for off := 0; off+wire.PaintOpSize <= len(frame); off += wire.PaintOpSize {
		b := frame[off : off+wire.PaintOpSize]
		if b[0] != wire.OpPaint {
			continue
		}
		ops = append(ops, wire.PaintOp{
			At: mural.Point{
				X: int(binary.LittleEndian.Uint16(b[1:3])),
				Y: int(binary.LittleEndian.Uint16(b[3:5])),
			},
			Color: mural.Color{R: b[5], G: b[6], B: b[7]},
			UID:   uint32(b[8]) | uint32(b[9])<<8 | uint32(b[10])<<16,
			ID:    binary.LittleEndian.Uint32(b[27:31]),
		})
	}
	return ops
}

type fakeSnapshots struct {
	w, h int
}

func (f *fakeSnapshots) FetchSnapshot(context.Context) ([]byte, error) {
	return make([]byte, f.w*f.h*board.BytesPerPixel), nil
}

func testConfig() *config.Config {
	return &config.Config{
		Board:          config.Board{Width: 8, Height: 8},
		PaintInterval:  config.Duration(2 * time.Millisecond),
		RoundInterval:  config.Duration(time.Hour),
		UserCooldown:   config.Duration(time.Millisecond),
		AckTimeout:     config.Duration(time.Second),
		ResyncInterval: config.Duration(time.Hour),
		Workers:        2,
	}
}

func testTarget(t *testing.T, b *board.Board) *target.Target {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.NRGBA{R: 10, A: 255})
	img.Set(1, 0, color.NRGBA{G: 20, A: 255})
	img.Set(0, 1, color.NRGBA{B: 30, A: 255})
	img.Set(1, 1, color.NRGBA{R: 40, G: 40, B: 40, A: 255})

	tgt, err := target.New("tile", img, config.Target{X: 2, Y: 2, Weight: 1}, b, false)
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	return tgt
}

func testPool(t *testing.T, cooldown time.Duration) *credential.Pool {
	t.Helper()
	accts := []config.Account{
		{UID: 1, Token: "11223344-5566-7788-99aa-bbccddeeff00"},
		{UID: 2, Token: "21223344-5566-7788-99aa-bbccddeeff00"},
	}
	pool, err := credential.Build(context.Background(), accts, cooldown, credential.RealClock{}, nil, nil)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return pool
}

func startEngine(t *testing.T, respond func(op wire.PaintOp) byte) (*Engine, *fakeServer, *board.Board, context.CancelFunc) {
	t.Helper()
	cfg := testConfig()
	b, err := board.New(cfg.Board.Width, cfg.Board.Height)
	if err != nil {
		t.Fatal(err)
	}
	eng := New(Params{
		Config:    cfg,
		Board:     b,
		Targets:   []*target.Target{testTarget(t, b)},
		Pool:      testPool(t, cfg.UserCooldown.Std()),
		Snapshots: &fakeSnapshots{w: cfg.Board.Width, h: cfg.Board.Height},
		Log:       slog.New(slog.DiscardHandler),
	})
	srv := &fakeServer{respond: respond, results: eng.HandleResult}
	eng.SetTransport(srv)

	ctx, cancel := context.WithCancel(context.Background())
	go eng.Run(ctx)
	return eng, srv, b, cancel
}

func waitConverged(t *testing.T, eng *Engine) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		s := eng.Status()
		if s.Phase == PhaseRunning && len(s.Targets) == 1 && s.Targets[0].Mismatch == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("never converged: %+v", s)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRun_PaintsTargetOntoBoard(t *testing.T) {
	eng, srv, b, cancel := startEngine(t, func(wire.PaintOp) byte { return wire.StatusAccepted })
	defer cancel()

	waitConverged(t, eng)

	cells := map[mural.Point]mural.Color{
		{X: 2, Y: 2}: {R: 10},
		{X: 3, Y: 2}: {G: 20},
		{X: 2, Y: 3}: {B: 30},
		{X: 3, Y: 3}: {R: 40, G: 40, B: 40},
	}
	for p, c := range cells {
		if !b.Match(p, c) {
			got, _ := b.ColorAt(p)
			t.Errorf("mirror at %v = %v, want %v", p, got, c)
		}
	}

	// Each mismatching cell was dispatched exactly once.
	seen := map[mural.Point]int{}
	for _, op := range srv.sent() {
		seen[op.At]++
	}
	for p := range cells {
		if seen[p] != 1 {
			t.Errorf("cell %v dispatched %d times, want 1", p, seen[p])
		}
	}
}

func TestRun_CooldownRejectionRetries(t *testing.T) {
	var mu sync.Mutex
	rejected := map[mural.Point]bool{}
	eng, srv, _, cancel := startEngine(t, func(op wire.PaintOp) byte {
		mu.Lock()
		defer mu.Unlock()
		// Reject each cell's first attempt.
		if !rejected[op.At] {
			rejected[op.At] = true
			return wire.StatusCooldown
		}
		return wire.StatusAccepted
	})
	defer cancel()

	waitConverged(t, eng)

	seen := map[mural.Point]int{}
	for _, op := range srv.sent() {
		seen[op.At]++
	}
	for p, n := range seen {
		if n < 2 {
			t.Errorf("cell %v dispatched %d times, want a retry after rejection", p, n)
		}
	}
}

func TestHandlePixel_AdversarialOverwriteRepaints(t *testing.T) {
	eng, srv, b, cancel := startEngine(t, func(wire.PaintOp) byte { return wire.StatusAccepted })
	defer cancel()

	waitConverged(t, eng)
	before := len(srv.sent())

	// Someone paints over a confirmed cell.
	hit := mural.Point{X: 2, Y: 2}
	eng.HandlePixel(mural.PixelEvent{At: hit, Color: mural.Color{R: 99}})

	deadline := time.After(5 * time.Second)
	for !b.Match(hit, mural.Color{R: 10}) {
		select {
		case <-deadline:
			t.Fatal("overwritten cell was never repainted")
		case <-time.After(5 * time.Millisecond):
		}
	}
	repaints := 0
	for _, op := range srv.sent()[before:] {
		if op.At == hit {
			repaints++
		}
	}
	if repaints != 1 {
		t.Fatalf("repainted %d times, want 1", repaints)
	}
}

func TestRun_AlreadyMatchingCellsNotDispatched(t *testing.T) {
	// A cell the snapshot already shows in the desired color needs no
	// send and spends no identity.
	cfg := testConfig()
	b, err := board.New(cfg.Board.Width, cfg.Board.Height)
	if err != nil {
		t.Fatal(err)
	}
	snap := make([]byte, cfg.Board.Width*cfg.Board.Height*board.BytesPerPixel)
	snap[(2*cfg.Board.Width+2)*board.BytesPerPixel] = 10 // (2,2) = R10
	eng := New(Params{
		Config:    cfg,
		Board:     b,
		Targets:   []*target.Target{testTarget(t, b)},
		Pool:      testPool(t, cfg.UserCooldown.Std()),
		Snapshots: &staticSnapshots{data: snap},
		Log:       slog.New(slog.DiscardHandler),
	})
	srv := &fakeServer{respond: func(wire.PaintOp) byte { return wire.StatusAccepted }, results: eng.HandleResult}
	eng.SetTransport(srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	waitConverged(t, eng)
	for _, op := range srv.sent() {
		if (op.At == mural.Point{X: 2, Y: 2}) {
			t.Fatalf("already-matching cell %v was dispatched", op.At)
		}
	}
}

type staticSnapshots struct {
	data []byte
}

func (s *staticSnapshots) FetchSnapshot(context.Context) ([]byte, error) {
	return s.data, nil
}

func TestNextTask_NotifyAfterEmptyCheckStillWakes(t *testing.T) {
	// A producer that queues work right after a worker's emptiness
	// decision must close the wake channel that worker already holds,
	// or the worker sleeps forever with cells pending.
	cfg := testConfig()
	b, err := board.New(cfg.Board.Width, cfg.Board.Height)
	if err != nil {
		t.Fatal(err)
	}
	eng := New(Params{
		Config:  cfg,
		Board:   b,
		Targets: []*target.Target{testTarget(t, b)},
		Pool:    testPool(t, cfg.UserCooldown.Std()),
		Log:     slog.New(slog.DiscardHandler),
	})

	_, _, wake, ok := eng.nextTask()
	if ok {
		t.Fatal("no work should exist before the first round")
	}

	eng.mu.Lock()
	u := eng.units[0]
	u.ledger.Fill(u.target.Diff(eng.board, u.rnd))
	eng.mu.Unlock()
	eng.notifyWork()

	select {
	case <-wake:
	default:
		t.Fatal("notify did not reach the wake channel captured before it")
	}
	if _, _, _, ok := eng.nextTask(); !ok {
		t.Fatal("queued cell not returned after the wake")
	}
}

func TestHandleDisconnected_ClearsConnected(t *testing.T) {
	cfg := testConfig()
	b, err := board.New(cfg.Board.Width, cfg.Board.Height)
	if err != nil {
		t.Fatal(err)
	}
	eng := New(Params{
		Config:  cfg,
		Board:   b,
		Targets: []*target.Target{testTarget(t, b)},
		Pool:    testPool(t, cfg.UserCooldown.Std()),
		Log:     slog.New(slog.DiscardHandler),
	})

	eng.HandleConnected()
	if !eng.Status().Connected {
		t.Fatal("status should report online after connect")
	}
	select {
	case <-eng.resync:
		t.Fatal("first connect should not schedule a resync")
	default:
	}

	eng.HandleDisconnected()
	if eng.Status().Connected {
		t.Fatal("status should report offline after the session drops")
	}

	eng.HandleConnected()
	if !eng.Status().Connected {
		t.Fatal("status should report online after redial")
	}
	select {
	case <-eng.resync:
	default:
		t.Fatal("redial should schedule a resync")
	}
}

func TestRun_RefreshContextEndsWithRun(t *testing.T) {
	// Token refresh spawned from an auth rejection must stop when the
	// engine does, not retry in the background forever.
	eng, _, _, cancel := startEngine(t, func(wire.PaintOp) byte { return wire.StatusAccepted })
	defer cancel()
	waitConverged(t, eng)

	ctx := eng.runContext()
	if ctx.Err() != nil {
		t.Fatal("run context ended while the engine is running")
	}
	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("run context still alive after shutdown")
	}
}

func TestPhase_LifecycleOrder(t *testing.T) {
	p := PhaseStopped
	for _, to := range []Phase{PhaseStarting, PhaseRunning, PhaseStopping, PhaseStopped} {
		p = p.Transition(to)
		if p != to {
			t.Fatalf("transition to %s refused", to)
		}
	}
}

func TestStatus_ReportsProgress(t *testing.T) {
	eng, _, _, cancel := startEngine(t, func(wire.PaintOp) byte { return wire.StatusAccepted })
	defer cancel()

	waitConverged(t, eng)
	s := eng.Status()
	if len(s.Targets) != 1 || s.Targets[0].Name != "tile" || s.Targets[0].Size != 4 {
		t.Fatalf("status targets = %+v", s.Targets)
	}
	if s.Painted != 4 {
		t.Fatalf("painted = %d, want 4", s.Painted)
	}
	if s.Phase != PhaseRunning {
		t.Fatalf("phase = %s, want running", s.Phase)
	}
}
