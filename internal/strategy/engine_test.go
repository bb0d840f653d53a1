package strategy

import (
	"context"
	"math"
	"testing"

	"pairtrade-core/internal/config"
	"pairtrade-core/internal/venue"
	"pairtrade-core/internal/venue/sim"
)

const testSymbol = "XAUUSD"

type staticConfig struct {
	cfg config.SymbolConfig
	ok  bool
}

func (s *staticConfig) Symbol(string) (config.SymbolConfig, bool) {
	return s.cfg, s.ok
}

func testConfig() *staticConfig {
	cfg := config.DefaultSymbolConfig()
	cfg.Enabled = true
	cfg.GridDistance = 50
	cfg.TPPips = 150
	cfg.SLPips = 200
	cfg.ProtectionDistance = 100
	return &staticConfig{cfg: cfg, ok: true}
}

func newTestEngine(t *testing.T) (*Engine, *sim.Venue, *staticConfig) {
	t.Helper()
	v := sim.New()
	cfg := testConfig()
	return NewEngine("u1", testSymbol, cfg, v, nil), v, cfg
}

func mustTick(t *testing.T, e *Engine, ask, bid float64) {
	t.Helper()
	if err := e.OnTick(context.Background(), ask, bid); err != nil {
		t.Fatalf("OnTick(%v, %v): %v", ask, bid, err)
	}
}

func openCount(t *testing.T, v *sim.Venue) int {
	t.Helper()
	positions, err := v.OpenPositions(context.Background(), testSymbol)
	if err != nil {
		t.Fatalf("OpenPositions: %v", err)
	}
	return len(positions)
}

func TestStartFiresPairOne(t *testing.T) {
	e, v, _ := newTestEngine(t)
	v.SetTick(testSymbol, 2000, 1999.8)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st := e.Status()
	if !st.Running {
		t.Fatal("engine should be running")
	}
	if st.Phase != "AWAITING_SECOND" {
		t.Fatalf("phase = %s, want AWAITING_SECOND", st.Phase)
	}
	if st.StartPrice != 2000 {
		t.Fatalf("start price = %v, want ask 2000", st.StartPrice)
	}
	if st.Legs["bx"].Ticket == 0 || st.Legs["sy"].Ticket == 0 {
		t.Fatalf("both Pair 1 legs should be open: %+v", st.Legs)
	}
	if n := openCount(t, v); n != 2 {
		t.Fatalf("venue open positions = %d, want 2", n)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	e, v, _ := newTestEngine(t)
	v.SetTick(testSymbol, 2000, 1999.8)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if n := openCount(t, v); n != 2 {
		t.Fatalf("second Start must not fire again: %d positions", n)
	}
}

func TestStartFailsWithoutTick(t *testing.T) {
	e, _, _ := newTestEngine(t)

	if err := e.Start(context.Background()); err == nil {
		t.Fatal("Start should fail when no tick is available")
	}
	st := e.Status()
	if st.Running || st.Phase != "IDLE" {
		t.Fatalf("failed Start must leave engine idle: running=%v phase=%s", st.Running, st.Phase)
	}
}

func TestSecondFireDown(t *testing.T) {
	e, v, cfg := newTestEngine(t)
	v.SetTick(testSymbol, 2000, 1999.8)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Bid drops exactly grid distance below the start price.
	bid := 2000 - cfg.cfg.GridDistance
	v.SetTick(testSymbol, bid+0.2, bid)
	mustTick(t, e, bid+0.2, bid)

	st := e.Status()
	if st.Phase != "PAIRS_COMPLETE" {
		t.Fatalf("phase = %s, want PAIRS_COMPLETE", st.Phase)
	}
	if st.Location != "DOWN" {
		t.Fatalf("location = %s, want DOWN", st.Location)
	}
	if st.SecondFirePrice != bid {
		t.Fatalf("second fire price = %v, want bid %v", st.SecondFirePrice, bid)
	}
	wantTrigger := bid - 3*cfg.cfg.GridDistance
	if st.SingleFireTriggerPrice != wantTrigger {
		t.Fatalf("single fire trigger = %v, want %v", st.SingleFireTriggerPrice, wantTrigger)
	}
	wantProtection := bid + cfg.cfg.ProtectionDistance
	if st.ProtectionTriggerPrice != wantProtection {
		t.Fatalf("protection trigger = %v, want %v", st.ProtectionTriggerPrice, wantProtection)
	}
	if st.Legs["sx"].Ticket == 0 || st.Legs["by"].Ticket == 0 {
		t.Fatalf("Pair 2 legs should be open: %+v", st.Legs)
	}
}

func TestSecondFireUp(t *testing.T) {
	e, v, cfg := newTestEngine(t)
	v.SetTick(testSymbol, 2000, 1999.8)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ask := 2000 + cfg.cfg.GridDistance
	v.SetTick(testSymbol, ask, ask-0.2)
	mustTick(t, e, ask, ask-0.2)

	st := e.Status()
	if st.Location != "UP" {
		t.Fatalf("location = %s, want UP", st.Location)
	}
	if st.SecondFirePrice != ask {
		t.Fatalf("second fire price = %v, want ask %v", st.SecondFirePrice, ask)
	}
	if got, want := st.SingleFireTriggerPrice, ask+3*cfg.cfg.GridDistance; got != want {
		t.Fatalf("single fire trigger = %v, want %v", got, want)
	}
	if got, want := st.ProtectionTriggerPrice, ask-cfg.cfg.ProtectionDistance; got != want {
		t.Fatalf("protection trigger = %v, want %v", got, want)
	}
}

func TestNoSecondFireInsideGrid(t *testing.T) {
	e, v, cfg := newTestEngine(t)
	v.SetTick(testSymbol, 2000, 1999.8)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Just inside the grid on both sides.
	ask := 2000 + cfg.cfg.GridDistance - 0.01
	v.SetTick(testSymbol, ask, ask-0.2)
	mustTick(t, e, ask, ask-0.2)

	bid := 2000 - cfg.cfg.GridDistance + 0.01
	v.SetTick(testSymbol, bid+0.2, bid)
	mustTick(t, e, bid+0.2, bid)

	if st := e.Status(); st.Phase != "AWAITING_SECOND" {
		t.Fatalf("phase = %s, want AWAITING_SECOND", st.Phase)
	}
}

// driveToPairsComplete starts a cycle at 2000 and walks the price down one
// grid distance so Pair 2 fires with location DOWN.
func driveToPairsComplete(t *testing.T, e *Engine, v *sim.Venue, cfg config.SymbolConfig) float64 {
	t.Helper()
	v.SetTick(testSymbol, 2000, 1999.8)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	bid := 2000 - cfg.GridDistance
	v.SetTick(testSymbol, bid+0.2, bid)
	mustTick(t, e, bid+0.2, bid)
	if st := e.Status(); st.Phase != "PAIRS_COMPLETE" {
		t.Fatalf("setup: phase = %s, want PAIRS_COMPLETE", st.Phase)
	}
	return bid
}

func TestSingleFireOnTriggerDown(t *testing.T) {
	e, v, cfg := newTestEngine(t)
	second := driveToPairsComplete(t, e, v, cfg.cfg)

	st := e.Status()
	bxTicket := st.Legs["bx"].Ticket
	sxTicket := st.Legs["sx"].Ticket

	trigger := second - 3*cfg.cfg.GridDistance
	v.SetTick(testSymbol, trigger+0.2, trigger)
	mustTick(t, e, trigger+0.2, trigger)

	st = e.Status()
	if st.Phase != "MONITORING" {
		t.Fatalf("phase = %s, want MONITORING", st.Phase)
	}
	if st.Legs["single_fire"].Ticket == 0 {
		t.Fatal("single fire leg should be open")
	}

	// The against-location pair (Bx, Sx) must have been force-closed.
	positions, err := v.OpenPositions(context.Background(), testSymbol)
	if err != nil {
		t.Fatalf("OpenPositions: %v", err)
	}
	for _, pos := range positions {
		if pos.Ticket == bxTicket || pos.Ticket == sxTicket {
			t.Fatalf("ticket %d should have been force-closed", pos.Ticket)
		}
	}
}

func TestProtectionResetDown(t *testing.T) {
	e, v, cfg := newTestEngine(t)
	second := driveToPairsComplete(t, e, v, cfg.cfg)

	protection := second + cfg.cfg.ProtectionDistance
	v.SetTick(testSymbol, protection, protection-0.2)
	mustTick(t, e, protection, protection-0.2)

	st := e.Status()
	if !st.Running {
		t.Fatal("engine should auto-restart after a protection reset")
	}
	if st.CycleCount != 1 {
		t.Fatalf("cycle count = %d, want 1", st.CycleCount)
	}
	if st.Phase != "AWAITING_SECOND" {
		t.Fatalf("phase = %s, want AWAITING_SECOND after restart", st.Phase)
	}
	// The new cycle owns exactly Pair 1.
	if n := openCount(t, v); n != 2 {
		t.Fatalf("open positions after reset = %d, want 2", n)
	}
	if st.Legs["sx"].Ticket != 0 || st.Legs["single_fire"].Ticket != 0 {
		t.Fatalf("per-cycle slots must be cleared: %+v", st.Legs)
	}
}

func TestTriggerAndProtectionMutuallyExclusive(t *testing.T) {
	e, v, cfg := newTestEngine(t)
	second := driveToPairsComplete(t, e, v, cfg.cfg)

	// Hit the single fire trigger first; a later protection-level quote must
	// not cause a reset because the trigger check is disarmed once executed.
	trigger := second - 3*cfg.cfg.GridDistance
	v.SetTick(testSymbol, trigger+0.2, trigger)
	mustTick(t, e, trigger+0.2, trigger)

	if st := e.Status(); st.CycleCount != 0 {
		t.Fatalf("cycle count = %d, want 0 after single fire", st.CycleCount)
	}
}

func TestSingleFireClosedEndsCycle(t *testing.T) {
	e, v, cfg := newTestEngine(t)
	second := driveToPairsComplete(t, e, v, cfg.cfg)

	trigger := second - 3*cfg.cfg.GridDistance
	v.SetTick(testSymbol, trigger+0.2, trigger)
	mustTick(t, e, trigger+0.2, trigger)

	sfTicket := e.Status().Legs["single_fire"].Ticket
	if sfTicket == 0 {
		t.Fatal("setup: single fire should be open")
	}

	// Broker fills the single fire TP; the engine notices on the next tick.
	v.DropPosition(sfTicket)
	mustTick(t, e, trigger+0.2, trigger)

	st := e.Status()
	if !st.Running {
		t.Fatal("engine should auto-restart after single fire closes")
	}
	if st.CycleCount != 1 {
		t.Fatalf("cycle count = %d, want 1", st.CycleCount)
	}
}

func TestAllClosedRestartsCycle(t *testing.T) {
	e, v, cfg := newTestEngine(t)
	driveToPairsComplete(t, e, v, cfg.cfg)

	st := e.Status()
	for _, leg := range []string{"bx", "sy", "sx", "by"} {
		if st.Legs[leg].Ticket != 0 {
			v.DropPosition(st.Legs[leg].Ticket)
		}
	}

	// Reuse the current quote; all tracked tickets are now gone at the venue.
	bid := 2000 - cfg.cfg.GridDistance
	mustTick(t, e, bid+0.2, bid)

	st = e.Status()
	if st.CycleCount != 1 {
		t.Fatalf("cycle count = %d, want 1", st.CycleCount)
	}
	if !st.Running || st.Phase != "AWAITING_SECOND" {
		t.Fatalf("engine should have restarted: running=%v phase=%s", st.Running, st.Phase)
	}
}

func TestGracefulStopSkipsPairTwo(t *testing.T) {
	e, v, cfg := newTestEngine(t)
	v.SetTick(testSymbol, 2000, 1999.8)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !e.Running() {
		t.Fatal("engine should keep running while Pair 1 is open")
	}

	bid := 2000 - cfg.cfg.GridDistance
	v.SetTick(testSymbol, bid+0.2, bid)
	mustTick(t, e, bid+0.2, bid)

	st := e.Status()
	if st.Phase != "PAIRS_COMPLETE" {
		t.Fatalf("phase = %s, want PAIRS_COMPLETE", st.Phase)
	}
	if st.Legs["sx"].Ticket != 0 || st.Legs["by"].Ticket != 0 {
		t.Fatal("graceful stop must not fire Pair 2")
	}
	if n := openCount(t, v); n != 2 {
		t.Fatalf("open positions = %d, want only Pair 1", n)
	}
}

func TestGracefulStopIsTerminal(t *testing.T) {
	e, v, cfg := newTestEngine(t)
	driveToPairsComplete(t, e, v, cfg.cfg)
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	st := e.Status()
	for _, leg := range []string{"bx", "sy", "sx", "by"} {
		if st.Legs[leg].Ticket != 0 {
			v.DropPosition(st.Legs[leg].Ticket)
		}
	}

	bid := 2000 - cfg.cfg.GridDistance
	mustTick(t, e, bid+0.2, bid)

	st = e.Status()
	if st.Running {
		t.Fatal("engine should stop once all legs close under a graceful stop")
	}
	if st.Phase != "IDLE" {
		t.Fatalf("phase = %s, want IDLE", st.Phase)
	}
	if n := openCount(t, v); n != 0 {
		t.Fatalf("open positions = %d, want 0", n)
	}
}

func TestStopWithNoOpenLegsStopsImmediately(t *testing.T) {
	e, v, _ := newTestEngine(t)
	v.SetTick(testSymbol, 2000, 1999.8)
	v.FailOrders(true)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	v.FailOrders(false)

	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if e.Running() {
		t.Fatal("engine with zero open legs should stop at once")
	}
}

func TestTerminateClosesEverythingAndClearsCycle(t *testing.T) {
	e, v, cfg := newTestEngine(t)
	second := driveToPairsComplete(t, e, v, cfg.cfg)

	// Bump the cycle counter via a protection reset first.
	protection := second + cfg.cfg.ProtectionDistance
	v.SetTick(testSymbol, protection, protection-0.2)
	mustTick(t, e, protection, protection-0.2)
	if st := e.Status(); st.CycleCount != 1 {
		t.Fatalf("setup: cycle count = %d, want 1", st.CycleCount)
	}

	if err := e.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	st := e.Status()
	if st.Running {
		t.Fatal("terminated engine should not be running")
	}
	if st.CycleCount != 0 {
		t.Fatalf("terminate must clear the cycle counter, got %d", st.CycleCount)
	}
	if n := openCount(t, v); n != 0 {
		t.Fatalf("open positions after terminate = %d, want 0", n)
	}

	// Ticks after terminate are ignored.
	v.SetTick(testSymbol, 2000, 1999.8)
	mustTick(t, e, 2000, 1999.8)
	if n := openCount(t, v); n != 0 {
		t.Fatalf("terminated engine fired an order: %d positions", n)
	}
}

func TestRealizedPnLFromTPClose(t *testing.T) {
	e, v, cfg := newTestEngine(t)
	v.SetTick(testSymbol, 2000, 1999.8)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st := e.Status()
	bx := st.Legs["bx"]

	// Quote reaches the Bx take profit (entry + tp distance); the sim venue
	// fills it and the engine classifies the drop via the latched touch flag.
	tpBid := bx.Entry + cfg.cfg.TPPips
	v.SetTick(testSymbol, tpBid+0.2, tpBid)
	mustTick(t, e, tpBid+0.2, tpBid)

	st = e.Status()
	if st.Legs["bx"].Ticket != 0 {
		t.Fatal("bx slot should be cleared after the TP fill")
	}
	want := cfg.cfg.TPPips * cfg.cfg.BxLot
	if math.Abs(st.RealizedPnL-want) > 1e-9 {
		t.Fatalf("realized pnl = %v, want %v", st.RealizedPnL, want)
	}
}

func TestMinStopDistanceClamp(t *testing.T) {
	e, v, _ := newTestEngine(t)
	v.SetMinStopDistance(testSymbol, 300) // wider than tp_pips=150 and sl_pips=200
	v.SetTick(testSymbol, 2000, 1999.8)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st := e.Status()
	bx := st.Legs["bx"]
	if bx.Ticket == 0 {
		t.Fatal("bx should be open")
	}

	// Bid at entry+250 is above the configured TP but below the clamped one.
	v.SetTick(testSymbol, bx.Entry+250.2, bx.Entry+250)
	mustTick(t, e, bx.Entry+250.2, bx.Entry+250)
	if e.Status().Legs["bx"].Ticket == 0 {
		t.Fatal("bx must not close below the clamped TP level")
	}

	v.SetTick(testSymbol, bx.Entry+300.2, bx.Entry+300)
	mustTick(t, e, bx.Entry+300.2, bx.Entry+300)
	if e.Status().Legs["bx"].Ticket != 0 {
		t.Fatal("bx should close at the clamped TP level")
	}
}

func TestDropWithoutTouchFallsBackToNearestLevel(t *testing.T) {
	e, v, cfg := newTestEngine(t)
	v.SetTick(testSymbol, 2000, 1999.8)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st := e.Status()
	bx := st.Legs["bx"]

	// Position vanishes broker-side with no TP/SL touch ever latched. The
	// current bid sits nearer the stop loss than the take profit, so the
	// close counts as SL. The quote stays above the Sy take profit so only
	// Bx resolves on this tick.
	v.DropPosition(bx.Ticket)
	nearSL := bx.Entry - 100
	mustTick(t, e, nearSL+0.2, nearSL)

	st = e.Status()
	if st.Legs["bx"].Ticket != 0 {
		t.Fatal("bx slot should be cleared")
	}
	want := -cfg.cfg.SLPips * cfg.cfg.BxLot
	if math.Abs(st.RealizedPnL-want) > 1e-9 {
		t.Fatalf("realized pnl = %v, want SL close %v", st.RealizedPnL, want)
	}
}

func TestFailedLegLeavesSlotEmpty(t *testing.T) {
	e, v, _ := newTestEngine(t)
	v.SetTick(testSymbol, 2000, 1999.8)
	v.FailOrders(true)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start should succeed even when legs fail: %v", err)
	}

	st := e.Status()
	if st.Phase != "AWAITING_SECOND" {
		t.Fatalf("phase = %s, want AWAITING_SECOND", st.Phase)
	}
	if st.Legs["bx"].Ticket != 0 || st.Legs["sy"].Ticket != 0 {
		t.Fatal("failed orders must leave slots empty")
	}
	if st.OpenPositions != 0 {
		t.Fatalf("open legs = %d, want 0", st.OpenPositions)
	}
}

func TestTicketResolutionWithSharedTag(t *testing.T) {
	// Two engines on the same symbol share the venue; the before/after
	// position diff must attribute each new ticket to the engine that sent it.
	v := sim.New()
	cfg := testConfig()
	e1 := NewEngine("u1", testSymbol, cfg, v, nil)
	e2 := NewEngine("u2", testSymbol, cfg, v, nil)

	v.SetTick(testSymbol, 2000, 1999.8)
	if err := e1.Start(context.Background()); err != nil {
		t.Fatalf("e1 Start: %v", err)
	}
	if err := e2.Start(context.Background()); err != nil {
		t.Fatalf("e2 Start: %v", err)
	}

	s1, s2 := e1.Status(), e2.Status()
	seen := map[int64]bool{}
	for _, st := range []Status{s1, s2} {
		for _, leg := range []string{"bx", "sy"} {
			ticket := st.Legs[leg].Ticket
			if ticket == 0 {
				t.Fatalf("missing %s ticket", leg)
			}
			if seen[ticket] {
				t.Fatalf("ticket %d attributed to both engines", ticket)
			}
			seen[ticket] = true
		}
	}
}

func TestOnTickIgnoresInvalidQuotes(t *testing.T) {
	e, v, _ := newTestEngine(t)
	v.SetTick(testSymbol, 2000, 1999.8)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	before := e.Status()
	mustTick(t, e, 0, 1999.8)
	mustTick(t, e, 2000, -1)
	after := e.Status()

	if before.Phase != after.Phase || before.CycleCount != after.CycleCount {
		t.Fatal("invalid quotes must not advance the state machine")
	}
}

func TestOnTickReturnsReconcileError(t *testing.T) {
	e, v, cfg := newTestEngine(t)
	driveToPairsComplete(t, e, v, cfg.cfg)

	v.SetHealthy(false)
	if err := e.OnTick(context.Background(), 1950.2, 1950); err == nil {
		t.Fatal("OnTick should surface a venue reconcile failure")
	}
	v.SetHealthy(true)
	mustTick(t, e, 1950.2, 1950)
}

func TestTouchFlagLatchSurvivesWhipsaw(t *testing.T) {
	e, v, cfg := newTestEngine(t)
	v.SetTick(testSymbol, 2000, 1999.8)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st := e.Status()
	bx := st.Legs["bx"]

	// Drop the venue position silently, then quote through the TP level and
	// straight back down toward the SL: the latched TP touch must win even
	// though the final quote sits nearer the stop loss.
	v.DropPosition(bx.Ticket)
	tp := bx.Entry + cfg.cfg.TPPips

	e.mu.Lock()
	e.updateTouchFlagsLocked(tp+0.2, tp)
	e.mu.Unlock()

	nearSL := bx.Entry - 100
	mustTick(t, e, nearSL+0.2, nearSL)

	want := cfg.cfg.TPPips * cfg.cfg.BxLot
	if got := e.Status().RealizedPnL; math.Abs(got-want) > 1e-9 {
		t.Fatalf("realized pnl = %v, want TP close %v", got, want)
	}
}

func TestResetSweepsOrphanPositions(t *testing.T) {
	e, v, cfg := newTestEngine(t)
	second := driveToPairsComplete(t, e, v, cfg.cfg)

	// An untracked position on the same symbol (e.g. left over from a crash).
	orphan, err := v.PlaceMarketOrder(context.Background(), venue.OrderRequest{
		Symbol: testSymbol, Direction: venue.Buy, Lot: 0.01,
	})
	if err != nil {
		t.Fatalf("placing orphan: %v", err)
	}

	protection := second + cfg.cfg.ProtectionDistance
	v.SetTick(testSymbol, protection, protection-0.2)
	mustTick(t, e, protection, protection-0.2)

	positions, err := v.OpenPositions(context.Background(), testSymbol)
	if err != nil {
		t.Fatalf("OpenPositions: %v", err)
	}
	for _, pos := range positions {
		if pos.Ticket == orphan {
			t.Fatal("reset sweep must close orphan positions")
		}
	}
}
