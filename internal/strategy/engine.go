// Package strategy implements the paired-position strategy state machine for
// one (user, symbol). A cycle opens Pair 1 (Bx buy + Sy sell), waits for the
// grid distance, opens Pair 2 (Sx sell + By buy), then either fires a single
// recovery order at the trigger price or resets when the protection distance
// is breached. Cycles auto-restart until a graceful stop or terminate.
package strategy

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"

	"pairtrade-core/internal/config"
	"pairtrade-core/internal/events"
	"pairtrade-core/internal/venue"
)

// ConfigSource serves live symbol configuration. Reads happen on every access
// so parameter edits apply to the next leg fired, never retroactively.
type ConfigSource interface {
	Symbol(symbol string) (config.SymbolConfig, bool)
}

// Engine runs the strategy state machine for one symbol of one user.
// All transitions are serialized by a single mutex: a tick can never be
// processed concurrently with another tick, Start, Stop or Terminate for the
// same engine.
type Engine struct {
	userID string
	symbol string
	cfg    ConfigSource
	venue  venue.Venue
	bus    *events.Bus

	mu           sync.Mutex
	running      bool
	gracefulStop bool
	st           state
	tickets      map[int64]ticketRecord
	touches      map[int64]*touchFlags
}

// NewEngine creates an idle engine for a symbol.
func NewEngine(userID, symbol string, cfg ConfigSource, v venue.Venue, bus *events.Bus) *Engine {
	return &Engine{
		userID:  userID,
		symbol:  symbol,
		cfg:     cfg,
		venue:   v,
		bus:     bus,
		tickets: make(map[int64]ticketRecord),
		touches: make(map[int64]*touchFlags),
	}
}

// Symbol returns the symbol this engine trades.
func (e *Engine) Symbol() string { return e.symbol }

// Running reports whether the engine is live.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// GracefulStopping reports whether a graceful stop has been requested.
func (e *Engine) GracefulStopping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gracefulStop
}

// Start fires Pair 1 and moves to AWAITING_SECOND. No-op when already running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}
	e.running = true
	e.gracefulStop = false

	if err := e.beginCycleLocked(ctx); err != nil {
		e.running = false
		e.setPhaseLocked(PhaseIdle)
		return err
	}
	return nil
}

// Stop requests a graceful stop: the current cycle finishes naturally. When
// no legs are open at the moment of the call the engine stops immediately.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil
	}
	e.gracefulStop = true
	log.Printf("strategy %s/%s: graceful stop requested (cycle %d)", e.userID, e.symbol, e.st.cycleCount)

	if e.st.openLegs() == 0 {
		e.stopCompletelyLocked("graceful_stop")
	}
	return nil
}

// Terminate force-closes every venue position for the symbol, clears all
// state including the cycle counter, and stops. Never restarts.
func (e *Engine) Terminate(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	closed, err := e.closeAllVenuePositionsLocked(ctx)
	if err != nil {
		log.Printf("strategy %s/%s: terminate: listing positions failed: %v", e.userID, e.symbol, err)
	}
	log.Printf("strategy %s/%s: terminate closed %d positions", e.userID, e.symbol, closed)

	e.st = state{}
	e.tickets = make(map[int64]ticketRecord)
	e.touches = make(map[int64]*touchFlags)
	e.gracefulStop = false

	if e.running {
		e.running = false
		e.publish(events.EventEngineStopped, events.EngineStopped{
			UserID: e.userID, Symbol: e.symbol, Reason: "terminate", Cycle: 0,
		})
	}
	return err
}

// OnTick processes one quote. No-op unless running and past IDLE.
func (e *Engine) OnTick(ctx context.Context, ask, bid float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running || e.st.phase == PhaseIdle {
		return nil
	}
	if ask <= 0 || bid <= 0 {
		return nil
	}

	// 1. Latch TP/SL touches before anything can clear the tickets.
	e.updateTouchFlagsLocked(ask, bid)

	// 2. Reconcile tracked tickets against the venue.
	if err := e.detectDropsLocked(ctx, ask, bid); err != nil {
		return fmt.Errorf("strategy %s/%s: position reconcile: %w", e.userID, e.symbol, err)
	}

	// 3. Single fire gone means the recovery leg resolved; cycle is done.
	if e.st.phase == PhaseMonitoring && e.st.singleFireExecuted && !e.st.singleFire.open() {
		return e.resetAndRestartLocked(ctx, ReasonSingleFireClosed)
	}

	// 4. Math triggers, armed from PAIRS_COMPLETE until the single fire goes
	// out. They stay live during a graceful wind-down: the recovery leg is
	// part of letting the cycle finish naturally.
	if e.st.phase == PhasePairsComplete && !e.st.singleFireExecuted && e.st.secondFirePrice > 0 {
		if err := e.checkMathTriggersLocked(ctx, ask, bid); err != nil {
			return err
		}
	}

	// 5. Everything closed naturally: stop or roll into the next cycle.
	if e.st.phase == PhasePairsComplete || e.st.phase == PhaseMonitoring {
		if e.st.openLegs() == 0 {
			if e.gracefulStop {
				e.stopCompletelyLocked("graceful_stop_complete")
				return nil
			}
			return e.resetAndRestartLocked(ctx, ReasonAllClosed)
		}
	}

	// 6. Waiting for the grid distance to fire Pair 2.
	if e.st.phase == PhaseAwaitingSecond {
		e.advanceSecondFireLocked(ctx, ask, bid)
	}
	return nil
}

// Status snapshots the engine for aggregation.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	singleFireDir := ""
	if e.st.singleFireExecuted {
		singleFireDir = e.st.singleFireDir.String()
	}

	return Status{
		Symbol:                 e.symbol,
		Running:                e.running,
		Phase:                  e.st.phase.String(),
		SingleFireDirection:    singleFireDir,
		CycleCount:             e.st.cycleCount,
		StartPrice:             e.st.startPrice,
		Location:               e.st.location.String(),
		SecondFirePrice:        e.st.secondFirePrice,
		SingleFireTriggerPrice: e.st.singleFireTriggerPrice,
		ProtectionTriggerPrice: e.st.protectionTriggerPrice,
		RealizedPnL:            e.st.realizedPnL,
		GracefulStop:           e.gracefulStop,
		OpenPositions:          e.st.openLegs(),
		Resetting:              e.st.phase == PhaseResetting,
		Legs: map[string]LegStatus{
			"bx":          {Ticket: e.st.bx.ticket, Entry: e.st.bx.entry},
			"sy":          {Ticket: e.st.sy.ticket, Entry: e.st.sy.entry},
			"sx":          {Ticket: e.st.sx.ticket, Entry: e.st.sx.entry},
			"by":          {Ticket: e.st.by.ticket, Entry: e.st.by.entry},
			"single_fire": {Ticket: e.st.singleFire.ticket, Entry: e.st.singleFire.entry},
		},
	}
}

// --- Cycle lifecycle ---

// beginCycleLocked reads the start price and fires Pair 1. It is also the
// re-entry point after a reset; it never resets itself, so restart depth is
// bounded by construction.
func (e *Engine) beginCycleLocked(ctx context.Context) error {
	cfg, ok := e.cfg.Symbol(e.symbol)
	if !ok {
		return fmt.Errorf("strategy %s/%s: no configuration", e.userID, e.symbol)
	}

	tick, err := e.venue.Tick(ctx, e.symbol)
	if err != nil {
		return fmt.Errorf("strategy %s/%s: start tick: %w", e.userID, e.symbol, err)
	}

	e.st.startPrice = tick.Ask
	e.publish(events.EventCycleStarted, events.CycleStarted{
		UserID: e.userID, Symbol: e.symbol, StartPrice: tick.Ask, Cycle: e.st.cycleCount,
	})

	// A failed leg is logged inside fireLocked, not retried; reconciliation
	// self-corrects on later ticks.
	if ticket, entry := e.fireLocked(ctx, venue.Buy, cfg.BxLot, LegBx, cfg.TPPips, cfg.SLPips); ticket != 0 {
		e.st.bx = slot{ticket: ticket, entry: entry}
	}
	if ticket, entry := e.fireLocked(ctx, venue.Sell, cfg.SyLot, LegSy, cfg.TPPips, cfg.SLPips); ticket != 0 {
		e.st.sy = slot{ticket: ticket, entry: entry}
	}

	e.setPhaseLocked(PhaseAwaitingSecond)
	return nil
}

// resetAndRestartLocked closes every venue position for the symbol (orphans
// included), clears per-cycle state, bumps the cycle counter and either stops
// (graceful) or begins the next cycle.
func (e *Engine) resetAndRestartLocked(ctx context.Context, reason string) error {
	oldCycle := e.st.cycleCount
	pnl := e.st.realizedPnL
	e.setPhaseLocked(PhaseResetting)

	if _, err := e.closeAllVenuePositionsLocked(ctx); err != nil {
		log.Printf("strategy %s/%s: reset sweep: %v", e.userID, e.symbol, err)
	}

	e.st.resetForNewCycle()
	e.tickets = make(map[int64]ticketRecord)
	e.touches = make(map[int64]*touchFlags)

	log.Printf("strategy %s/%s: cycle %d reset (%s), pnl %.2f", e.userID, e.symbol, oldCycle, reason, pnl)
	e.publish(events.EventCycleReset, events.CycleReset{
		UserID: e.userID, Symbol: e.symbol, Reason: reason,
		RealizedPnL: pnl, OldCycle: oldCycle, NewCycle: e.st.cycleCount,
	})

	if e.gracefulStop {
		e.stopCompletelyLocked("graceful_stop_complete")
		return nil
	}

	if err := e.beginCycleLocked(ctx); err != nil {
		// Could not open the next cycle; stop rather than strand a running
		// engine with no legs and no start price.
		log.Printf("strategy %s/%s: restart failed: %v", e.userID, e.symbol, err)
		e.stopCompletelyLocked("restart_failed")
		return err
	}
	return nil
}

func (e *Engine) stopCompletelyLocked(reason string) {
	e.running = false
	e.setPhaseLocked(PhaseIdle)
	log.Printf("strategy %s/%s: stopped (%s) after cycle %d", e.userID, e.symbol, reason, e.st.cycleCount)
	e.publish(events.EventEngineStopped, events.EngineStopped{
		UserID: e.userID, Symbol: e.symbol, Reason: reason, Cycle: e.st.cycleCount,
	})
}

func (e *Engine) setPhaseLocked(to Phase) {
	if e.st.phase == to {
		return
	}
	from := e.st.phase
	e.st.phase = to
	e.publish(events.EventPhaseChanged, events.PhaseChanged{
		UserID: e.userID, Symbol: e.symbol,
		From: from.String(), To: to.String(), Cycle: e.st.cycleCount,
	})
}

// --- Tick pipeline steps ---

func (e *Engine) updateTouchFlagsLocked(ask, bid float64) {
	for ticket, rec := range e.tickets {
		flags := e.touches[ticket]
		if flags == nil {
			flags = &touchFlags{}
			e.touches[ticket] = flags
		}
		if rec.direction == venue.Buy {
			// Buys close at bid.
			if !flags.tpTouched && bid >= rec.takeProfit {
				flags.tpTouched = true
			}
			if !flags.slTouched && bid <= rec.stopLoss {
				flags.slTouched = true
			}
		} else {
			// Sells close at ask.
			if !flags.tpTouched && ask <= rec.takeProfit {
				flags.tpTouched = true
			}
			if !flags.slTouched && ask >= rec.stopLoss {
				flags.slTouched = true
			}
		}
	}
}

func (e *Engine) detectDropsLocked(ctx context.Context, ask, bid float64) error {
	if len(e.tickets) == 0 {
		return nil
	}

	open, err := e.venue.OpenPositions(ctx, e.symbol)
	if err != nil {
		return err
	}
	openSet := make(map[int64]struct{}, len(open))
	for _, pos := range open {
		openSet[pos.Ticket] = struct{}{}
	}

	for ticket, rec := range e.tickets {
		if _, still := openSet[ticket]; still {
			continue
		}

		flags := e.touches[ticket]
		isTP := flags != nil && flags.tpTouched
		isSL := flags != nil && flags.slTouched
		if !isTP && !isSL {
			// Latch missed (engine was behind); classify by whichever level
			// sits nearer the side-correct current price.
			cur := bid
			if rec.direction == venue.Sell {
				cur = ask
			}
			isTP = math.Abs(cur-rec.takeProfit) < math.Abs(cur-rec.stopLoss)
			isSL = !isTP
		}

		closePrice := rec.takeProfit
		if isSL && !isTP {
			closePrice = rec.stopLoss
		}

		var realized float64
		if rec.direction == venue.Buy {
			realized = (closePrice - rec.entry) * rec.lot
		} else {
			realized = (rec.entry - closePrice) * rec.lot
		}
		e.st.realizedPnL += realized

		e.st.clearTicket(ticket)
		delete(e.tickets, ticket)
		delete(e.touches, ticket)

		log.Printf("strategy %s/%s: %s #%d closed @ %.5f (tp=%v) pnl %.2f",
			e.userID, e.symbol, rec.leg, ticket, closePrice, isTP && !isSL, realized)
		e.publish(events.EventLegClosed, events.LegClosed{
			UserID: e.userID, Symbol: e.symbol, Leg: string(rec.leg), Ticket: ticket,
			ClosePrice: closePrice, RealizedPnL: realized, TakeProfit: isTP && !isSL,
			Cycle: e.st.cycleCount,
		})
	}
	return nil
}

func (e *Engine) checkMathTriggersLocked(ctx context.Context, ask, bid float64) error {
	// Trigger and protection sit on opposite sides of the second fire price,
	// so at most one branch can fire per tick.
	switch e.st.location {
	case LocationDown:
		if bid <= e.st.singleFireTriggerPrice {
			e.executeSingleFireLocked(ctx, venue.Buy)
			e.forceClosePairLocked(ctx, &e.st.bx, &e.st.sx)
			return nil
		}
		if ask >= e.st.protectionTriggerPrice {
			return e.resetAndRestartLocked(ctx, ReasonProtectionDistance)
		}
	case LocationUp:
		if ask >= e.st.singleFireTriggerPrice {
			e.executeSingleFireLocked(ctx, venue.Sell)
			e.forceClosePairLocked(ctx, &e.st.sy, &e.st.by)
			return nil
		}
		if bid <= e.st.protectionTriggerPrice {
			return e.resetAndRestartLocked(ctx, ReasonProtectionDistance)
		}
	}
	return nil
}

func (e *Engine) executeSingleFireLocked(ctx context.Context, dir venue.Direction) {
	cfg, ok := e.cfg.Symbol(e.symbol)
	if !ok {
		return
	}

	ticket, entry := e.fireLocked(ctx, dir, cfg.SingleFireLot, LegSingleFire,
		cfg.SingleFireTPPips, cfg.SingleFireSLPips)
	if ticket != 0 {
		e.st.singleFire = slot{ticket: ticket, entry: entry}
	}
	e.st.singleFireDir = dir

	// Executed even when the order failed: the empty slot makes the next
	// tick resolve the cycle through the single-fire-closed path.
	e.st.singleFireExecuted = true
	e.setPhaseLocked(PhaseMonitoring)
}

// forceClosePairLocked closes two legs at market. Broker spread can keep
// their own TP/SL from ever filling once the single fire is on. Tracking is
// left to drop detection so realized P/L lands in one place.
func (e *Engine) forceClosePairLocked(ctx context.Context, a, b *slot) {
	for _, s := range []*slot{a, b} {
		if !s.open() {
			continue
		}
		if err := e.venue.ClosePosition(ctx, s.ticket); err != nil {
			log.Printf("strategy %s/%s: force close #%d: %v", e.userID, e.symbol, s.ticket, err)
		}
	}
}

func (e *Engine) advanceSecondFireLocked(ctx context.Context, ask, bid float64) {
	cfg, ok := e.cfg.Symbol(e.symbol)
	if !ok {
		return
	}

	up := ask >= e.st.startPrice+cfg.GridDistance
	down := bid <= e.st.startPrice-cfg.GridDistance
	if !up && !down {
		return
	}

	if up {
		e.st.location = LocationUp
		e.st.secondFirePrice = ask
		e.st.singleFireTriggerPrice = e.st.secondFirePrice + 3*cfg.GridDistance
		e.st.protectionTriggerPrice = e.st.secondFirePrice - cfg.ProtectionDistance
	} else {
		e.st.location = LocationDown
		e.st.secondFirePrice = bid
		e.st.singleFireTriggerPrice = e.st.secondFirePrice - 3*cfg.GridDistance
		e.st.protectionTriggerPrice = e.st.secondFirePrice + cfg.ProtectionDistance
	}

	if e.gracefulStop {
		// Winding down: skip Pair 2, let Pair 1 run out on its own stops.
		e.setPhaseLocked(PhasePairsComplete)
		return
	}

	if ticket, entry := e.fireLocked(ctx, venue.Sell, cfg.SxLot, LegSx, cfg.TPPips, cfg.SLPips); ticket != 0 {
		e.st.sx = slot{ticket: ticket, entry: entry}
	}
	if ticket, entry := e.fireLocked(ctx, venue.Buy, cfg.ByLot, LegBy, cfg.TPPips, cfg.SLPips); ticket != 0 {
		e.st.by = slot{ticket: ticket, entry: entry}
	}

	e.setPhaseLocked(PhasePairsComplete)
}

// --- Order placement ---

// fireLocked places one market order with TP/SL derived from the side-correct
// price, clamped to the venue's minimum stop distance. The new ticket is
// resolved by diffing open positions before and after the send: multiple
// engines share one identifying tag, so the tag alone cannot tell legs apart.
// Returns (0, 0) on any failure; callers treat that as a missing leg.
func (e *Engine) fireLocked(ctx context.Context, dir venue.Direction, lot float64, leg Leg, tpPips, slPips float64) (int64, float64) {
	tick, err := e.venue.Tick(ctx, e.symbol)
	if err != nil {
		log.Printf("strategy %s/%s: fire %s: tick: %v", e.userID, e.symbol, leg, err)
		return 0, 0
	}

	var execPrice, tp, sl float64
	if dir == venue.Buy {
		execPrice = tick.Ask
		tp = execPrice + tpPips
		sl = execPrice - slPips
	} else {
		execPrice = tick.Bid
		tp = execPrice - tpPips
		sl = execPrice + slPips
	}

	if minDist, err := e.venue.MinStopDistance(ctx, e.symbol); err == nil && minDist > 0 {
		if dir == venue.Buy {
			if tp-execPrice < minDist {
				tp = execPrice + minDist
			}
			if execPrice-sl < minDist {
				sl = execPrice - minDist
			}
		} else {
			if execPrice-tp < minDist {
				tp = execPrice - minDist
			}
			if sl-execPrice < minDist {
				sl = execPrice + minDist
			}
		}
	} else if err != nil {
		log.Printf("strategy %s/%s: fire %s: stop distance: %v", e.userID, e.symbol, leg, err)
	}

	// Snapshot before sending so the new ticket is unambiguous afterwards.
	before, err := e.venue.OpenPositions(ctx, e.symbol)
	if err != nil {
		log.Printf("strategy %s/%s: fire %s: snapshot: %v", e.userID, e.symbol, leg, err)
		return 0, 0
	}
	beforeSet := make(map[int64]struct{}, len(before))
	for _, pos := range before {
		beforeSet[pos.Ticket] = struct{}{}
	}

	ticket, err := e.venue.PlaceMarketOrder(ctx, venue.OrderRequest{
		Symbol:     e.symbol,
		Direction:  dir,
		Lot:        lot,
		TakeProfit: tp,
		StopLoss:   sl,
		Tag:        fmt.Sprintf("%s C%d", leg, e.st.cycleCount),
	})
	if err != nil {
		log.Printf("strategy %s/%s: fire %s failed: %v", e.userID, e.symbol, leg, err)
		return 0, 0
	}

	actualTicket := ticket
	actualEntry := execPrice
	if after, err := e.venue.OpenPositions(ctx, e.symbol); err == nil {
		var appeared []venue.Position
		for _, pos := range after {
			if _, seen := beforeSet[pos.Ticket]; !seen {
				appeared = append(appeared, pos)
			}
		}
		for _, pos := range appeared {
			if pos.Ticket == ticket {
				actualTicket = pos.Ticket
				actualEntry = pos.EntryPrice
				appeared = nil
				break
			}
		}
		if len(appeared) == 1 {
			actualTicket = appeared[0].Ticket
			actualEntry = appeared[0].EntryPrice
		}
	}

	e.tickets[actualTicket] = ticketRecord{
		leg:        leg,
		direction:  dir,
		entry:      actualEntry,
		takeProfit: tp,
		stopLoss:   sl,
		lot:        lot,
	}
	e.touches[actualTicket] = &touchFlags{}

	log.Printf("strategy %s/%s: fired %s %s %.2f @ %.5f tp %.5f sl %.5f #%d",
		e.userID, e.symbol, leg, dir, lot, actualEntry, tp, sl, actualTicket)
	e.publish(events.EventLegFired, events.LegFired{
		UserID: e.userID, Symbol: e.symbol, Leg: string(leg), Ticket: actualTicket,
		Entry: actualEntry, Lot: lot, Cycle: e.st.cycleCount,
	})
	return actualTicket, actualEntry
}

// closeAllVenuePositionsLocked sweeps every open position for the symbol,
// tracked or not, so orphans never survive a reset.
func (e *Engine) closeAllVenuePositionsLocked(ctx context.Context) (int, error) {
	open, err := e.venue.OpenPositions(ctx, e.symbol)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, pos := range open {
		if err := e.venue.ClosePosition(ctx, pos.Ticket); err != nil {
			log.Printf("strategy %s/%s: close #%d: %v", e.userID, e.symbol, pos.Ticket, err)
			continue
		}
		closed++
	}
	return closed, nil
}

func (e *Engine) publish(ev events.Event, payload any) {
	if e.bus != nil {
		e.bus.Publish(ev, payload)
	}
}
