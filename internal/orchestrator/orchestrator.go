// Package orchestrator keeps one strategy engine alive per enabled symbol for
// a single user, routes ticks to the owning engine and aggregates status.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"pairtrade-core/internal/config"
	"pairtrade-core/internal/events"
	"pairtrade-core/internal/strategy"
	"pairtrade-core/internal/venue"
)

// Orchestrator manages the symbol → engine map for one user.
type Orchestrator struct {
	userID string
	cfg    *config.Manager
	venue  venue.Venue
	bus    *events.Bus

	mu      sync.RWMutex
	engines map[string]*strategy.Engine
}

// AggregateStatus merges every engine's status for one user.
type AggregateStatus struct {
	Running       bool                       `json:"running"`
	GracefulStop  bool                       `json:"graceful_stop"`
	Resetting     bool                       `json:"is_resetting"`
	OpenPositions int                        `json:"open_positions"`
	ActiveCount   int                        `json:"active_count"`
	Strategies    map[string]strategy.Status `json:"strategies"`
}

// New builds an orchestrator and syncs it against the enabled symbols.
func New(cfg *config.Manager, v venue.Venue, bus *events.Bus) *Orchestrator {
	o := &Orchestrator{
		userID:  cfg.UserID(),
		cfg:     cfg,
		venue:   v,
		bus:     bus,
		engines: make(map[string]*strategy.Engine),
	}
	o.Sync()
	return o
}

// UserID returns the owning user.
func (o *Orchestrator) UserID() string { return o.userID }

// ConfiguredSymbols returns the symbols enabled in the user's configuration,
// whether or not an engine is currently running for them.
func (o *Orchestrator) ConfiguredSymbols() []string {
	return o.cfg.EnabledSymbols()
}

// RuntimeBudget returns the user's configured session budget, zero when
// unset.
func (o *Orchestrator) RuntimeBudget() time.Duration {
	return time.Duration(o.cfg.Global().MaxRuntimeMinutes * float64(time.Minute))
}

// Sync diffs the enabled-symbol configuration against the engine map:
// engines for disabled symbols are dropped (callers stop them first, or
// accept the abrupt removal), newly enabled symbols get fresh engines.
func (o *Orchestrator) Sync() {
	enabled := make(map[string]struct{})
	for _, sym := range o.cfg.EnabledSymbols() {
		enabled[sym] = struct{}{}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for sym := range o.engines {
		if _, keep := enabled[sym]; !keep {
			log.Printf("orchestrator %s: removing engine %s", o.userID, sym)
			delete(o.engines, sym)
		}
	}
	for sym := range enabled {
		if _, exists := o.engines[sym]; !exists {
			log.Printf("orchestrator %s: spawning engine %s", o.userID, sym)
			o.engines[sym] = strategy.NewEngine(o.userID, sym, o.cfg, o.venue, o.bus)
		}
	}
}

// RouteTick forwards a quote to the engine owning the symbol; no-op when the
// symbol is not owned by this user.
func (o *Orchestrator) RouteTick(ctx context.Context, symbol string, ask, bid float64) error {
	o.mu.RLock()
	eng := o.engines[symbol]
	o.mu.RUnlock()

	if eng == nil {
		return nil
	}
	return eng.OnTick(ctx, ask, bid)
}

// ActiveSymbols returns the symbols whose engines are currently running.
func (o *Orchestrator) ActiveSymbols() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var out []string
	for sym, eng := range o.engines {
		if eng.Running() {
			out = append(out, sym)
		}
	}
	return out
}

// Engines returns a snapshot of the engine map values.
func (o *Orchestrator) Engines() []*strategy.Engine {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]*strategy.Engine, 0, len(o.engines))
	for _, eng := range o.engines {
		out = append(out, eng)
	}
	return out
}

// StartAll re-syncs against config and starts every engine.
func (o *Orchestrator) StartAll(ctx context.Context) error {
	o.Sync()
	var firstErr error
	for _, eng := range o.Engines() {
		if err := eng.Start(ctx); err != nil {
			log.Printf("orchestrator %s: start %s: %v", o.userID, eng.Symbol(), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// StopAll requests a graceful stop on every engine.
func (o *Orchestrator) StopAll(ctx context.Context) {
	for _, eng := range o.Engines() {
		if err := eng.Stop(ctx); err != nil {
			log.Printf("orchestrator %s: stop %s: %v", o.userID, eng.Symbol(), err)
		}
	}
}

// StartSymbol spawns (if needed) and starts the engine for one symbol.
func (o *Orchestrator) StartSymbol(ctx context.Context, symbol string) error {
	o.mu.Lock()
	eng, exists := o.engines[symbol]
	if !exists {
		cfg, ok := o.cfg.Symbol(symbol)
		if !ok || !cfg.Enabled {
			o.mu.Unlock()
			return fmt.Errorf("orchestrator %s: symbol %s not enabled", o.userID, symbol)
		}
		eng = strategy.NewEngine(o.userID, symbol, o.cfg, o.venue, o.bus)
		o.engines[symbol] = eng
	}
	o.mu.Unlock()

	return eng.Start(ctx)
}

// StopSymbol gracefully stops and removes one symbol's engine.
func (o *Orchestrator) StopSymbol(ctx context.Context, symbol string) error {
	o.mu.Lock()
	eng := o.engines[symbol]
	delete(o.engines, symbol)
	o.mu.Unlock()

	if eng == nil {
		return nil
	}
	return eng.Stop(ctx)
}

// TerminateSymbol force-closes one symbol's positions and removes the engine.
func (o *Orchestrator) TerminateSymbol(ctx context.Context, symbol string) error {
	o.mu.Lock()
	eng := o.engines[symbol]
	delete(o.engines, symbol)
	o.mu.Unlock()

	if eng == nil {
		return fmt.Errorf("orchestrator %s: no engine for %s", o.userID, symbol)
	}
	return eng.Terminate(ctx)
}

// TerminateAll terminates every engine, then sweeps the whole account for
// residual positions that no engine tracks anymore.
func (o *Orchestrator) TerminateAll(ctx context.Context) error {
	engines := o.Engines()
	o.mu.Lock()
	o.engines = make(map[string]*strategy.Engine)
	o.mu.Unlock()

	for _, eng := range engines {
		if err := eng.Terminate(ctx); err != nil {
			log.Printf("orchestrator %s: terminate %s: %v", o.userID, eng.Symbol(), err)
		}
	}

	residual, err := o.venue.AllOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator %s: residual sweep: %w", o.userID, err)
	}
	if len(residual) == 0 {
		return nil
	}

	log.Printf("orchestrator %s: closing %d residual positions", o.userID, len(residual))
	for _, pos := range residual {
		if err := o.venue.ClosePosition(ctx, pos.Ticket); err != nil {
			log.Printf("orchestrator %s: residual close #%d (%s): %v", o.userID, pos.Ticket, pos.Symbol, err)
		}
	}
	return nil
}

// Status aggregates all engines into a per-symbol map plus overall flags.
func (o *Orchestrator) Status() AggregateStatus {
	agg := AggregateStatus{Strategies: make(map[string]strategy.Status)}

	for _, eng := range o.Engines() {
		s := eng.Status()
		agg.Strategies[s.Symbol] = s
		agg.OpenPositions += s.OpenPositions
		agg.ActiveCount++
		if s.Running {
			agg.Running = true
		}
		if s.Resetting {
			agg.Resetting = true
		}
		if s.GracefulStop {
			agg.GracefulStop = true
		}
	}
	return agg
}
