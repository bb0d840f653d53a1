// Package engine runs the process-wide tick/health loop: it discovers the
// union of active symbols across all orchestrators, pulls ticks, broadcasts
// them, health-checks the venue connection and enforces the session runtime
// budget with a graceful-then-hard stop.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"pairtrade-core/internal/bot"
	"pairtrade-core/internal/monitor"
	"pairtrade-core/internal/venue"
)

// Config tunes the loop. The runtime budget is an explicit parameter here
// rather than borrowed from any one tenant's configuration.
type Config struct {
	HealthCheckEvery     int           // iterations between connectivity checks
	MaxReconnectAttempts int           // bounded retries before the loop gives up
	ReconnectDelay       time.Duration // fixed delay between attempts
	ErrorThreshold       int           // consecutive tick errors before forcing a reconnect
	IdleSleep            time.Duration // backoff when no symbol is active
	PollInterval         time.Duration // pause between iterations
	MaxInflight          int           // cap on concurrent per-symbol venue round-trips
	MaxRuntime           time.Duration // session budget; 0 disables the timeout
	HardStopGrace        time.Duration // window for graceful stops after the budget expires
	CleanupDelay         time.Duration // wait before the deferred run-state cleanup
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HealthCheckEvery:     100,
		MaxReconnectAttempts: 10,
		ReconnectDelay:       5 * time.Second,
		ErrorThreshold:       5,
		IdleSleep:            100 * time.Millisecond,
		PollInterval:         10 * time.Millisecond,
		MaxInflight:          16,
		HardStopGrace:        5 * time.Minute,
		CleanupDelay:         5 * time.Minute,
	}
}

// Stats is a snapshot of loop counters for monitoring.
type Stats struct {
	Iterations     uint64
	TicksProcessed uint64
	Reconnects     uint64
	Errors         uint64
	LastTickTime   time.Time
	Running        bool
}

// Loop is the single process-wide tick loop.
type Loop struct {
	venue   venue.Venue
	bots    *bot.Manager
	metrics *monitor.Metrics
	cfg     Config
	cleanup func() // deferred purge of persisted runtime state

	running atomic.Bool

	iterations     atomic.Uint64
	ticksProcessed atomic.Uint64
	reconnects     atomic.Uint64
	errorsTotal    atomic.Uint64
	consecErrors   atomic.Int64

	lastTickMu sync.Mutex
	lastTick   time.Time

	inflightMu sync.Mutex
	inflight   map[string]bool
	sem        chan struct{}

	cleanupOnce sync.Once
	cleanupDone chan struct{}
}

// New builds a loop over the venue and bot registry. cleanup runs once,
// CleanupDelay after a completed graceful stop; nil disables it.
func New(v venue.Venue, bots *bot.Manager, metrics *monitor.Metrics, cfg Config, cleanup func()) *Loop {
	def := DefaultConfig()
	if cfg.HealthCheckEvery <= 0 {
		cfg.HealthCheckEvery = def.HealthCheckEvery
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = def.ErrorThreshold
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = def.IdleSleep
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = def.MaxInflight
	}
	if cfg.HardStopGrace <= 0 {
		cfg.HardStopGrace = def.HardStopGrace
	}
	if cfg.CleanupDelay <= 0 {
		cfg.CleanupDelay = def.CleanupDelay
	}

	return &Loop{
		venue:       v,
		bots:        bots,
		metrics:     metrics,
		cfg:         cfg,
		cleanup:     cleanup,
		inflight:    make(map[string]bool),
		sem:         make(chan struct{}, cfg.MaxInflight),
		cleanupDone: make(chan struct{}),
	}
}

// Stats snapshots the loop counters.
func (l *Loop) Stats() Stats {
	l.lastTickMu.Lock()
	last := l.lastTick
	l.lastTickMu.Unlock()

	return Stats{
		Iterations:     l.iterations.Load(),
		TicksProcessed: l.ticksProcessed.Load(),
		Reconnects:     l.reconnects.Load(),
		Errors:         l.errorsTotal.Load(),
		LastTickTime:   last,
		Running:        l.running.Load(),
	}
}

// Stop asks the loop to exit after the current iteration.
func (l *Loop) Stop() {
	l.running.Store(false)
}

// CleanupDone is closed once the deferred run-state cleanup has executed.
func (l *Loop) CleanupDone() <-chan struct{} {
	return l.cleanupDone
}

// Run drives the loop until the context is cancelled, the session budget
// resolves, or connectivity is lost beyond repair. A non-nil error means the
// process should exit and let an external supervisor restart it.
func (l *Loop) Run(ctx context.Context) error {
	l.running.Store(true)
	defer l.running.Store(false)

	start := time.Now()
	if l.cfg.MaxRuntime > 0 {
		log.Printf("loop: session started, runtime budget %s", l.cfg.MaxRuntime)
	} else {
		log.Printf("loop: session started, no runtime budget")
	}

	budgetTriggered := false
	var hardDeadline time.Time

	for l.running.Load() {
		select {
		case <-ctx.Done():
			log.Printf("loop: context cancelled")
			return ctx.Err()
		default:
		}

		iter := l.iterations.Add(1)

		// Periodic connectivity check; losing the venue past the bounded
		// retries is fatal by design.
		if iter%uint64(l.cfg.HealthCheckEvery) == 0 && !l.venue.Healthy(ctx) {
			if err := l.reconnect(ctx); err != nil {
				return fmt.Errorf("loop: venue connection lost: %w", err)
			}
		}

		// Session runtime budget: graceful stop first, hard stop after the
		// grace window.
		if l.cfg.MaxRuntime > 0 && !budgetTriggered && time.Since(start) >= l.cfg.MaxRuntime {
			log.Printf("loop: runtime budget (%s) reached, issuing graceful stop to all engines", l.cfg.MaxRuntime)
			l.stopAllEngines(ctx)
			budgetTriggered = true
			hardDeadline = time.Now().Add(l.cfg.HardStopGrace)
		}
		if budgetTriggered {
			if l.totalRunning() == 0 {
				log.Printf("loop: all engines finished graceful stop, shutting down")
				l.scheduleCleanup(ctx)
				return nil
			}
			if time.Now().After(hardDeadline) {
				log.Printf("loop: hard stop deadline passed with engines still running, forcing shutdown")
				// The purge runs on this path too: a hard stop still ends the
				// session, and stale run state would resurrect engines on the
				// next start.
				l.scheduleCleanup(ctx)
				return nil
			}
		}

		symbols := l.activeSymbols()
		if len(symbols) == 0 {
			time.Sleep(l.cfg.IdleSleep)
			continue
		}

		for _, sym := range symbols {
			l.dispatch(ctx, sym)
		}

		// Escalate after a run of back-to-back tick failures; the venue
		// connection is the usual culprit.
		if l.consecErrors.Load() >= int64(l.cfg.ErrorThreshold) {
			log.Printf("loop: %d consecutive tick errors, attempting reconnect", l.consecErrors.Load())
			if err := l.reconnect(ctx); err != nil {
				return fmt.Errorf("loop: venue connection lost after consecutive errors: %w", err)
			}
			l.consecErrors.Store(0)
		}

		time.Sleep(l.cfg.PollInterval)
	}

	return nil
}

// dispatch processes one symbol asynchronously. A symbol with a round-trip
// still in flight is skipped so one slow venue call cannot stall ticks for
// the other symbols.
func (l *Loop) dispatch(ctx context.Context, symbol string) {
	l.inflightMu.Lock()
	if l.inflight[symbol] {
		l.inflightMu.Unlock()
		return
	}
	l.inflight[symbol] = true
	l.inflightMu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		l.clearInflight(symbol)
		return
	}

	go func() {
		defer func() {
			<-l.sem
			l.clearInflight(symbol)
		}()
		l.processSymbol(ctx, symbol)
	}()
}

func (l *Loop) clearInflight(symbol string) {
	l.inflightMu.Lock()
	delete(l.inflight, symbol)
	l.inflightMu.Unlock()
}

// processSymbol fetches one tick and broadcasts it to every orchestrator;
// each decides independently whether it owns the symbol.
func (l *Loop) processSymbol(ctx context.Context, symbol string) {
	tick, err := l.venue.Tick(ctx, symbol)
	if err != nil {
		l.recordError(fmt.Errorf("tick %s: %w", symbol, err))
		return
	}

	orchs := l.bots.Orchestrators()
	var wg sync.WaitGroup
	var failed atomic.Bool
	for _, orch := range orchs {
		orch := orch
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := orch.RouteTick(ctx, symbol, tick.Ask, tick.Bid); err != nil {
				log.Printf("loop: route %s: %v", symbol, err)
				failed.Store(true)
			}
		}()
	}
	wg.Wait()

	if failed.Load() {
		l.recordError(fmt.Errorf("route %s", symbol))
		return
	}

	l.ticksProcessed.Add(1)
	l.consecErrors.Store(0)
	l.lastTickMu.Lock()
	l.lastTick = time.Now()
	l.lastTickMu.Unlock()
	if l.metrics != nil {
		l.metrics.TicksProcessed.Inc()
	}
}

func (l *Loop) recordError(err error) {
	n := l.consecErrors.Add(1)
	l.errorsTotal.Add(1)
	if l.metrics != nil {
		l.metrics.LoopErrors.Inc()
	}
	log.Printf("loop: tick error (#%d): %v", n, err)
}

// reconnect retries the venue connection a bounded number of times with a
// fixed delay. Exhausting the attempts is fatal to the caller.
func (l *Loop) reconnect(ctx context.Context) error {
	log.Printf("loop: venue connection unhealthy, reconnecting...")

	for attempt := 1; attempt <= l.cfg.MaxReconnectAttempts; attempt++ {
		log.Printf("loop: reconnect attempt %d/%d", attempt, l.cfg.MaxReconnectAttempts)

		if err := l.venue.Reconnect(ctx); err == nil && l.venue.Healthy(ctx) {
			l.reconnects.Add(1)
			if l.metrics != nil {
				l.metrics.Reconnects.Inc()
			}
			log.Printf("loop: reconnected on attempt %d", attempt)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.ReconnectDelay):
		}
	}

	return fmt.Errorf("failed to reconnect after %d attempts", l.cfg.MaxReconnectAttempts)
}

// activeSymbols is the union of symbols owned by running engines across all
// orchestrators (multi-tenant fan-in).
func (l *Loop) activeSymbols() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, orch := range l.bots.Orchestrators() {
		for _, sym := range orch.ActiveSymbols() {
			if _, dup := seen[sym]; dup {
				continue
			}
			seen[sym] = struct{}{}
			out = append(out, sym)
		}
	}
	return out
}

func (l *Loop) stopAllEngines(ctx context.Context) {
	for _, orch := range l.bots.Orchestrators() {
		for _, eng := range orch.Engines() {
			if err := eng.Stop(ctx); err != nil {
				log.Printf("loop: graceful stop %s: %v", eng.Symbol(), err)
			}
		}
	}
}

func (l *Loop) totalRunning() int {
	n := 0
	for _, orch := range l.bots.Orchestrators() {
		for _, eng := range orch.Engines() {
			if eng.Running() {
				n++
			}
		}
	}
	return n
}

// scheduleCleanup arms the deferred purge of persisted runtime state.
func (l *Loop) scheduleCleanup(ctx context.Context) {
	l.cleanupOnce.Do(func() {
		if l.cleanup == nil {
			close(l.cleanupDone)
			return
		}
		delay := l.cfg.CleanupDelay
		log.Printf("loop: run-state cleanup scheduled in %s", delay)
		go func() {
			select {
			case <-time.After(delay):
				l.cleanup()
			case <-ctx.Done():
			}
			close(l.cleanupDone)
		}()
	})
}
