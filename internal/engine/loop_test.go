package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"pairtrade-core/internal/bot"
	"pairtrade-core/internal/config"
	"pairtrade-core/internal/venue/sim"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.IdleSleep = time.Millisecond
	cfg.ReconnectDelay = time.Millisecond
	cfg.HardStopGrace = 50 * time.Millisecond
	cfg.CleanupDelay = 10 * time.Millisecond
	return cfg
}

// newTestBots builds a bot manager with one user trading XAUUSD.
func newTestBots(t *testing.T, v *sim.Venue) *bot.Manager {
	t.Helper()
	dir := t.TempDir()
	cm, err := config.NewManager(dir, "u1")
	if err != nil {
		t.Fatalf("config manager: %v", err)
	}
	sc := config.DefaultSymbolConfig()
	sc.Enabled = true
	if err := cm.SetSymbol("XAUUSD", sc); err != nil {
		t.Fatalf("SetSymbol: %v", err)
	}

	bots := bot.NewManager(dir, v, nil, nil)
	if _, err := bots.GetOrCreate("u1"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	return bots
}

func startUser(t *testing.T, bots *bot.Manager) {
	t.Helper()
	if err := bots.StartUser(context.Background(), "u1"); err != nil {
		t.Fatalf("StartUser: %v", err)
	}
}

func TestLoopProcessesTicks(t *testing.T) {
	v := sim.New()
	v.SetTick("XAUUSD", 2000, 1999.8)
	bots := newTestBots(t, v)
	startUser(t, bots)

	l := New(v, bots, nil, fastConfig(), nil)

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.Stats().TicksProcessed > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	l.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := l.Stats()
	if st.TicksProcessed == 0 {
		t.Fatal("loop processed no ticks")
	}
	if st.LastTickTime.IsZero() {
		t.Fatal("last tick time not recorded")
	}
	if st.Running {
		t.Fatal("stats should report stopped")
	}
}

func TestLoopStopsOnContextCancel(t *testing.T) {
	v := sim.New()
	bots := newTestBots(t, v)

	ctx, cancel := context.WithCancel(context.Background())
	l := New(v, bots, nil, fastConfig(), nil)

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit on cancel")
	}
}

func TestLoopReconnectsOnHealthFailure(t *testing.T) {
	v := sim.New()
	v.SetTick("XAUUSD", 2000, 1999.8)
	bots := newTestBots(t, v)
	startUser(t, bots)

	cfg := fastConfig()
	cfg.HealthCheckEvery = 1
	l := New(v, bots, nil, cfg, nil)

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	v.SetHealthy(false)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.Stats().Reconnects > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	l.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if l.Stats().Reconnects == 0 {
		t.Fatal("loop never reconnected")
	}
}

// deadVenue never recovers from a reconnect.
type deadVenue struct {
	*sim.Venue
}

func (d *deadVenue) Reconnect(ctx context.Context) error {
	return errors.New("venue down")
}

func TestLoopFatalWhenReconnectExhausted(t *testing.T) {
	v := sim.New()
	v.SetHealthy(false)
	bots := newTestBots(t, v)

	cfg := fastConfig()
	cfg.HealthCheckEvery = 1
	cfg.MaxReconnectAttempts = 2
	l := New(&deadVenue{Venue: v}, bots, nil, cfg, nil)

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run should fail when reconnects are exhausted")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not give up")
	}
}

func TestLoopRuntimeBudgetGracefulStop(t *testing.T) {
	v := sim.New()
	v.SetTick("XAUUSD", 2000, 1999.8)
	// Orders fail, so the engine runs with zero open legs and the graceful
	// stop completes immediately.
	v.FailOrders(true)
	bots := newTestBots(t, v)
	startUser(t, bots)

	var cleaned atomic.Bool
	cfg := fastConfig()
	cfg.MaxRuntime = 10 * time.Millisecond
	l := New(v, bots, nil, cfg, func() { cleaned.Store(true) })

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop on the runtime budget")
	}

	select {
	case <-l.CleanupDone():
	case <-time.After(2 * time.Second):
		t.Fatal("deferred cleanup never ran")
	}
	if !cleaned.Load() {
		t.Fatal("cleanup callback not invoked")
	}

	for _, orch := range bots.Orchestrators() {
		if n := len(orch.ActiveSymbols()); n != 0 {
			t.Fatalf("engines still running after budget stop: %d", n)
		}
	}
}

func TestLoopHardStopAfterGraceWindow(t *testing.T) {
	v := sim.New()
	v.SetTick("XAUUSD", 2000, 1999.8)
	bots := newTestBots(t, v)
	startUser(t, bots)

	var cleaned atomic.Bool
	cfg := fastConfig()
	cfg.MaxRuntime = 10 * time.Millisecond
	cfg.HardStopGrace = 30 * time.Millisecond
	l := New(v, bots, nil, cfg, func() { cleaned.Store(true) })

	// Pair 1 legs stay open at a flat quote, so the graceful stop never
	// completes and the hard deadline has to fire.
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("hard stop deadline never fired")
	}

	// A hard stop still ends the session, so the run-state purge runs here
	// just like after a graceful completion.
	select {
	case <-l.CleanupDone():
	case <-time.After(2 * time.Second):
		t.Fatal("deferred cleanup never ran after the hard stop")
	}
	if !cleaned.Load() {
		t.Fatal("cleanup callback not invoked")
	}
}

func TestConsecutiveTickErrorsTriggerReconnect(t *testing.T) {
	v := sim.New()
	v.SetTick("XAUUSD", 2000, 1999.8)
	bots := newTestBots(t, v)
	startUser(t, bots)

	cfg := fastConfig()
	cfg.ErrorThreshold = 3
	cfg.HealthCheckEvery = 1 << 30 // keep the periodic check out of the way
	l := New(v, bots, nil, cfg, nil)

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	v.FailTicks(true)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.Stats().Reconnects > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	v.FailTicks(false)

	l.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if l.Stats().Reconnects == 0 {
		t.Fatal("consecutive tick errors never escalated to a reconnect")
	}
	if l.Stats().Errors == 0 {
		t.Fatal("tick errors not counted")
	}
}
