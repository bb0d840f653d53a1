package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pairtrade-core/internal/bot"
	"pairtrade-core/internal/engine"
	"pairtrade-core/internal/events"
	"pairtrade-core/internal/monitor"
	"pairtrade-core/internal/venue"
	"pairtrade-core/internal/venue/bridge"
	"pairtrade-core/internal/venue/sim"
	"pairtrade-core/pkg/config"
	"pairtrade-core/pkg/db"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("starting pairtrade-core (dry_run=%v, users=%v)", cfg.DryRun, cfg.Users)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus(0)
	defer bus.Close()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}

	metrics := monitor.NewMetrics()
	metrics.ObserveBus(bus)
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				log.Printf("metrics server error: %v", err)
			}
		}()
	}

	// Venue selection
	var v venue.Venue
	var simVenue *sim.Venue
	if cfg.DryRun {
		log.Println("DRY RUN mode: using simulated venue")
		simVenue = sim.New()
		v = simVenue
	} else {
		client := bridge.New(bridge.Config{
			BaseURL:    cfg.BridgeURL,
			StreamURL:  cfg.BridgeStreamURL,
			Timeout:    time.Duration(cfg.BridgeTimeoutMs) * time.Millisecond,
			RateLimit:  cfg.BridgeRateLimit,
			TickMaxAge: time.Duration(cfg.TickMaxAgeMs) * time.Millisecond,
		})
		defer client.Close()
		v = client
	}

	// Per-user bots, with sessions restored from persisted run state
	bots := bot.NewManager(cfg.ConfigDir, v, bus, database)
	for _, userID := range cfg.Users {
		if _, err := bots.GetOrCreate(userID); err != nil {
			log.Printf("bot init for %s failed: %v", userID, err)
		}
	}
	if err := bots.Restore(ctx); err != nil {
		log.Printf("run-state restore failed: %v", err)
	}

	// The simulated venue has no quote source of its own; feed it synthetic
	// ticks for every symbol any user has enabled.
	if simVenue != nil {
		seen := make(map[string]struct{})
		var symbols []string
		for _, orch := range bots.Orchestrators() {
			for _, sym := range orch.ConfiguredSymbols() {
				if _, ok := seen[sym]; ok {
					continue
				}
				seen[sym] = struct{}{}
				symbols = append(symbols, sym)
			}
		}
		feed := sim.Feed{Venue: simVenue, Symbols: symbols, Interval: 250 * time.Millisecond}
		feed.Start(ctx)
		log.Printf("simulated feed started for %v", symbols)
	}

	// Tick loop
	loopCfg := engine.DefaultConfig()
	loopCfg.HealthCheckEvery = cfg.HealthCheckEvery
	loopCfg.MaxReconnectAttempts = cfg.ReconnectAttempts
	loopCfg.ReconnectDelay = time.Duration(cfg.ReconnectDelaySec) * time.Second
	if cfg.MaxRuntimeMinutes > 0 {
		loopCfg.MaxRuntime = time.Duration(cfg.MaxRuntimeMinutes * float64(time.Minute))
	} else if budget := bots.MaxRuntime(); budget > 0 {
		// No process-wide budget set; fall back to the longest per-user one.
		loopCfg.MaxRuntime = budget
	}
	cleanup := func() {
		cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelCleanup()
		if err := database.PurgeRunState(cleanupCtx); err != nil {
			log.Printf("run-state purge failed: %v", err)
		} else {
			log.Println("run-state purged after session end")
		}
	}
	loop := engine.New(v, bots, metrics, loopCfg, cleanup)

	loopDone := make(chan error, 1)
	go func() { loopDone <- loop.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("received %s; shutting down", sig)
		loop.Stop()
		cancel()
		select {
		case err := <-loopDone:
			if err != nil {
				log.Printf("loop exited with error: %v", err)
			}
		case <-time.After(10 * time.Second):
			log.Println("loop did not exit in time; forcing shutdown")
		}
		stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
		bots.StopAll(stopCtx)
		cancelStop()
	case err := <-loopDone:
		if err != nil {
			log.Fatalf("tick loop failed: %v", err)
		}
		// Budget-driven stop: wait for the deferred run-state cleanup.
		log.Println("tick loop finished; waiting for deferred cleanup")
		select {
		case <-loop.CleanupDone():
		case <-sigChan:
			log.Println("interrupted while waiting for cleanup")
		}
	}

	log.Println("pairtrade-core stopped")
}
