package sim

import (
	"context"
	"log"
	"math/rand"
	"time"
)

// Feed drives a simulated venue with synthetic random-walk quotes so a
// DRY_RUN session can trade without a bridge connection.
type Feed struct {
	Venue      *Venue
	Symbols    []string
	StartPrice float64
	Spread     float64
	Step       float64
	Interval   time.Duration
}

// Start publishes quotes until the context is cancelled.
func (f *Feed) Start(ctx context.Context) {
	if f.Venue == nil {
		log.Println("sim feed: venue not set")
		return
	}
	if len(f.Symbols) == 0 {
		f.Symbols = []string{"XAUUSD"}
	}
	if f.StartPrice == 0 {
		f.StartPrice = 2000.0
	}
	if f.Spread == 0 {
		f.Spread = 0.2
	}
	if f.Step == 0 {
		f.Step = 0.5
	}
	if f.Interval == 0 {
		f.Interval = time.Second
	}

	bids := make(map[string]float64, len(f.Symbols))
	for _, sym := range f.Symbols {
		bids[sym] = f.StartPrice
	}

	go func() {
		t := time.NewTicker(f.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				for _, sym := range f.Symbols {
					// simple random walk
					bid := bids[sym] + (rand.Float64()*2-1)*f.Step
					bids[sym] = bid
					f.Venue.SetTick(sym, bid+f.Spread, bid)
				}
			}
		}
	}()
}
