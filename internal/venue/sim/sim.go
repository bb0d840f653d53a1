// Package sim provides an in-memory execution venue used by DRY_RUN mode and
// the test suites. Fills are immediate at the side-correct quote; TP/SL levels
// attached to a position are auto-filled when a later quote crosses them.
package sim

import (
	"context"
	"sync"

	"pairtrade-core/internal/venue"
)

type simPosition struct {
	venue.Position
	takeProfit float64
	stopLoss   float64
}

// Venue is a simulated execution venue.
type Venue struct {
	mu         sync.Mutex
	ticks      map[string]venue.Tick
	positions  map[int64]*simPosition
	minStops   map[string]float64
	nextTicket int64

	healthy    bool
	failOrders bool
	failCloses bool
	failTicks  bool
}

// New creates an empty simulated venue in a healthy state.
func New() *Venue {
	return &Venue{
		ticks:      make(map[string]venue.Tick),
		positions:  make(map[int64]*simPosition),
		minStops:   make(map[string]float64),
		nextTicket: 1000,
		healthy:    true,
	}
}

// SetTick publishes a quote and fills any TP/SL level it crosses.
func (v *Venue) SetTick(symbol string, ask, bid float64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.ticks[symbol] = venue.Tick{Ask: ask, Bid: bid}

	for ticket, pos := range v.positions {
		if pos.Symbol != symbol {
			continue
		}
		// Buys are closed at bid, sells at ask.
		if pos.Direction == venue.Buy {
			if (pos.takeProfit > 0 && bid >= pos.takeProfit) || (pos.stopLoss > 0 && bid <= pos.stopLoss) {
				delete(v.positions, ticket)
			}
		} else {
			if (pos.takeProfit > 0 && ask <= pos.takeProfit) || (pos.stopLoss > 0 && ask >= pos.stopLoss) {
				delete(v.positions, ticket)
			}
		}
	}
}

// SetMinStopDistance configures the broker stop level for a symbol.
func (v *Venue) SetMinStopDistance(symbol string, dist float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.minStops[symbol] = dist
}

// SetHealthy toggles the simulated connection state.
func (v *Venue) SetHealthy(healthy bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.healthy = healthy
}

// FailOrders makes subsequent order placements fail.
func (v *Venue) FailOrders(fail bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failOrders = fail
}

// FailCloses makes subsequent close requests fail.
func (v *Venue) FailCloses(fail bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failCloses = fail
}

// FailTicks makes subsequent tick fetches fail.
func (v *Venue) FailTicks(fail bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failTicks = fail
}

// DropPosition removes a position without a close request, simulating a fill
// observed only through position listing (e.g. broker-side TP execution).
func (v *Venue) DropPosition(ticket int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.positions, ticket)
}

func (v *Venue) Tick(ctx context.Context, symbol string) (venue.Tick, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failTicks || !v.healthy {
		return venue.Tick{}, venue.ErrNoTick
	}
	t, ok := v.ticks[symbol]
	if !ok {
		return venue.Tick{}, venue.ErrNoTick
	}
	return t, nil
}

func (v *Venue) PlaceMarketOrder(ctx context.Context, req venue.OrderRequest) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failOrders || !v.healthy {
		return 0, venue.ErrOrderRejected
	}
	t, ok := v.ticks[req.Symbol]
	if !ok {
		return 0, venue.ErrNoTick
	}

	entry := t.Ask
	if req.Direction == venue.Sell {
		entry = t.Bid
	}

	v.nextTicket++
	ticket := v.nextTicket
	v.positions[ticket] = &simPosition{
		Position: venue.Position{
			Ticket:     ticket,
			Symbol:     req.Symbol,
			Direction:  req.Direction,
			Lot:        req.Lot,
			EntryPrice: entry,
		},
		takeProfit: req.TakeProfit,
		stopLoss:   req.StopLoss,
	}
	return ticket, nil
}

func (v *Venue) ClosePosition(ctx context.Context, ticket int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failCloses || !v.healthy {
		return venue.ErrCloseRejected
	}
	if _, ok := v.positions[ticket]; !ok {
		return venue.ErrUnknownTicket
	}
	delete(v.positions, ticket)
	return nil
}

func (v *Venue) OpenPositions(ctx context.Context, symbol string) ([]venue.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.healthy {
		return nil, venue.ErrNotConnected
	}
	var out []venue.Position
	for _, pos := range v.positions {
		if pos.Symbol == symbol {
			out = append(out, pos.Position)
		}
	}
	return out, nil
}

func (v *Venue) AllOpenPositions(ctx context.Context) ([]venue.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.healthy {
		return nil, venue.ErrNotConnected
	}
	out := make([]venue.Position, 0, len(v.positions))
	for _, pos := range v.positions {
		out = append(out, pos.Position)
	}
	return out, nil
}

func (v *Venue) MinStopDistance(ctx context.Context, symbol string) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.minStops[symbol], nil
}

func (v *Venue) Healthy(ctx context.Context) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.healthy
}

// Reconnect restores the simulated connection.
func (v *Venue) Reconnect(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.healthy = true
	return nil
}
