// Package venue abstracts the execution venue the strategy trades against.
package venue

import (
	"context"
	"errors"
)

var (
	ErrNoTick        = errors.New("venue: no tick available")
	ErrOrderRejected = errors.New("venue: order rejected")
	ErrCloseRejected = errors.New("venue: close rejected")
	ErrNotConnected  = errors.New("venue: not connected")
	ErrUnknownSymbol = errors.New("venue: unknown symbol")
	ErrUnknownTicket = errors.New("venue: unknown ticket")
)

// Direction is the side of a market order.
type Direction int

const (
	Buy Direction = iota
	Sell
)

func (d Direction) String() string {
	if d == Buy {
		return "buy"
	}
	return "sell"
}

// Tick is a bid/ask quote for a symbol.
type Tick struct {
	Ask float64
	Bid float64
}

// Position is one open position as reported by the venue.
type Position struct {
	Ticket     int64
	Symbol     string
	Direction  Direction
	Lot        float64
	EntryPrice float64
}

// OrderRequest describes a market order with attached TP/SL levels.
type OrderRequest struct {
	Symbol     string
	Direction  Direction
	Lot        float64
	TakeProfit float64
	StopLoss   float64
	Tag        string
}

// Venue is the execution venue contract consumed by the strategy core.
type Venue interface {
	// Tick returns the current quote for a symbol.
	Tick(ctx context.Context, symbol string) (Tick, error)

	// PlaceMarketOrder sends a market order and returns the venue ticket.
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (int64, error)

	// ClosePosition closes one open position by ticket.
	ClosePosition(ctx context.Context, ticket int64) error

	// OpenPositions lists open positions for a symbol.
	OpenPositions(ctx context.Context, symbol string) ([]Position, error)

	// AllOpenPositions lists every open position on the account.
	AllOpenPositions(ctx context.Context) ([]Position, error)

	// MinStopDistance returns the smallest TP/SL distance the venue accepts
	// for a symbol.
	MinStopDistance(ctx context.Context, symbol string) (float64, error)

	// Healthy reports whether the venue connection is usable.
	Healthy(ctx context.Context) bool

	// Reconnect re-establishes the venue connection.
	Reconnect(ctx context.Context) error
}
