package strategy

import "pairtrade-core/internal/venue"

// Leg names the five position slots of one cycle.
type Leg string

const (
	LegBx         Leg = "Bx"
	LegSy         Leg = "Sy"
	LegSx         Leg = "Sx"
	LegBy         Leg = "By"
	LegSingleFire Leg = "SingleFire"
)

// slot holds one named leg's open position, ticket 0 when empty.
type slot struct {
	ticket int64
	entry  float64
}

func (s slot) open() bool { return s.ticket != 0 }

// ticketRecord is the engine's view of one order it placed.
type ticketRecord struct {
	leg        Leg
	direction  venue.Direction
	entry      float64
	takeProfit float64
	stopLoss   float64
	lot        float64
}

// touchFlags latch TP/SL crossings per ticket. Never unset once true.
type touchFlags struct {
	tpTouched bool
	slTouched bool
}

// state is the per-cycle strategy state. Mutated only under the engine lock.
type state struct {
	phase      Phase
	startPrice float64

	bx slot
	sy slot
	sx slot
	by slot

	singleFire    slot
	singleFireDir venue.Direction

	location        Location
	secondFirePrice float64

	singleFireTriggerPrice float64
	protectionTriggerPrice float64

	realizedPnL float64

	singleFireExecuted bool

	cycleCount int
}

// openLegs counts slots holding an open ticket.
func (st *state) openLegs() int {
	n := 0
	for _, s := range []slot{st.bx, st.sy, st.sx, st.by, st.singleFire} {
		if s.open() {
			n++
		}
	}
	return n
}

// clearTicket empties whichever named slot holds the ticket.
func (st *state) clearTicket(ticket int64) {
	if ticket == 0 {
		return
	}
	switch ticket {
	case st.bx.ticket:
		st.bx = slot{}
	case st.sy.ticket:
		st.sy = slot{}
	case st.sx.ticket:
		st.sx = slot{}
	case st.by.ticket:
		st.by = slot{}
	case st.singleFire.ticket:
		st.singleFire = slot{}
	}
}

// resetForNewCycle clears everything except the cycle counter, which advances.
func (st *state) resetForNewCycle() {
	cycle := st.cycleCount
	*st = state{cycleCount: cycle + 1}
}
