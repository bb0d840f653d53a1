package events

// Event identifies a strategy lifecycle event on the bus.
type Event string

const (
	EventCycleStarted  Event = "cycle.started"
	EventLegFired      Event = "leg.fired"
	EventLegClosed     Event = "leg.closed"
	EventPhaseChanged  Event = "phase.changed"
	EventCycleReset    Event = "cycle.reset"
	EventEngineStopped Event = "engine.stopped"
)

// CycleStarted is the payload for EventCycleStarted.
type CycleStarted struct {
	UserID     string
	Symbol     string
	StartPrice float64
	Cycle      int
}

// LegFired is the payload for EventLegFired.
type LegFired struct {
	UserID string
	Symbol string
	Leg    string
	Ticket int64
	Entry  float64
	Lot    float64
	Cycle  int
}

// LegClosed is the payload for EventLegClosed.
type LegClosed struct {
	UserID      string
	Symbol      string
	Leg         string
	Ticket      int64
	ClosePrice  float64
	RealizedPnL float64
	TakeProfit  bool
	Cycle       int
}

// PhaseChanged is the payload for EventPhaseChanged.
type PhaseChanged struct {
	UserID string
	Symbol string
	From   string
	To     string
	Cycle  int
}

// CycleReset is the payload for EventCycleReset.
type CycleReset struct {
	UserID      string
	Symbol      string
	Reason      string
	RealizedPnL float64
	OldCycle    int
	NewCycle    int
}

// EngineStopped is the payload for EventEngineStopped.
type EngineStopped struct {
	UserID string
	Symbol string
	Reason string
	Cycle  int
}
