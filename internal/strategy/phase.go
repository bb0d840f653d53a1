package strategy

// Phase is the strategy state machine phase for one symbol.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingSecond
	PhasePairsComplete
	PhaseMonitoring
	PhaseResetting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseAwaitingSecond:
		return "AWAITING_SECOND"
	case PhasePairsComplete:
		return "PAIRS_COMPLETE"
	case PhaseMonitoring:
		return "MONITORING"
	case PhaseResetting:
		return "RESETTING"
	default:
		return "UNKNOWN"
	}
}

// Location records which side of the start price triggered the second fire.
type Location int

const (
	LocationNone Location = iota
	LocationUp
	LocationDown
)

func (l Location) String() string {
	switch l {
	case LocationUp:
		return "UP"
	case LocationDown:
		return "DOWN"
	default:
		return ""
	}
}

// Reset reasons reported on EventCycleReset.
const (
	ReasonProtectionDistance = "PROTECTION_DISTANCE"
	ReasonAllClosed          = "ALL_CLOSED"
	ReasonSingleFireClosed   = "SINGLE_FIRE_CLOSED"
)
