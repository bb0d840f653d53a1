package strategy

// LegStatus is one named slot's ticket and entry price.
type LegStatus struct {
	Ticket int64   `json:"ticket"`
	Entry  float64 `json:"entry"`
}

// Status is a point-in-time snapshot of one engine, exposed upward for
// aggregation and operator polling.
type Status struct {
	Symbol                 string               `json:"symbol"`
	Running                bool                 `json:"running"`
	Phase                  string               `json:"phase"`
	CycleCount             int                  `json:"cycle_count"`
	StartPrice             float64              `json:"start_price"`
	Location               string               `json:"location"`
	SecondFirePrice        float64              `json:"second_fire_price"`
	SingleFireTriggerPrice float64              `json:"single_fire_trigger_price"`
	SingleFireDirection    string               `json:"single_fire_direction,omitempty"`
	ProtectionTriggerPrice float64              `json:"protection_trigger_price"`
	RealizedPnL            float64              `json:"realized_pnl"`
	GracefulStop           bool                 `json:"graceful_stop"`
	OpenPositions          int                  `json:"open_positions"`
	Resetting              bool                 `json:"is_resetting"`
	Legs                   map[string]LegStatus `json:"positions"`
}
