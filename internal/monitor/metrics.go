// Package monitor exposes Prometheus metrics for the tick loop and the
// strategy engines, fed directly by the loop and through the event bus.
package monitor

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pairtrade-core/internal/events"
)

// Metrics holds every collector the core updates during operation.
type Metrics struct {
	registry *prometheus.Registry

	TicksProcessed prometheus.Counter
	Reconnects     prometheus.Counter
	LoopErrors     prometheus.Counter

	LegsFired   *prometheus.CounterVec
	LegsClosed  *prometheus.CounterVec
	CyclesReset *prometheus.CounterVec
	RealizedPnL *prometheus.GaugeVec
}

// NewMetrics registers all collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TicksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pairtrade_ticks_processed_total",
			Help: "Ticks fetched and broadcast by the loop",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pairtrade_venue_reconnects_total",
			Help: "Successful venue reconnections",
		}),
		LoopErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pairtrade_loop_errors_total",
			Help: "Tick-processing errors in the loop",
		}),
		LegsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pairtrade_legs_fired_total",
			Help: "Market orders placed, by leg",
		}, []string{"leg"}),
		LegsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pairtrade_legs_closed_total",
			Help: "Leg closes observed, by result",
		}, []string{"result"}),
		CyclesReset: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pairtrade_cycles_reset_total",
			Help: "Nuclear resets, by reason",
		}, []string{"reason"}),
		RealizedPnL: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pairtrade_realized_pnl",
			Help: "Realized P/L of the last completed cycle",
		}, []string{"user", "symbol"}),
	}

	m.registry.MustRegister(
		m.TicksProcessed, m.Reconnects, m.LoopErrors,
		m.LegsFired, m.LegsClosed, m.CyclesReset, m.RealizedPnL,
	)
	return m
}

// ObserveBus wires strategy lifecycle events into the collectors.
func (m *Metrics) ObserveBus(bus *events.Bus) {
	bus.Subscribe(events.EventLegFired, func(_ events.Event, payload any) {
		if p, ok := payload.(events.LegFired); ok {
			m.LegsFired.WithLabelValues(p.Leg).Inc()
		}
	})
	bus.Subscribe(events.EventLegClosed, func(_ events.Event, payload any) {
		if p, ok := payload.(events.LegClosed); ok {
			result := "stop_loss"
			if p.TakeProfit {
				result = "take_profit"
			}
			m.LegsClosed.WithLabelValues(result).Inc()
		}
	})
	bus.Subscribe(events.EventCycleReset, func(_ events.Event, payload any) {
		if p, ok := payload.(events.CycleReset); ok {
			m.CyclesReset.WithLabelValues(p.Reason).Inc()
			m.RealizedPnL.WithLabelValues(p.UserID, p.Symbol).Set(p.RealizedPnL)
		}
	})
}

// Serve exposes /metrics on addr. Blocking; run in a goroutine.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	log.Printf("monitor: serving metrics on %s", addr)
	return http.ListenAndServe(addr, mux)
}
