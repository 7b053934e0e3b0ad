// Package metrics exposes the Prometheus instruments shared across the
// process. Collectors are registered once on the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfleet_ticks_total",
		Help: "Bot engine ticks, by result.",
	}, []string{"result"})

	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfleet_trades_total",
		Help: "Trades executed, by side and exit reason (open for entries).",
	}, []string{"side", "reason"})

	ExchangeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfleet_exchange_errors_total",
		Help: "Exchange adapter failures by error kind.",
	}, []string{"kind"})

	RunningBots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "botfleet_running_bots",
		Help: "Bots currently in the Running state.",
	})

	AutonomousBots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "botfleet_autonomous_bots",
		Help: "Autonomous bots currently running.",
	})

	ControllerCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "botfleet_controller_cycles_total",
		Help: "Autonomous controller scan cycles completed.",
	})

	DroppedEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "botfleet_dropped_events",
		Help: "Events dropped on slow websocket subscribers.",
	})
)
