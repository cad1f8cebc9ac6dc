// Package metrics exposes Prometheus counters and gauges for the session
// orchestrator. Registered in init() and served at /metrics by the HTTP
// server.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TradesPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axon_trades_placed_total",
			Help: "Orders accepted by the brokerage, split by direction",
		},
		[]string{"direction"}, // call|put
	)

	TradesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axon_trades_closed_total",
			Help: "Closed positions split by result",
		},
		[]string{"result"}, // win|lose
	)

	SessionHalts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axon_session_halts_total",
			Help: "Sessions halted, split by reason",
		},
		[]string{"reason"},
	)

	AgentReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "axon_agent_reconnects_total",
			Help: "Agent reconnect cycles triggered by liveness or command failures",
		},
	)

	CommandTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axon_command_timeouts_total",
			Help: "Agent commands that timed out waiting for a response",
		},
		[]string{"cmd"},
	)

	SignalsGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axon_signals_total",
			Help: "Strategy signals generated, split by strategy and direction",
		},
		[]string{"strategy", "direction"},
	)

	RunningSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "axon_running_sessions",
			Help: "Sessions currently in the running state",
		},
	)

	TradesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "axon_trades_in_flight",
			Help: "Trades placed and not yet settled",
		},
	)
)

func init() {
	prometheus.MustRegister(TradesPlaced, TradesClosed)
	prometheus.MustRegister(SessionHalts, SignalsGenerated)
	prometheus.MustRegister(AgentReconnects, CommandTimeouts)
	prometheus.MustRegister(RunningSessions, TradesInFlight)
}
