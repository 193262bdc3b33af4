// Package metrics holds the operator's prometheus collectors, served on the
// admin port next to the JSON health endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PollCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swap_operator_poll_cycles_total",
		Help: "Total poll cycles run by the coordinator",
	})

	ActiveTrades = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "swap_operator_active_trades",
		Help: "Active trades observed on L1 in the last poll cycle",
	})

	LockedTrades = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "swap_operator_locked_trades",
		Help: "Trades currently locked by this operator",
	})

	L1LocksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swap_operator_l1_locks_total",
		Help: "Total lockTrade transactions submitted",
	})

	L2LockAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swap_operator_l2_lock_attempts_total",
		Help: "Total set-in-transit attempts against escrow daemons",
	})

	L2LockFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swap_operator_l2_lock_failures_total",
		Help: "Total set-in-transit attempts rejected by escrow daemons",
	})

	EmergencyUnlocksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swap_operator_emergency_unlocks_total",
		Help: "Total emergencyUnlock transactions submitted",
	})

	SweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swap_operator_sweeps_total",
		Help: "Total post-claim sweeps sent to counterparties",
	})

	PortCollisionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swap_operator_port_collisions_total",
		Help: "Total daemon ports found occupied by foreign processes",
	})

	CycleErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swap_operator_cycle_errors_total",
		Help: "Total per-trade errors caught inside poll cycles",
	})

	SettlementChecksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swap_operator_settlement_checks_total",
		Help: "Total settlement worker checks",
	})

	SettlementProofsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swap_operator_settlement_proofs_total",
		Help: "Total settlement proofs generated and submitted",
	})

	PendingActions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "swap_operator_pending_actions",
		Help: "Pending off-chain actions counted at the last settlement check",
	})

	PoolBalance = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "swap_operator_pool_balance",
		Help: "Pool account balance in smallest units",
	})
)

func init() {
	prometheus.MustRegister(
		PollCyclesTotal,
		ActiveTrades,
		LockedTrades,
		L1LocksTotal,
		L2LockAttemptsTotal,
		L2LockFailuresTotal,
		EmergencyUnlocksTotal,
		SweepsTotal,
		PortCollisionsTotal,
		CycleErrorsTotal,
		SettlementChecksTotal,
		SettlementProofsTotal,
		PendingActions,
		PoolBalance,
	)
}

// Handler returns the prometheus scrape handler for the admin mux.
func Handler() http.Handler {
	return promhttp.Handler()
}
