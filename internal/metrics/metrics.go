// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CyclesTotal counts completed loop cycles per agent and outcome.
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trading_engine",
		Name:      "cycles_total",
		Help:      "Completed trading cycles by agent and outcome.",
	}, []string{"agent", "outcome"})

	// GateWaitSeconds observes how long agents wait for the broker gate.
	GateWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "trading_engine",
		Name:      "gate_wait_seconds",
		Help:      "Time spent waiting to acquire the broker gate.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"agent"})

	// OpenPositions tracks the last synced open-position count per agent.
	OpenPositions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "trading_engine",
		Name:      "open_positions",
		Help:      "Open positions per agent after the last sync.",
	}, []string{"agent"})

	// TradesOpenedTotal counts successfully opened positions.
	TradesOpenedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trading_engine",
		Name:      "trades_opened_total",
		Help:      "Positions opened by agent and direction.",
	}, []string{"agent", "direction"})

	// DeciderLatencySeconds observes completion round trips.
	DeciderLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "trading_engine",
		Name:      "decider_latency_seconds",
		Help:      "Decider completion latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"id"})

	// AdjustmentsTotal counts committed parameter adjustments.
	AdjustmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trading_engine",
		Name:      "adjustments_total",
		Help:      "Committed parameter adjustments by agent and field.",
	}, []string{"agent", "field"})

	// RiskVerdictsTotal counts risk guard outcomes.
	RiskVerdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trading_engine",
		Name:      "risk_verdicts_total",
		Help:      "Risk guard verdicts by agent and verdict.",
	}, []string{"agent", "verdict"})
)
