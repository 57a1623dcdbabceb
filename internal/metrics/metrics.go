// Package metrics exposes session counters over Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a harness session.
type Metrics struct {
	// Test outcomes
	TestsTotal *prometheus.CounterVec

	// Transaction counters
	TxTotal *prometheus.CounterVec

	// Gas accounting
	GasLimitTotal  prometheus.Counter
	GasUsedTotal   prometheus.Counter
	RefundsTotal   *prometheus.CounterVec
	ActiveTests    prometheus.Gauge
	SenderBalance  prometheus.Gauge
	TestDuration   prometheus.Histogram
	InclusionDelay prometheus.Histogram
}

// New creates and registers all harness metrics with the given registerer,
// falling back to the default registerer when nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		TestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harness_tests_total",
				Help: "Completed tests by outcome",
			},
			[]string{"outcome"},
		),

		TxTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harness_transactions_total",
				Help: "Submitted transactions by phase and action",
			},
			[]string{"phase", "action"},
		),

		GasLimitTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "harness_gas_limit_total",
				Help: "Sum of gas limits across all setup transactions",
			},
		),

		GasUsedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "harness_gas_used_total",
				Help: "Sum of gas used across all confirmed transactions",
			},
		),

		RefundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harness_refunds_total",
				Help: "Cleanup refunds by result",
			},
			[]string{"result"},
		),

		ActiveTests: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "harness_active_tests",
				Help: "Tests currently in flight",
			},
		),

		SenderBalance: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "harness_sender_balance_wei",
				Help: "Last observed worker key balance in wei",
			},
		),

		TestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harness_test_duration_seconds",
				Help:    "Wall-clock duration of one test including cleanup",
				Buckets: []float64{1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),

		InclusionDelay: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harness_inclusion_delay_seconds",
				Help:    "Delay between submission and inclusion of a setup batch",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
			},
		),
	}
}

// RecordTest records a completed test outcome.
func (m *Metrics) RecordTest(outcome string) {
	m.TestsTotal.WithLabelValues(outcome).Inc()
}

// RecordTx records a submitted transaction.
func (m *Metrics) RecordTx(phase, action string) {
	m.TxTotal.WithLabelValues(phase, action).Inc()
}

// RecordRefund records a cleanup refund result (sent, skipped or failed).
func (m *Metrics) RecordRefund(result string) {
	m.RefundsTotal.WithLabelValues(result).Inc()
}

// AddGasLimit adds to the cumulative gas limit counter.
func (m *Metrics) AddGasLimit(gas uint64) {
	m.GasLimitTotal.Add(float64(gas))
}

// AddGasUsed adds to the cumulative gas used counter.
func (m *Metrics) AddGasUsed(gas uint64) {
	m.GasUsedTotal.Add(float64(gas))
}
