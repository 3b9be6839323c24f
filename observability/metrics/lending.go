package metrics

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LendingMetrics tracks money market and margin activity for the node's
// /metrics endpoint. Amounts are exported as float64 and may lose precision
// for very large balances; exact accounting lives in state.
type LendingMetrics struct {
	marketOps        *prometheus.CounterVec
	flashLoans       *prometheus.CounterVec
	liquidations     *prometheus.CounterVec
	seizeRejections  *prometheus.CounterVec
	externalFailures *prometheus.CounterVec
	utilization      *prometheus.GaugeVec
	totalBorrows     *prometheus.GaugeVec
	positionsOpen    prometheus.Gauge
	marginOps        *prometheus.CounterVec
}

var (
	lendingOnce     sync.Once
	lendingRegistry *LendingMetrics
)

func Lending() *LendingMetrics {
	lendingOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			marketOps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_market_operations_total",
				Help: "Count of market operations by asset and kind.",
			}, []string{"asset", "kind"}),
			flashLoans: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_flash_loans_total",
				Help: "Count of completed flash loans by asset.",
			}, []string{"asset"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "risk_liquidations_total",
				Help: "Count of executed liquidations by repay asset.",
			}, []string{"asset"}),
			seizeRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_seize_rejections_total",
				Help: "Count of rejected seize attempts by reason.",
			}, []string{"reason"}),
			externalFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_external_failures_total",
				Help: "Count of recoverable external call failures by target.",
			}, []string{"target"}),
			utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "lending_market_utilization",
				Help: "Current borrow utilization per market, scaled to [0,1].",
			}, []string{"asset"}),
			totalBorrows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "lending_market_borrows",
				Help: "Outstanding borrows per market in base units.",
			}, []string{"asset"}),
			positionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "margin_positions_open",
				Help: "Number of margin positions currently open.",
			}),
			marginOps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "margin_position_events_total",
				Help: "Count of margin position lifecycle events by kind.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(
			lendingRegistry.marketOps,
			lendingRegistry.flashLoans,
			lendingRegistry.liquidations,
			lendingRegistry.seizeRejections,
			lendingRegistry.externalFailures,
			lendingRegistry.utilization,
			lendingRegistry.totalBorrows,
			lendingRegistry.positionsOpen,
			lendingRegistry.marginOps,
		)
	})
	return lendingRegistry
}

func (m *LendingMetrics) ObserveMarketOp(asset, kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.marketOps.WithLabelValues(asset, kind).Inc()
}

func (m *LendingMetrics) ObserveFlashLoan(asset string) {
	if m == nil {
		return
	}
	m.flashLoans.WithLabelValues(asset).Inc()
}

func (m *LendingMetrics) ObserveLiquidation(asset string) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(asset).Inc()
}

func (m *LendingMetrics) ObserveSeizeRejection(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.seizeRejections.WithLabelValues(reason).Inc()
}

func (m *LendingMetrics) ObserveExternalFailure(target string) {
	if m == nil {
		return
	}
	if target == "" {
		target = "unknown"
	}
	m.externalFailures.WithLabelValues(target).Inc()
}

// SetMarketGauges records the current utilization and borrow totals for a
// market. Utilization arrives scaled 1e6 and is normalized here.
func (m *LendingMetrics) SetMarketGauges(asset string, utilization uint64, borrows *big.Int) {
	if m == nil {
		return
	}
	m.utilization.WithLabelValues(asset).Set(float64(utilization) / 1e6)
	if borrows != nil {
		value, _ := new(big.Float).SetInt(borrows).Float64()
		m.totalBorrows.WithLabelValues(asset).Set(value)
	}
}

func (m *LendingMetrics) ObserveMarginEvent(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.marginOps.WithLabelValues(kind).Inc()
	switch kind {
	case "opened":
		m.positionsOpen.Inc()
	case "closed", "liquidated":
		m.positionsOpen.Dec()
	}
}
