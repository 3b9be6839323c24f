package observability

import (
	"lendcore/core/events"
	"lendcore/observability/metrics"
)

// MetricsEmitter forwards engine events into the prometheus registry while
// delegating to an inner emitter for broadcast. A nil inner emitter records
// metrics only.
type MetricsEmitter struct {
	inner events.Emitter
}

// NewMetricsEmitter wraps the supplied emitter with metrics recording.
func NewMetricsEmitter(inner events.Emitter) *MetricsEmitter {
	return &MetricsEmitter{inner: inner}
}

// Emit satisfies events.Emitter.
func (m *MetricsEmitter) Emit(evt events.Event) {
	if m == nil {
		return
	}
	record(evt)
	if m.inner != nil {
		m.inner.Emit(evt)
	}
}

func record(evt events.Event) {
	reg := metrics.Lending()
	switch e := evt.(type) {
	case *events.MarketDeposit:
		reg.ObserveMarketOp(e.Asset, "deposit")
	case *events.MarketWithdraw:
		reg.ObserveMarketOp(e.Asset, "withdraw")
	case *events.MarketBorrow:
		reg.ObserveMarketOp(e.Asset, "borrow")
	case *events.MarketRepay:
		reg.ObserveMarketOp(e.Asset, "repay")
	case *events.FlashLoan:
		reg.ObserveFlashLoan(e.Asset)
	case *events.CollateralSeized:
		reg.ObserveMarketOp(e.Asset, "seize")
	case *events.InvalidSeizeAttempt:
		reg.ObserveSeizeRejection(e.Reason)
	case *events.ExternalCallFailed:
		reg.ObserveExternalFailure(e.Target)
	case *events.Liquidation:
		reg.ObserveLiquidation(e.RepayAsset)
	case *events.PositionOpened:
		reg.ObserveMarginEvent("opened")
	case *events.PositionClosed:
		reg.ObserveMarginEvent("closed")
	case *events.PositionLiquidated:
		reg.ObserveMarginEvent("liquidated")
	}
}
