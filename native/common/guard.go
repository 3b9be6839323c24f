package common

import "errors"

var ErrActionPaused = errors.New("market action paused")

// Market actions that can be paused independently per asset.
const (
	ActionDeposit   = "deposit"
	ActionBorrow    = "borrow"
	ActionRedeem    = "redeem"
	ActionLiquidate = "liquidate"
)

// PauseView reports whether a given action is paused for a market.
type PauseView interface {
	IsPaused(asset, action string) bool
}

// Guard returns ErrActionPaused when the view reports the market action as
// paused. A nil view or empty action never blocks.
func Guard(p PauseView, asset, action string) error {
	if p == nil || action == "" {
		return nil
	}
	if p.IsPaused(asset, action) {
		return ErrActionPaused
	}
	return nil
}
