package events

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"lendcore/core/types"
)

const (
	// TypeMarketListed marks a market registered with the risk engine.
	TypeMarketListed = "risk.market.listed"
	// TypeMarketEntered marks an account opting a market into its
	// collateral set.
	TypeMarketEntered = "risk.market.entered"
	// TypeMarketExited marks an account leaving a market.
	TypeMarketExited = "risk.market.exited"
	// TypeActionPauseSet marks a pause flag flipped by the guardian.
	TypeActionPauseSet = "risk.pause.set"
	// TypeLiquidation marks a completed cross-market liquidation.
	TypeLiquidation = "risk.liquidation"
	// TypeRewardsClaimed marks accrued rewards paid out.
	TypeRewardsClaimed = "risk.rewards.claimed"
)

// MarketListed records a market joining the risk engine registry.
type MarketListed struct {
	Asset            string
	CollateralFactor uint64
}

// EventType satisfies the events.Event interface.
func (MarketListed) EventType() string { return TypeMarketListed }

// Event converts the structured payload into a broadcastable event.
func (e MarketListed) Event() *types.Event {
	return &types.Event{Type: TypeMarketListed, Attributes: map[string]string{
		"asset":            normalizeAsset(e.Asset),
		"collateralFactor": strconv.FormatUint(e.CollateralFactor, 10),
	}}
}

// MarketEntered records an account entering a market.
type MarketEntered struct {
	Asset   string
	Account common.Address
}

func (MarketEntered) EventType() string { return TypeMarketEntered }

// Event converts the structured payload into a broadcastable event.
func (e MarketEntered) Event() *types.Event {
	return &types.Event{Type: TypeMarketEntered, Attributes: map[string]string{
		"asset":   normalizeAsset(e.Asset),
		"account": e.Account.Hex(),
	}}
}

// MarketExited records an account leaving a market.
type MarketExited struct {
	Asset   string
	Account common.Address
}

func (MarketExited) EventType() string { return TypeMarketExited }

// Event converts the structured payload into a broadcastable event.
func (e MarketExited) Event() *types.Event {
	return &types.Event{Type: TypeMarketExited, Attributes: map[string]string{
		"asset":   normalizeAsset(e.Asset),
		"account": e.Account.Hex(),
	}}
}

// ActionPauseSet records a guardian toggling a market action pause.
type ActionPauseSet struct {
	Asset  string
	Action string
	Paused bool
}

func (ActionPauseSet) EventType() string { return TypeActionPauseSet }

// Event converts the structured payload into a broadcastable event.
func (e ActionPauseSet) Event() *types.Event {
	return &types.Event{Type: TypeActionPauseSet, Attributes: map[string]string{
		"asset":  normalizeAsset(e.Asset),
		"action": e.Action,
		"paused": strconv.FormatBool(e.Paused),
	}}
}

// Liquidation records a completed liquidation across a borrow market and a
// collateral market.
type Liquidation struct {
	Liquidator      common.Address
	Borrower        common.Address
	RepayAsset      string
	CollateralAsset string
	Repaid          *big.Int
	SeizedShares    *big.Int
}

func (Liquidation) EventType() string { return TypeLiquidation }

// Event converts the structured payload into a broadcastable event.
func (e Liquidation) Event() *types.Event {
	attrs := map[string]string{
		"liquidator":      e.Liquidator.Hex(),
		"borrower":        e.Borrower.Hex(),
		"repayAsset":      normalizeAsset(e.RepayAsset),
		"collateralAsset": normalizeAsset(e.CollateralAsset),
	}
	putAmount(attrs, "repaid", e.Repaid)
	putAmount(attrs, "seizedShares", e.SeizedShares)
	return &types.Event{Type: TypeLiquidation, Attributes: attrs}
}

// RewardsClaimed records accrued protocol rewards minted to an account.
type RewardsClaimed struct {
	Account common.Address
	Amount  *big.Int
}

func (RewardsClaimed) EventType() string { return TypeRewardsClaimed }

// Event converts the structured payload into a broadcastable event.
func (e RewardsClaimed) Event() *types.Event {
	attrs := map[string]string{"account": e.Account.Hex()}
	putAmount(attrs, "amount", e.Amount)
	return &types.Event{Type: TypeRewardsClaimed, Attributes: attrs}
}
