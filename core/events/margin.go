package events

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"lendcore/core/types"
)

const (
	// TypePositionOpened marks a leveraged position created.
	TypePositionOpened = "margin.position.opened"
	// TypePositionClosed marks a position unwound by its owner.
	TypePositionClosed = "margin.position.closed"
	// TypePositionLiquidated marks a position force-closed.
	TypePositionLiquidated = "margin.position.liquidated"
)

// PositionOpened records a new leveraged position.
type PositionOpened struct {
	ID              uint64
	Owner           common.Address
	Side            string
	CollateralAsset string
	DebtAsset       string
	Collateral      *big.Int
	DebtShares      *big.Int
	EntryPrice      *big.Int
}

// EventType satisfies the events.Event interface.
func (PositionOpened) EventType() string { return TypePositionOpened }

// Event converts the structured payload into a broadcastable event.
func (e PositionOpened) Event() *types.Event {
	attrs := map[string]string{
		"id":              strconv.FormatUint(e.ID, 10),
		"owner":           e.Owner.Hex(),
		"side":            e.Side,
		"collateralAsset": normalizeAsset(e.CollateralAsset),
		"debtAsset":       normalizeAsset(e.DebtAsset),
	}
	putAmount(attrs, "collateral", e.Collateral)
	putAmount(attrs, "debtShares", e.DebtShares)
	putAmount(attrs, "entryPrice", e.EntryPrice)
	return &types.Event{Type: TypePositionOpened, Attributes: attrs}
}

// PositionClosed records a position unwound by its owner and any surplus
// returned to them.
type PositionClosed struct {
	ID      uint64
	Owner   common.Address
	Repaid  *big.Int
	Surplus *big.Int
}

func (PositionClosed) EventType() string { return TypePositionClosed }

// Event converts the structured payload into a broadcastable event.
func (e PositionClosed) Event() *types.Event {
	attrs := map[string]string{
		"id":    strconv.FormatUint(e.ID, 10),
		"owner": e.Owner.Hex(),
	}
	putAmount(attrs, "repaid", e.Repaid)
	putAmount(attrs, "surplus", e.Surplus)
	return &types.Event{Type: TypePositionClosed, Attributes: attrs}
}

// PositionLiquidated records a position force-closed after its account fell
// below the collateral requirement.
type PositionLiquidated struct {
	ID         uint64
	Owner      common.Address
	Liquidator common.Address
}

func (PositionLiquidated) EventType() string { return TypePositionLiquidated }

// Event converts the structured payload into a broadcastable event.
func (e PositionLiquidated) Event() *types.Event {
	return &types.Event{Type: TypePositionLiquidated, Attributes: map[string]string{
		"id":         strconv.FormatUint(e.ID, 10),
		"owner":      e.Owner.Hex(),
		"liquidator": e.Liquidator.Hex(),
	}}
}
