package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"lendcore/core/types"
)

const (
	// TypeMarketDeposit marks underlying supplied to a market.
	TypeMarketDeposit = "lending.deposit"
	// TypeMarketWithdraw marks shares redeemed for underlying.
	TypeMarketWithdraw = "lending.withdraw"
	// TypeMarketBorrow marks debt drawn against collateral.
	TypeMarketBorrow = "lending.borrow"
	// TypeMarketRepay marks debt settled.
	TypeMarketRepay = "lending.repay"
	// TypeFlashLoan marks a completed flash loan.
	TypeFlashLoan = "lending.flashloan"
	// TypeCollateralSeized marks collateral moved during a liquidation.
	TypeCollateralSeized = "lending.seize"
	// TypeInvalidSeizeAttempt is the audit trail for rejected seizures.
	TypeInvalidSeizeAttempt = "lending.seize.invalid"
	// TypeExternalCallFailed records a recoverable collaborator failure.
	TypeExternalCallFailed = "lending.external.failed"
)

// MarketDeposit records a supply into a market.
type MarketDeposit struct {
	Asset    string
	Supplier common.Address
	Amount   *big.Int
	Shares   *big.Int
}

// EventType satisfies the events.Event interface.
func (MarketDeposit) EventType() string { return TypeMarketDeposit }

// Event converts the structured payload into a broadcastable event.
func (e MarketDeposit) Event() *types.Event {
	attrs := map[string]string{
		"asset":    normalizeAsset(e.Asset),
		"supplier": e.Supplier.Hex(),
	}
	putAmount(attrs, "amount", e.Amount)
	putAmount(attrs, "shares", e.Shares)
	return &types.Event{Type: TypeMarketDeposit, Attributes: attrs}
}

// MarketWithdraw records a redemption of shares.
type MarketWithdraw struct {
	Asset    string
	Supplier common.Address
	Amount   *big.Int
	Shares   *big.Int
}

func (MarketWithdraw) EventType() string { return TypeMarketWithdraw }

// Event converts the structured payload into a broadcastable event.
func (e MarketWithdraw) Event() *types.Event {
	attrs := map[string]string{
		"asset":    normalizeAsset(e.Asset),
		"supplier": e.Supplier.Hex(),
	}
	putAmount(attrs, "amount", e.Amount)
	putAmount(attrs, "shares", e.Shares)
	return &types.Event{Type: TypeMarketWithdraw, Attributes: attrs}
}

// MarketBorrow records new debt drawn from a market.
type MarketBorrow struct {
	Asset    string
	Borrower common.Address
	Amount   *big.Int
	Debt     *big.Int
}

func (MarketBorrow) EventType() string { return TypeMarketBorrow }

// Event converts the structured payload into a broadcastable event.
func (e MarketBorrow) Event() *types.Event {
	attrs := map[string]string{
		"asset":    normalizeAsset(e.Asset),
		"borrower": e.Borrower.Hex(),
	}
	putAmount(attrs, "amount", e.Amount)
	putAmount(attrs, "debt", e.Debt)
	return &types.Event{Type: TypeMarketBorrow, Attributes: attrs}
}

// MarketRepay records a debt settlement, possibly on behalf of another
// borrower.
type MarketRepay struct {
	Asset     string
	Payer     common.Address
	Borrower  common.Address
	Amount    *big.Int
	Remaining *big.Int
}

func (MarketRepay) EventType() string { return TypeMarketRepay }

// Event converts the structured payload into a broadcastable event.
func (e MarketRepay) Event() *types.Event {
	attrs := map[string]string{
		"asset":    normalizeAsset(e.Asset),
		"payer":    e.Payer.Hex(),
		"borrower": e.Borrower.Hex(),
	}
	putAmount(attrs, "amount", e.Amount)
	putAmount(attrs, "remaining", e.Remaining)
	return &types.Event{Type: TypeMarketRepay, Attributes: attrs}
}

// FlashLoan records a completed flash loan and the fee collected.
type FlashLoan struct {
	Asset    string
	Receiver common.Address
	Amount   *big.Int
	Fee      *big.Int
}

func (FlashLoan) EventType() string { return TypeFlashLoan }

// Event converts the structured payload into a broadcastable event.
func (e FlashLoan) Event() *types.Event {
	attrs := map[string]string{
		"asset":    normalizeAsset(e.Asset),
		"receiver": e.Receiver.Hex(),
	}
	putAmount(attrs, "amount", e.Amount)
	putAmount(attrs, "fee", e.Fee)
	return &types.Event{Type: TypeFlashLoan, Attributes: attrs}
}

// CollateralSeized records a forced collateral transfer during liquidation.
type CollateralSeized struct {
	Asset      string
	Borrower   common.Address
	Liquidator common.Address
	Shares     *big.Int
	FeeShares  *big.Int
}

func (CollateralSeized) EventType() string { return TypeCollateralSeized }

// Event converts the structured payload into a broadcastable event.
func (e CollateralSeized) Event() *types.Event {
	attrs := map[string]string{
		"asset":      normalizeAsset(e.Asset),
		"borrower":   e.Borrower.Hex(),
		"liquidator": e.Liquidator.Hex(),
	}
	putAmount(attrs, "shares", e.Shares)
	putAmount(attrs, "feeShares", e.FeeShares)
	return &types.Event{Type: TypeCollateralSeized, Attributes: attrs}
}

// InvalidSeizeAttempt records a seizure the market refused, together with the
// rejection reason, so attempted griefing stays visible downstream.
type InvalidSeizeAttempt struct {
	Asset      string
	Borrower   common.Address
	Liquidator common.Address
	Reason     string
}

func (InvalidSeizeAttempt) EventType() string { return TypeInvalidSeizeAttempt }

// Event converts the structured payload into a broadcastable event.
func (e InvalidSeizeAttempt) Event() *types.Event {
	return &types.Event{Type: TypeInvalidSeizeAttempt, Attributes: map[string]string{
		"asset":      normalizeAsset(e.Asset),
		"borrower":   e.Borrower.Hex(),
		"liquidator": e.Liquidator.Hex(),
		"reason":     e.Reason,
	}}
}

// ExternalCallFailed records a collaborator failure that the calling module
// classified as recoverable and skipped.
type ExternalCallFailed struct {
	Module      string
	Target      string
	Recoverable bool
	Detail      string
}

func (ExternalCallFailed) EventType() string { return TypeExternalCallFailed }

// Event converts the structured payload into a broadcastable event.
func (e ExternalCallFailed) Event() *types.Event {
	recoverable := "false"
	if e.Recoverable {
		recoverable = "true"
	}
	return &types.Event{Type: TypeExternalCallFailed, Attributes: map[string]string{
		"module":      e.Module,
		"target":      e.Target,
		"recoverable": recoverable,
		"detail":      e.Detail,
	}}
}
