package risk

import (
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"lendcore/core/events"
	nativecommon "lendcore/native/common"
	"lendcore/native/lending"
)

var (
	errSelfLiquidation = errors.New("risk engine: borrower cannot liquidate themselves")
	errSameMarket      = errors.New("risk engine: repay and collateral markets must differ")
	errNoShortfall     = errors.New("risk engine: no shortfall")
	errRepayTooSmall   = errors.New("risk engine: repay too small")
	errNothingToSeize  = errors.New("risk engine: seize amount rounds to zero")
)

// Liquidate repays part of an underwater borrower's debt out of the
// liquidator's funds and seizes discounted collateral in exchange. The repaid
// amount is capped by the close factor and the seizure is clamped to the
// borrower's collateral balance. A protocol fee share of the seizure goes to
// the reserve recipient.
func (e *Engine) Liquidate(liquidator, borrower common.Address, repayAsset, collateralAsset string, repayAmount *big.Int) (*big.Int, *big.Int, error) {
	if liquidator == borrower {
		return nil, nil, errSelfLiquidation
	}
	repayNorm := strings.ToUpper(strings.TrimSpace(repayAsset))
	collNorm := strings.ToUpper(strings.TrimSpace(collateralAsset))
	if repayNorm == collNorm {
		return nil, nil, errSameMarket
	}
	repayHandle, ok := e.markets[repayNorm]
	if !ok {
		return nil, nil, errMarketNotListed
	}
	collHandle, ok := e.markets[collNorm]
	if !ok {
		return nil, nil, errMarketNotListed
	}
	if err := nativecommon.Guard(e, repayNorm, nativecommon.ActionLiquidate); err != nil {
		return nil, nil, err
	}
	if err := nativecommon.Guard(e, collNorm, nativecommon.ActionLiquidate); err != nil {
		return nil, nil, err
	}
	if e.liquidationFee > 0 && e.reserveRecipient == (common.Address{}) {
		return nil, nil, errInvalidRecipient
	}

	liquidity, shortfall, err := e.AccountLiquidity(borrower)
	if err != nil {
		return nil, nil, err
	}
	if shortfall.Sign() == 0 {
		return nil, nil, errNoShortfall
	}

	debt, err := repayHandle.BorrowBalance(borrower)
	if err != nil {
		return nil, nil, err
	}
	repayCap := new(big.Int).Mul(debt, new(big.Int).SetUint64(e.closeFactor))
	repayCap.Quo(repayCap, scale)
	if repayAmount == nil || repayAmount.Sign() <= 0 || repayCap.Sign() == 0 {
		return nil, nil, errRepayTooSmall
	}
	repay := new(big.Int).Set(repayAmount)
	if repay.Cmp(repayCap) > 0 {
		repay.Set(repayCap)
	}

	seizeShares, err := e.PreviewSeizeShares(repayNorm, collNorm, repay)
	if err != nil {
		return nil, nil, err
	}
	held, err := collHandle.ShareBalance(borrower)
	if err != nil {
		return nil, nil, err
	}
	if seizeShares.Cmp(held) > 0 {
		seizeShares.Set(held)
	}
	if seizeShares.Sign() == 0 {
		return nil, nil, errNothingToSeize
	}
	fee := new(big.Int).Mul(seizeShares, new(big.Int).SetUint64(e.liquidationFee))
	fee.Quo(fee, scale)

	repaid, err := repayHandle.RepayBehalf(liquidator, borrower, repay)
	if err != nil {
		return nil, nil, err
	}

	ctx := &lending.SeizeContext{
		Liquidity:       liquidity,
		Shortfall:       shortfall,
		MaxRedeemShares: big.NewInt(0),
		SeizeShares:     seizeShares,
		FeeRecipient:    e.reserveRecipient,
		FeeShares:       fee,
		ExpiresAt:       e.now() + e.seizeContextTTL,
	}
	if err := collHandle.Seize(ctx, borrower, liquidator, seizeShares); err != nil {
		return nil, nil, err
	}

	e.emit(&events.Liquidation{
		Liquidator:      liquidator,
		Borrower:        borrower,
		RepayAsset:      repayNorm,
		CollateralAsset: collNorm,
		Repaid:          repaid,
		SeizedShares:    seizeShares,
	})
	return repaid, seizeShares, nil
}
