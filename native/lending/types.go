package lending

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Market captures the global accounting state for a single asset money market.
// Amount values are denominated in the asset's base units and expressed as big
// integers to match ledger precision.
type Market struct {
	// Asset is the underlying token symbol this market accepts.
	Asset string
	// Cash is the amount of underlying currently held by the market module
	// account and available for withdrawals, borrows and flash loans.
	Cash *big.Int
	// TotalDeposited tracks the supplier principal currently in the market
	// before any interest credit.
	TotalDeposited *big.Int
	// TotalBorrows is the outstanding borrowed amount including accrued
	// borrow interest.
	TotalBorrows *big.Int
	// TotalShares is the supply of receipt shares minted against deposits.
	TotalShares *big.Int
	// AccumulatedInterest holds supply-side interest credited to suppliers on
	// statically rated markets. Model driven markets grow supplier value
	// through Cash and TotalBorrows instead, so this stays zero for them.
	AccumulatedInterest *big.Int
	// Reserves is the protocol owned slice of borrow interest and flash loan
	// fees, excluded from the exchange rate.
	Reserves *big.Int
	// AdminFees is the admin owned slice of borrow interest, excluded from
	// the exchange rate.
	AdminFees *big.Int
	// BorrowIndex is the cumulative borrow interest index, scaled by 1e18 and
	// monotonically non-decreasing.
	BorrowIndex *big.Int
	// LastAccrualTime records the unix timestamp of the last interest
	// accrual.
	LastAccrualTime uint64
	// ReserveFactor is the share of borrow interest routed to reserves,
	// scaled by 1e6.
	ReserveFactor uint64
	// AdminFeeFactor is the share of borrow interest routed to admin fees,
	// scaled by 1e6.
	AdminFeeFactor uint64
	// FlashLoanFee is the flash loan fee rate scaled by 1e6.
	FlashLoanFee uint64
	// CollateralFactor is the local loan-to-value limit scaled by 1e6, used
	// when no risk engine is wired.
	CollateralFactor uint64
	// SupplyYearlyRate is the static yearly supply rate scaled by 1e6,
	// applied only when no rate model is configured.
	SupplyYearlyRate uint64
	// BorrowYearlyRate is the static yearly borrow rate scaled by 1e6,
	// applied only when no rate model is configured.
	BorrowYearlyRate uint64
	// SupplyCap bounds total underlying after a deposit. Zero means no cap.
	SupplyCap *big.Int
	// BorrowCap bounds total borrows after a borrow. Zero means no cap.
	BorrowCap *big.Int
}

// BorrowSnapshot records a borrower's debt principal together with the borrow
// index observed when the principal last changed. Current debt is recovered by
// scaling the principal with the ratio of the live index over the snapshot
// index. A snapshot with zero principal is never persisted.
type BorrowSnapshot struct {
	Principal     *big.Int
	InterestIndex *big.Int
}

// SeizeContext carries the risk engine's pre-computed liquidation figures into
// a collateral seizure. The market re-validates every field before moving
// shares so a stale or inconsistent context aborts the seizure.
type SeizeContext struct {
	// Liquidity is the borrower's account surplus in USD terms, scaled 1e6.
	Liquidity *big.Int
	// Shortfall is the borrower's account deficit in USD terms, scaled 1e6.
	// A seizure requires a positive shortfall.
	Shortfall *big.Int
	// MaxRedeemShares is the largest share amount the borrower could redeem
	// voluntarily. A forced seizure at or below this bound is rejected.
	MaxRedeemShares *big.Int
	// SeizeShares is the share amount the risk engine authorised.
	SeizeShares *big.Int
	// FeeRecipient receives FeeShares out of the seized amount.
	FeeRecipient common.Address
	// FeeShares is the protocol fee carved out of the seizure.
	FeeShares *big.Int
	// ExpiresAt is the unix timestamp after which the context is stale.
	ExpiresAt uint64
}

// MarketHint supplies a caller's own view of its market so liquidity checks
// issued mid transition do not read half-written state back out of the market.
type MarketHint struct {
	Asset                string
	ShareBalance         *big.Int
	BorrowedWithInterest *big.Int
	ExchangeRate         *big.Int
}

func (m *Market) ensureDefaults() {
	if m.Cash == nil {
		m.Cash = big.NewInt(0)
	}
	if m.TotalDeposited == nil {
		m.TotalDeposited = big.NewInt(0)
	}
	if m.TotalBorrows == nil {
		m.TotalBorrows = big.NewInt(0)
	}
	if m.TotalShares == nil {
		m.TotalShares = big.NewInt(0)
	}
	if m.AccumulatedInterest == nil {
		m.AccumulatedInterest = big.NewInt(0)
	}
	if m.Reserves == nil {
		m.Reserves = big.NewInt(0)
	}
	if m.AdminFees == nil {
		m.AdminFees = big.NewInt(0)
	}
	if m.BorrowIndex == nil || m.BorrowIndex.Sign() == 0 {
		m.BorrowIndex = new(big.Int).Set(indexScale)
	}
	if m.SupplyCap == nil {
		m.SupplyCap = big.NewInt(0)
	}
	if m.BorrowCap == nil {
		m.BorrowCap = big.NewInt(0)
	}
}

// Clone returns a deep copy so callers can mutate freely before committing.
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	cloned := *m
	cloned.Cash = cloneBigInt(m.Cash)
	cloned.TotalDeposited = cloneBigInt(m.TotalDeposited)
	cloned.TotalBorrows = cloneBigInt(m.TotalBorrows)
	cloned.TotalShares = cloneBigInt(m.TotalShares)
	cloned.AccumulatedInterest = cloneBigInt(m.AccumulatedInterest)
	cloned.Reserves = cloneBigInt(m.Reserves)
	cloned.AdminFees = cloneBigInt(m.AdminFees)
	cloned.BorrowIndex = cloneBigInt(m.BorrowIndex)
	cloned.SupplyCap = cloneBigInt(m.SupplyCap)
	cloned.BorrowCap = cloneBigInt(m.BorrowCap)
	return &cloned
}

// Clone returns a detached copy of the snapshot.
func (s *BorrowSnapshot) Clone() *BorrowSnapshot {
	if s == nil {
		return nil
	}
	return &BorrowSnapshot{
		Principal:     cloneBigInt(s.Principal),
		InterestIndex: cloneBigInt(s.InterestIndex),
	}
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
