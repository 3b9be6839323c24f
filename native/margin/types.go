package margin

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Side distinguishes long positions (borrow the quote asset, hold the base)
// from shorts (borrow the base asset, hold the quote).
type Side uint8

const (
	SideLong Side = iota + 1
	SideShort
)

// String renders the side for events and logs.
func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	default:
		return "unknown"
	}
}

// Status is the position lifecycle. Closed and Liquidated are terminal; the
// record stays in state for audit while the open index is pruned.
type Status uint8

const (
	StatusOpen Status = iota + 1
	StatusClosed
	StatusLiquidated
)

// Position records one leveraged trade. CollateralAsset names the market
// holding the position's receipt shares, which for a long is the base asset
// bought with borrowed quote.
type Position struct {
	ID               uint64
	Owner            common.Address
	Side             Side
	CollateralAsset  string
	DebtAsset        string
	CollateralShares *big.Int
	DebtShares       *big.Int
	// EntryPrice is the effective fill price in 1e6 USD per base unit.
	EntryPrice *big.Int
	OpenedAt   uint64
	Status     Status
}

// Clone returns a detached copy.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	cloned := *p
	cloned.CollateralShares = cloneBigInt(p.CollateralShares)
	cloned.DebtShares = cloneBigInt(p.DebtShares)
	cloned.EntryPrice = cloneBigInt(p.EntryPrice)
	return &cloned
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
