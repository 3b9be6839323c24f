package risk

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"lendcore/native/lending"
)

// MarketHandle is the surface a listed money market exposes to the risk
// engine. *lending.Engine satisfies it.
type MarketHandle interface {
	Asset() string
	ExchangeRate() (*big.Int, error)
	AvailableLiquidity() (*big.Int, error)
	TotalShares() (*big.Int, error)
	TotalBorrows() (*big.Int, error)
	ShareBalance(addr common.Address) (*big.Int, error)
	BorrowBalance(addr common.Address) (*big.Int, error)
	RepayBehalf(payer, borrower common.Address, amount *big.Int) (*big.Int, error)
	Seize(ctx *lending.SeizeContext, borrower, liquidator common.Address, shares *big.Int) error
}

// PriceQuote is a raw oracle observation. Price is USD per base unit scaled
// by Scale; Resolution is the feed's round interval in seconds.
type PriceQuote struct {
	Price      *big.Int
	Scale      *big.Int
	Timestamp  uint64
	Resolution uint64
}

// OracleSource supplies price observations for listed assets.
type OracleSource interface {
	Price(asset string) (*PriceQuote, error)
}

// RewardMinter mints the protocol reward token during claims.
type RewardMinter interface {
	Mint(to common.Address, amount *big.Int) error
}

// marketConfig is the per-market risk configuration.
type marketConfig struct {
	collateralFactor uint64
	paused           map[string]bool
}

// RewardMarketState tracks the global reward indexes for one market. Indexes
// are scaled 1e18 and only ever grow.
type RewardMarketState struct {
	SupplySpeed *big.Int
	BorrowSpeed *big.Int
	SupplyIndex *big.Int
	BorrowIndex *big.Int
	UpdatedAt   uint64
}

// RewardUserState records the indexes a user last settled against.
type RewardUserState struct {
	SupplyIndex *big.Int
	BorrowIndex *big.Int
}

func (s *RewardMarketState) ensureDefaults() {
	if s.SupplySpeed == nil {
		s.SupplySpeed = big.NewInt(0)
	}
	if s.BorrowSpeed == nil {
		s.BorrowSpeed = big.NewInt(0)
	}
	if s.SupplyIndex == nil {
		s.SupplyIndex = big.NewInt(0)
	}
	if s.BorrowIndex == nil {
		s.BorrowIndex = big.NewInt(0)
	}
}

func (s *RewardUserState) ensureDefaults() {
	if s.SupplyIndex == nil {
		s.SupplyIndex = big.NewInt(0)
	}
	if s.BorrowIndex == nil {
		s.BorrowIndex = big.NewInt(0)
	}
}

// Clone returns a detached copy.
func (s *RewardMarketState) Clone() *RewardMarketState {
	if s == nil {
		return nil
	}
	return &RewardMarketState{
		SupplySpeed: cloneBigInt(s.SupplySpeed),
		BorrowSpeed: cloneBigInt(s.BorrowSpeed),
		SupplyIndex: cloneBigInt(s.SupplyIndex),
		BorrowIndex: cloneBigInt(s.BorrowIndex),
		UpdatedAt:   s.UpdatedAt,
	}
}

// Clone returns a detached copy.
func (s *RewardUserState) Clone() *RewardUserState {
	if s == nil {
		return nil
	}
	return &RewardUserState{
		SupplyIndex: cloneBigInt(s.SupplyIndex),
		BorrowIndex: cloneBigInt(s.BorrowIndex),
	}
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
