package lending

import (
	"errors"
	"math/big"
)

var (
	errKinkTooHigh       = errors.New("lending rate model: kink exceeds 100%")
	errSlopeTooSteep     = errors.New("lending rate model: slope exceeds 10x scale")
	errNilModelInput     = errors.New("lending rate model: nil input")
	errNegativeModelCash = errors.New("lending rate model: negative cash")
)

// RateModel derives yearly borrow and supply rates (scaled 1e6) from the
// market's liquidity shape.
type RateModel interface {
	BorrowRate(cash, borrows, reserves *big.Int) (uint64, error)
	SupplyRate(cash, borrows, reserves *big.Int, reserveFactor uint64) (uint64, error)
}

// slopeCap bounds the multiplier and jump parameters at 10x the rate scale.
var slopeCap = big.NewInt(10_000_000)

// JumpRateModel is a two-slope curve: below the kink the borrow rate climbs
// linearly from the base, above it the jump multiplier takes over.
type JumpRateModel struct {
	baseRate   *big.Int
	multiplier *big.Int
	jump       *big.Int
	kink       *big.Int
}

// NewJumpRateModel validates the curve parameters (all scaled 1e6) and builds
// the model. The kink must not exceed 100% utilization and neither slope may
// exceed ten times the scale.
func NewJumpRateModel(baseRate, multiplier, jump, kink uint64) (*JumpRateModel, error) {
	if kink > uint64(scale.Uint64()) {
		return nil, errKinkTooHigh
	}
	mul := new(big.Int).SetUint64(multiplier)
	jmp := new(big.Int).SetUint64(jump)
	if mul.Cmp(slopeCap) > 0 || jmp.Cmp(slopeCap) > 0 {
		return nil, errSlopeTooSteep
	}
	return &JumpRateModel{
		baseRate:   new(big.Int).SetUint64(baseRate),
		multiplier: mul,
		jump:       jmp,
		kink:       new(big.Int).SetUint64(kink),
	}, nil
}

// Utilization returns borrows * 1e6 / (cash + borrows - reserves), or zero
// when there are no borrows or the denominator collapses.
func (m *JumpRateModel) Utilization(cash, borrows, reserves *big.Int) (*big.Int, error) {
	if cash == nil || borrows == nil || reserves == nil {
		return nil, errNilModelInput
	}
	if cash.Sign() < 0 {
		return nil, errNegativeModelCash
	}
	if borrows.Sign() == 0 {
		return big.NewInt(0), nil
	}
	denom := new(big.Int).Add(cash, borrows)
	denom.Sub(denom, reserves)
	if denom.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	return mulDiv(borrows, scale, denom), nil
}

// BorrowRate returns the yearly borrow rate at the current utilization.
func (m *JumpRateModel) BorrowRate(cash, borrows, reserves *big.Int) (uint64, error) {
	util, err := m.Utilization(cash, borrows, reserves)
	if err != nil {
		return 0, err
	}
	rate := new(big.Int)
	if util.Cmp(m.kink) <= 0 {
		rate = mulDiv(util, m.multiplier, scale)
		rate.Add(rate, m.baseRate)
	} else {
		normal := mulDiv(m.kink, m.multiplier, scale)
		normal.Add(normal, m.baseRate)
		excess := new(big.Int).Sub(util, m.kink)
		rate = mulDiv(excess, m.jump, scale)
		rate.Add(rate, normal)
	}
	return rate.Uint64(), nil
}

// SupplyRate returns the yearly supply rate: the borrow rate net of the
// reserve factor, weighted by utilization.
func (m *JumpRateModel) SupplyRate(cash, borrows, reserves *big.Int, reserveFactor uint64) (uint64, error) {
	borrowRate, err := m.BorrowRate(cash, borrows, reserves)
	if err != nil {
		return 0, err
	}
	util, err := m.Utilization(cash, borrows, reserves)
	if err != nil {
		return 0, err
	}
	oneMinusReserve := new(big.Int).Sub(scale, new(big.Int).SetUint64(reserveFactor))
	if oneMinusReserve.Sign() < 0 {
		oneMinusReserve.SetInt64(0)
	}
	rate := mulDiv(new(big.Int).SetUint64(borrowRate), oneMinusReserve, scale)
	rate = mulDiv(rate, util, scale)
	return rate.Uint64(), nil
}
