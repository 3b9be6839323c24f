package lending

import (
	"errors"
	"math/big"
)

// Fixed point scales used across the protocol. Rates, factors and prices are
// scaled by 1e6, interest indexes by 1e18.
var (
	scale      = big.NewInt(1_000_000)
	indexScale = func() *big.Int {
		v, _ := new(big.Int).SetString("1000000000000000000", 10)
		return v
	}()
	// maxYearlyRate caps any yearly rate at 1000% APY.
	maxYearlyRate = big.NewInt(10_000_000)
)

const secondsPerYear = 31_536_000

var yearScale = new(big.Int).Mul(big.NewInt(secondsPerYear), scale)

var errRateTooHigh = errors.New("lending engine: yearly rate exceeds cap")

// interestProduct computes amount * yearlyRate * elapsed / (secondsPerYear *
// 1e6). The rate and elapsed factors are reduced against the denominator by
// their gcd before multiplying so the intermediate product stays as small as
// the inputs allow.
func interestProduct(amount *big.Int, yearlyRate uint64, elapsed uint64) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 || yearlyRate == 0 || elapsed == 0 {
		return big.NewInt(0), nil
	}
	rate := new(big.Int).SetUint64(yearlyRate)
	if rate.Cmp(maxYearlyRate) > 0 {
		return nil, errRateTooHigh
	}
	denom := new(big.Int).Set(yearScale)

	g := new(big.Int).GCD(nil, nil, rate, denom)
	if g.Cmp(bigOne) > 0 {
		rate.Quo(rate, g)
		denom.Quo(denom, g)
	}
	span := new(big.Int).SetUint64(elapsed)
	g = new(big.Int).GCD(nil, nil, span, denom)
	if g.Cmp(bigOne) > 0 {
		span.Quo(span, g)
		denom.Quo(denom, g)
	}

	out := new(big.Int).Mul(amount, rate)
	out.Mul(out, span)
	return out.Quo(out, denom), nil
}

var bigOne = big.NewInt(1)

// mulDiv returns a * b / d with flooring division. d must be positive.
func mulDiv(a, b, d *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, d)
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}
