package risk

import (
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"lendcore/core/events"
)

var (
	errNilMinter     = errors.New("risk engine: reward minter not configured")
	errNothingToPay  = errors.New("risk engine: nothing accrued")
	errNegativeSpeed = errors.New("risk engine: reward speed must not be negative")
)

// SetRewardSpeeds configures the per-second reward emission for a market's
// suppliers and borrowers. The market is settled up to now first so the old
// speeds cover the elapsed span.
func (e *Engine) SetRewardSpeeds(asset string, supplySpeed, borrowSpeed *big.Int) error {
	if e.state == nil {
		return errNilState
	}
	normalized := strings.ToUpper(strings.TrimSpace(asset))
	if _, ok := e.markets[normalized]; !ok {
		return errMarketNotListed
	}
	if (supplySpeed != nil && supplySpeed.Sign() < 0) || (borrowSpeed != nil && borrowSpeed.Sign() < 0) {
		return errNegativeSpeed
	}
	state, err := e.accrueRewardMarket(normalized)
	if err != nil {
		return err
	}
	state.SupplySpeed = cloneBigInt(supplySpeed)
	state.BorrowSpeed = cloneBigInt(borrowSpeed)
	return e.state.PutRewardMarket(normalized, state)
}

// accrueRewardMarket advances the market reward indexes to now and returns
// the updated state without persisting it.
func (e *Engine) accrueRewardMarket(asset string) (*RewardMarketState, error) {
	state, err := e.state.GetRewardMarket(asset)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = &RewardMarketState{UpdatedAt: e.now()}
	} else {
		state = state.Clone()
	}
	state.ensureDefaults()

	now := e.now()
	if now <= state.UpdatedAt {
		return state, nil
	}
	elapsed := new(big.Int).SetUint64(now - state.UpdatedAt)
	state.UpdatedAt = now

	handle := e.markets[asset]
	if state.SupplySpeed.Sign() > 0 {
		totalShares, err := handle.TotalShares()
		if err != nil {
			return nil, err
		}
		if totalShares.Sign() > 0 {
			delta := new(big.Int).Mul(state.SupplySpeed, elapsed)
			delta.Mul(delta, indexScale)
			delta.Quo(delta, totalShares)
			state.SupplyIndex.Add(state.SupplyIndex, delta)
		}
	}
	if state.BorrowSpeed.Sign() > 0 {
		totalBorrows, err := handle.TotalBorrows()
		if err != nil {
			return nil, err
		}
		if totalBorrows.Sign() > 0 {
			delta := new(big.Int).Mul(state.BorrowSpeed, elapsed)
			delta.Mul(delta, indexScale)
			delta.Quo(delta, totalBorrows)
			state.BorrowIndex.Add(state.BorrowIndex, delta)
		}
	}
	return state, nil
}

// AccrueRewards settles a user's reward position in a market up to now. The
// market engines call this right before balances change so the indexes apply
// to the pre-change balances.
func (e *Engine) AccrueRewards(asset string, user common.Address) error {
	if e.state == nil {
		return errNilState
	}
	normalized := strings.ToUpper(strings.TrimSpace(asset))
	handle, ok := e.markets[normalized]
	if !ok {
		return errMarketNotListed
	}
	marketState, err := e.accrueRewardMarket(normalized)
	if err != nil {
		return err
	}
	if err := e.state.PutRewardMarket(normalized, marketState); err != nil {
		return err
	}

	userState, err := e.state.GetRewardUser(normalized, user)
	if err != nil {
		return err
	}
	if userState == nil {
		userState = &RewardUserState{}
	} else {
		userState = userState.Clone()
	}
	userState.ensureDefaults()

	owed := big.NewInt(0)
	if marketState.SupplyIndex.Cmp(userState.SupplyIndex) > 0 {
		shares, err := handle.ShareBalance(user)
		if err != nil {
			return err
		}
		if shares.Sign() > 0 {
			delta := new(big.Int).Sub(marketState.SupplyIndex, userState.SupplyIndex)
			delta.Mul(delta, shares)
			delta.Quo(delta, indexScale)
			owed.Add(owed, delta)
		}
	}
	if marketState.BorrowIndex.Cmp(userState.BorrowIndex) > 0 {
		borrowed, err := handle.BorrowBalance(user)
		if err != nil {
			return err
		}
		if borrowed.Sign() > 0 {
			delta := new(big.Int).Sub(marketState.BorrowIndex, userState.BorrowIndex)
			delta.Mul(delta, borrowed)
			delta.Quo(delta, indexScale)
			owed.Add(owed, delta)
		}
	}
	userState.SupplyIndex = new(big.Int).Set(marketState.SupplyIndex)
	userState.BorrowIndex = new(big.Int).Set(marketState.BorrowIndex)
	if err := e.state.PutRewardUser(normalized, user, userState); err != nil {
		return err
	}

	if owed.Sign() > 0 {
		accrued, err := e.state.GetRewardAccrued(user)
		if err != nil {
			return err
		}
		if accrued == nil {
			accrued = big.NewInt(0)
		}
		if err := e.state.PutRewardAccrued(user, new(big.Int).Add(accrued, owed)); err != nil {
			return err
		}
	}
	return nil
}

// RewardAccrued reports the user's unclaimed reward balance after settling
// every listed market.
func (e *Engine) RewardAccrued(user common.Address) (*big.Int, error) {
	if e.state == nil {
		return nil, errNilState
	}
	for _, asset := range e.order {
		if err := e.AccrueRewards(asset, user); err != nil {
			return nil, err
		}
	}
	accrued, err := e.state.GetRewardAccrued(user)
	if err != nil {
		return nil, err
	}
	if accrued == nil {
		accrued = big.NewInt(0)
	}
	return accrued, nil
}

// Claim settles every market, mints the user's accrued rewards and resets the
// counter.
func (e *Engine) Claim(user common.Address) (*big.Int, error) {
	if e.minter == nil {
		return nil, errNilMinter
	}
	accrued, err := e.RewardAccrued(user)
	if err != nil {
		return nil, err
	}
	if accrued.Sign() == 0 {
		return nil, errNothingToPay
	}
	if err := e.minter.Mint(user, accrued); err != nil {
		return nil, err
	}
	if err := e.state.PutRewardAccrued(user, big.NewInt(0)); err != nil {
		return nil, err
	}
	e.emit(&events.RewardsClaimed{Account: user, Amount: accrued})
	return accrued, nil
}
