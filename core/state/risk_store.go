package state

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"lendcore/native/risk"
)

// GetEnteredMarkets loads the markets an account uses as collateral.
func (m *Manager) GetEnteredMarkets(addr common.Address) ([]string, error) {
	var entered []string
	ok, err := m.KVGet(hashKey(enteredPrefix, addr.Bytes()), &entered)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []string{}, nil
	}
	return entered, nil
}

// PutEnteredMarkets stores an account's collateral set.
func (m *Manager) PutEnteredMarkets(addr common.Address, markets []string) error {
	return m.KVPut(hashKey(enteredPrefix, addr.Bytes()), markets)
}

// GetRewardMarket loads a market's reward indexes, or nil when never set.
func (m *Manager) GetRewardMarket(asset string) (*risk.RewardMarketState, error) {
	state := new(risk.RewardMarketState)
	ok, err := m.KVGet(hashKey(rewardMarketPrefix, []byte(normalizeSymbol(asset))), state)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return state, nil
}

// PutRewardMarket stores a market's reward indexes.
func (m *Manager) PutRewardMarket(asset string, state *risk.RewardMarketState) error {
	return m.KVPut(hashKey(rewardMarketPrefix, []byte(normalizeSymbol(asset))), state)
}

// GetRewardUser loads the indexes a user last settled against in a market.
func (m *Manager) GetRewardUser(asset string, addr common.Address) (*risk.RewardUserState, error) {
	state := new(risk.RewardUserState)
	ok, err := m.KVGet(hashKey(rewardUserPrefix, []byte(normalizeSymbol(asset)), addr.Bytes()), state)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return state, nil
}

// PutRewardUser stores the user's settled reward indexes for a market.
func (m *Manager) PutRewardUser(asset string, addr common.Address, state *risk.RewardUserState) error {
	return m.KVPut(hashKey(rewardUserPrefix, []byte(normalizeSymbol(asset)), addr.Bytes()), state)
}

// GetRewardAccrued loads a user's unclaimed reward balance.
func (m *Manager) GetRewardAccrued(addr common.Address) (*big.Int, error) {
	accrued := new(big.Int)
	ok, err := m.KVGet(hashKey(rewardAccruedPrefix, addr.Bytes()), accrued)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return accrued, nil
}

// PutRewardAccrued stores a user's unclaimed reward balance.
func (m *Manager) PutRewardAccrued(addr common.Address, amount *big.Int) error {
	return m.KVPut(hashKey(rewardAccruedPrefix, addr.Bytes()), amount)
}
