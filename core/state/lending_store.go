package state

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"lendcore/native/lending"
)

// GetMarket loads a market record, or nil when the asset has no market yet.
func (m *Manager) GetMarket(asset string) (*lending.Market, error) {
	market := new(lending.Market)
	ok, err := m.KVGet(hashKey(marketPrefix, []byte(normalizeSymbol(asset))), market)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return market, nil
}

// PutMarket stores a market record.
func (m *Manager) PutMarket(asset string, market *lending.Market) error {
	return m.KVPut(hashKey(marketPrefix, []byte(normalizeSymbol(asset))), market)
}

// GetBorrowSnapshot loads a borrower's snapshot, or nil when debt-free.
func (m *Manager) GetBorrowSnapshot(asset string, addr common.Address) (*lending.BorrowSnapshot, error) {
	snapshot := new(lending.BorrowSnapshot)
	ok, err := m.KVGet(hashKey(borrowPrefix, []byte(normalizeSymbol(asset)), addr.Bytes()), snapshot)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return snapshot, nil
}

// PutBorrowSnapshot stores a borrower's snapshot.
func (m *Manager) PutBorrowSnapshot(asset string, addr common.Address, snapshot *lending.BorrowSnapshot) error {
	return m.KVPut(hashKey(borrowPrefix, []byte(normalizeSymbol(asset)), addr.Bytes()), snapshot)
}

// DeleteBorrowSnapshot removes a settled borrower's snapshot.
func (m *Manager) DeleteBorrowSnapshot(asset string, addr common.Address) error {
	return m.KVDelete(hashKey(borrowPrefix, []byte(normalizeSymbol(asset)), addr.Bytes()))
}

// GetShareBalance loads addr's receipt shares in a market.
func (m *Manager) GetShareBalance(asset string, addr common.Address) (*big.Int, error) {
	balance := new(big.Int)
	ok, err := m.KVGet(hashKey(sharePrefix, []byte(normalizeSymbol(asset)), addr.Bytes()), balance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return balance, nil
}

// PutShareBalance stores addr's receipt shares in a market.
func (m *Manager) PutShareBalance(asset string, addr common.Address, amount *big.Int) error {
	return m.KVPut(hashKey(sharePrefix, []byte(normalizeSymbol(asset)), addr.Bytes()), amount)
}
