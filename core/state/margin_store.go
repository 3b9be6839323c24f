package state

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "lendcore/native/common"
	"lendcore/native/margin"
)

// GetPosition loads a margin position by id, or nil when unknown.
func (m *Manager) GetPosition(id uint64) (*margin.Position, error) {
	position := new(margin.Position)
	ok, err := m.KVGet(hashKey(positionPrefix, uint64Bytes(id)), position)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return position, nil
}

// PutPosition stores a margin position under its id.
func (m *Manager) PutPosition(position *margin.Position) error {
	return m.KVPut(hashKey(positionPrefix, uint64Bytes(position.ID)), position)
}

// GetUserPositions loads the ids of a user's open positions.
func (m *Manager) GetUserPositions(addr common.Address) ([]uint64, error) {
	var ids []uint64
	ok, err := m.KVGet(hashKey(userPositionsPrefix, addr.Bytes()), &ids)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []uint64{}, nil
	}
	return ids, nil
}

// PutUserPositions stores the ids of a user's open positions.
func (m *Manager) PutUserPositions(addr common.Address, ids []uint64) error {
	return m.KVPut(hashKey(userPositionsPrefix, addr.Bytes()), ids)
}

// NextPositionID allocates the next monotonically increasing position id,
// starting at 1.
func (m *Manager) NextPositionID() (uint64, error) {
	var counter uint64
	if _, err := m.KVGet(positionCounterKey, &counter); err != nil {
		return 0, err
	}
	counter++
	if err := m.KVPut(positionCounterKey, counter); err != nil {
		return 0, err
	}
	return counter, nil
}

// GetDebtShares loads the outstanding debt share pool for (owner, asset).
func (m *Manager) GetDebtShares(addr common.Address, asset string) (*big.Int, error) {
	shares := new(big.Int)
	ok, err := m.KVGet(hashKey(debtSharesPrefix, addr.Bytes(), []byte(normalizeSymbol(asset))), shares)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return shares, nil
}

// PutDebtShares stores the debt share pool for (owner, asset).
func (m *Manager) PutDebtShares(addr common.Address, asset string, shares *big.Int) error {
	return m.KVPut(hashKey(debtSharesPrefix, addr.Bytes(), []byte(normalizeSymbol(asset))), shares)
}

// GetOpenQuota loads a user's position-open quota counters.
func (m *Manager) GetOpenQuota(addr common.Address) (nativecommon.QuotaNow, error) {
	var usage nativecommon.QuotaNow
	if _, err := m.KVGet(hashKey(openQuotaPrefix, addr.Bytes()), &usage); err != nil {
		return nativecommon.QuotaNow{}, err
	}
	return usage, nil
}

// PutOpenQuota stores a user's position-open quota counters.
func (m *Manager) PutOpenQuota(addr common.Address, usage nativecommon.QuotaNow) error {
	return m.KVPut(hashKey(openQuotaPrefix, addr.Bytes()), usage)
}

func uint64Bytes(v uint64) []byte {
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return buf
}
