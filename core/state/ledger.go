package state

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// TokenMetadata describes a token registered with the ledger.
type TokenMetadata struct {
	Symbol   string
	Name     string
	Decimals uint8
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// RegisterToken stores the metadata for a ledger token. Registering the same
// symbol twice fails.
func (m *Manager) RegisterToken(symbol, name string, decimals uint8) error {
	normalized := normalizeSymbol(symbol)
	if normalized == "" {
		return fmt.Errorf("token symbol must not be empty")
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("token %s: name must not be empty", normalized)
	}
	key := hashKey(tokenPrefix, []byte(normalized))
	existing := new(TokenMetadata)
	if ok, err := m.KVGet(key, existing); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("token %s already registered", normalized)
	}
	return m.KVPut(key, &TokenMetadata{Symbol: normalized, Name: name, Decimals: decimals})
}

// Token returns the metadata for a registered token, or nil when unknown.
func (m *Manager) Token(symbol string) (*TokenMetadata, error) {
	meta := new(TokenMetadata)
	ok, err := m.KVGet(hashKey(tokenPrefix, []byte(normalizeSymbol(symbol))), meta)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return meta, nil
}

func (m *Manager) balance(addr common.Address, symbol string) (*uint256.Int, error) {
	balance := new(uint256.Int)
	ok, err := m.KVGet(hashKey(balancePrefix, []byte(symbol), addr.Bytes()), balance)
	if err != nil {
		return nil, err
	}
	if !ok {
		return uint256.NewInt(0), nil
	}
	return balance, nil
}

func (m *Manager) setBalance(addr common.Address, symbol string, balance *uint256.Int) error {
	return m.KVPut(hashKey(balancePrefix, []byte(symbol), addr.Bytes()), balance)
}

// BalanceOf reports addr's ledger balance in symbol.
func (m *Manager) BalanceOf(addr common.Address, symbol string) (*big.Int, error) {
	balance, err := m.balance(addr, normalizeSymbol(symbol))
	if err != nil {
		return nil, err
	}
	return balance.ToBig(), nil
}

// Transfer moves amount of symbol between accounts.
func (m *Manager) Transfer(from, to common.Address, symbol string, amount *big.Int) error {
	normalized := normalizeSymbol(symbol)
	value, overflow := uint256.FromBig(amount)
	if amount == nil || amount.Sign() < 0 || overflow {
		return fmt.Errorf("ledger: invalid transfer amount")
	}
	fromBalance, err := m.balance(from, normalized)
	if err != nil {
		return err
	}
	if fromBalance.Lt(value) {
		return fmt.Errorf("ledger: insufficient %s balance", normalized)
	}
	toBalance, err := m.balance(to, normalized)
	if err != nil {
		return err
	}
	if err := m.setBalance(from, normalized, new(uint256.Int).Sub(fromBalance, value)); err != nil {
		return err
	}
	return m.setBalance(to, normalized, new(uint256.Int).Add(toBalance, value))
}

// Mint credits freshly issued tokens to an account.
func (m *Manager) Mint(to common.Address, symbol string, amount *big.Int) error {
	normalized := normalizeSymbol(symbol)
	value, overflow := uint256.FromBig(amount)
	if amount == nil || amount.Sign() < 0 || overflow {
		return fmt.Errorf("ledger: invalid mint amount")
	}
	balance, err := m.balance(to, normalized)
	if err != nil {
		return err
	}
	next := new(uint256.Int).Add(balance, value)
	if next.Lt(balance) {
		return fmt.Errorf("ledger: %s balance overflow", normalized)
	}
	return m.setBalance(to, normalized, next)
}

// Burn removes tokens from an account.
func (m *Manager) Burn(from common.Address, symbol string, amount *big.Int) error {
	normalized := normalizeSymbol(symbol)
	value, overflow := uint256.FromBig(amount)
	if amount == nil || amount.Sign() < 0 || overflow {
		return fmt.Errorf("ledger: invalid burn amount")
	}
	balance, err := m.balance(from, normalized)
	if err != nil {
		return err
	}
	if balance.Lt(value) {
		return fmt.Errorf("ledger: insufficient %s balance", normalized)
	}
	return m.setBalance(from, normalized, new(uint256.Int).Sub(balance, value))
}

// RewardToken adapts a ledger token into the minter the risk engine pays
// reward claims through.
type RewardToken struct {
	manager *Manager
	symbol  string
}

// NewRewardToken binds a ledger token symbol as the protocol reward token.
func NewRewardToken(manager *Manager, symbol string) *RewardToken {
	return &RewardToken{manager: manager, symbol: normalizeSymbol(symbol)}
}

// Mint satisfies the risk engine's RewardMinter interface.
func (t *RewardToken) Mint(to common.Address, amount *big.Int) error {
	return t.manager.Mint(to, t.symbol, amount)
}
