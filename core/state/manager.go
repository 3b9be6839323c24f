package state

import (
	"errors"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"lendcore/storage"
)

// Manager persists protocol state as RLP records under keccak-hashed keys in
// a key-value backend. It implements the state interfaces of the lending,
// risk and margin engines plus the token ledger they move funds through.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Key prefixes. Every concrete key is keccak256(prefix || payload) so keys
// are uniform length regardless of symbol and address sizes.
var (
	tokenPrefix         = []byte("token:")
	balancePrefix       = []byte("balance:")
	marketPrefix        = []byte("market:")
	borrowPrefix        = []byte("borrow:")
	sharePrefix         = []byte("share:")
	enteredPrefix       = []byte("entered:")
	rewardMarketPrefix  = []byte("reward-market:")
	rewardUserPrefix    = []byte("reward-user:")
	rewardAccruedPrefix = []byte("reward-accrued:")
	positionPrefix      = []byte("position:")
	userPositionsPrefix = []byte("user-positions:")
	positionCounterKey  = ethcrypto.Keccak256([]byte("position-counter"))
	debtSharesPrefix    = []byte("debt-shares:")
	openQuotaPrefix     = []byte("open-quota:")
)

func hashKey(prefix []byte, parts ...[]byte) []byte {
	buf := append([]byte(nil), prefix...)
	for _, part := range parts {
		buf = append(buf, part...)
		buf = append(buf, ':')
	}
	return ethcrypto.Keccak256(buf)
}

// KVPut stores an RLP-encoded record under the hashed key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

// KVGet decodes the record under the hashed key into out. It reports whether
// the key existed.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the record under the hashed key.
func (m *Manager) KVDelete(key []byte) error {
	return m.db.Delete(key)
}
