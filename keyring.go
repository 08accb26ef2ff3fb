package metarelay

import (
	"crypto/ecdsa"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Relayer is a fee-payer credential.
type Relayer struct {
	Address common.Address
	key     *ecdsa.PrivateKey
}

// NewRelayer creates a relayer credential from its private key
func NewRelayer(key *ecdsa.PrivateKey) *Relayer {
	return &Relayer{Address: crypto.PubkeyToAddress(key.PublicKey), key: key}
}

// SignTx signs tx for chainID with the relayer key
func (r *Relayer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), r.key)
}

// RelayerKeyring holds the relayer credentials this process may submit with.
type RelayerKeyring struct {
	mu       sync.RWMutex
	relayers map[common.Address]*Relayer
	order    []common.Address
}

// NewRelayerKeyring creates a keyring holding keys
func NewRelayerKeyring(keys ...*ecdsa.PrivateKey) *RelayerKeyring {
	k := &RelayerKeyring{relayers: make(map[common.Address]*Relayer)}
	for _, key := range keys {
		k.Add(key)
	}
	return k
}

// LoadRelayerKeyring parses hex-encoded private keys into a keyring
func LoadRelayerKeyring(hexKeys []string) (*RelayerKeyring, error) {
	k := NewRelayerKeyring()
	for _, hexKey := range hexKeys {
		key, err := PrivateKeyFromHex(hexKey)
		if err != nil {
			return nil, err
		}
		k.Add(key)
	}
	return k, nil
}

// Add registers key and returns its address
func (k *RelayerKeyring) Add(key *ecdsa.PrivateKey) common.Address {
	r := NewRelayer(key)

	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.relayers[r.Address]; !ok {
		k.order = append(k.order, r.Address)
	}
	k.relayers[r.Address] = r
	return r.Address
}

// Get returns the credential for addr
func (k *RelayerKeyring) Get(addr common.Address) (*Relayer, bool) {
	if k == nil {
		return nil, false
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	r, ok := k.relayers[addr]
	return r, ok
}

// Addresses returns the held relayer addresses in insertion order
func (k *RelayerKeyring) Addresses() []common.Address {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]common.Address, len(k.order))
	copy(out, k.order)
	return out
}

// Len returns the number of held credentials
func (k *RelayerKeyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.order)
}
