package metarelay

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
)

// GeneratePrivateKey generates a new ECDSA private key
func GeneratePrivateKey() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}

// PrivateKeyFromHex creates a private key from hex string, with or without 0x prefix
func PrivateKeyFromHex(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

// AddressFromPrivateKey derives the Ethereum address from a private key
func AddressFromPrivateKey(privKey *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(privKey.PublicKey)
}

// IsValidAddress checks if the given address is valid (not zero address)
func IsValidAddress(addr common.Address) bool {
	return addr != (common.Address{})
}

// ToWei converts ether amount to wei
func ToWei(ether *big.Float) *big.Int {
	wei := new(big.Float)
	wei.Mul(ether, new(big.Float).SetInt(big.NewInt(params.Ether)))

	result := new(big.Int)
	wei.Int(result)
	return result
}

// FromWei converts wei to ether
func FromWei(wei *big.Int) *big.Float {
	ether := new(big.Float)
	ether.SetInt(wei)
	ether.Quo(ether, big.NewFloat(params.Ether))
	return ether
}

// ParseEther converts a decimal ether amount such as "0.01" to wei exactly
func ParseEther(s string) (*big.Int, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	if !ok {
		return nil, fmt.Errorf("invalid ether amount %q", s)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("negative ether amount %q", s)
	}
	r.Mul(r, new(big.Rat).SetInt64(params.Ether))
	if !r.IsInt() {
		return nil, fmt.Errorf("ether amount %q has more than 18 decimals", s)
	}
	return new(big.Int).Set(r.Num()), nil
}

// FormatEther renders wei as a decimal ether string
func FormatEther(wei *big.Int) string {
	s := new(big.Rat).SetFrac(wei, big.NewInt(params.Ether)).FloatString(18)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
