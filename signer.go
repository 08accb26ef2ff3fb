package metarelay

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// TypedDataSigner produces EIP-712 signatures on behalf of an end user.
type TypedDataSigner interface {
	// Address returns the account the signer signs for.
	Address() common.Address
	// SignTypedData returns a 65-byte [R || S || V] signature with V in {27, 28}.
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
}

// KeySigner signs with an in-memory private key.
type KeySigner struct {
	key *ecdsa.PrivateKey
}

// NewKeySigner creates a signer for the given key. A nil key yields a signer
// that fails with ErrSignerUnavailable.
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key}
}

// Address returns the address of the signing key
func (s *KeySigner) Address() common.Address {
	if s == nil || s.key == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// SignTypedData signs the EIP-712 digest of data
func (s *KeySigner) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, ErrSignerUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data: %w", err)
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign hash: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// KeystoreSigner signs with an account held in an encrypted go-ethereum keystore.
type KeystoreSigner struct {
	ks         *keystore.KeyStore
	account    accounts.Account
	passphrase string
}

// NewKeystoreSigner creates a signer for account, unlocked per signature with passphrase
func NewKeystoreSigner(ks *keystore.KeyStore, account accounts.Account, passphrase string) *KeystoreSigner {
	return &KeystoreSigner{ks: ks, account: account, passphrase: passphrase}
}

// Address returns the keystore account address
func (s *KeystoreSigner) Address() common.Address {
	return s.account.Address
}

// SignTypedData signs the EIP-712 digest of data with the keystore account
func (s *KeystoreSigner) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	if s.ks == nil || !s.ks.HasAddress(s.account.Address) {
		return nil, ErrSignerUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data: %w", err)
	}
	sig, err := s.ks.SignHashWithPassphrase(s.account, s.passphrase, digest)
	if err != nil {
		if errors.Is(err, accounts.ErrUnknownAccount) {
			return nil, ErrSignerUnavailable
		}
		return nil, fmt.Errorf("keystore refused to sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}
