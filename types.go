package metarelay

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ForwardRequest is the payload a user signs to authorize a forwarded call.
// It is immutable once signed.
type ForwardRequest struct {
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Value *big.Int       `json:"value"`
	Gas   uint64         `json:"gas"` // Gas limit for the inner call
	Nonce uint64         `json:"nonce"`
	Data  []byte         `json:"data"`
}

// Signature represents an ECDSA signature
type Signature struct {
	V byte     `json:"v"`
	R [32]byte `json:"r"`
	S [32]byte `json:"s"`
}

// ToBytes converts signature to bytes representation
func (s *Signature) ToBytes() []byte {
	result := make([]byte, 65)
	copy(result[0:32], s.R[:])
	copy(result[32:64], s.S[:])
	result[64] = s.V
	return result
}

// FromBytes sets signature from bytes representation
func (s *Signature) FromBytes(data []byte) error {
	if len(data) != 65 {
		return ErrInvalidSignatureLength
	}
	copy(s.R[:], data[0:32])
	copy(s.S[:], data[32:64])
	s.V = data[64]
	return nil
}

// FeeParameters are the fee fields attached to a relay transaction. Either
// GasPrice (legacy) or both GasFeeCap and GasTipCap (EIP-1559) are set.
type FeeParameters struct {
	GasPrice  *big.Int
	GasFeeCap *big.Int
	GasTipCap *big.Int
}

// IsDynamic reports whether the parameters describe an EIP-1559 fee.
func (f *FeeParameters) IsDynamic() bool {
	return f.GasFeeCap != nil && f.GasTipCap != nil
}

// RelayerCandidate is a fee-payer account considered for submission.
type RelayerCandidate struct {
	Address common.Address
	Role    common.Hash
	Balance *big.Int
}

// PendingRelayRecord tracks a submitted relay transaction whose outcome has not been observed.
type PendingRelayRecord struct {
	TxHash      common.Hash
	SubmittedAt time.Time
}

// Call names a function on a target contract to be executed through the forwarder.
type Call struct {
	Target   common.Address
	Function string
	Args     []interface{}
	Value    *big.Int // nil means zero
	Gas      uint64   // zero means the configured ceiling
}

// State is a step of the relay state machine.
type State int

const (
	StateBuilding State = iota
	StateSigning
	StateSelectingRelayer
	StateSubmitting
	StateAwaitingConfirmation
	StateConfirmed
	StatePendingUnconfirmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateSigning:
		return "signing"
	case StateSelectingRelayer:
		return "selecting relayer"
	case StateSubmitting:
		return "submitting"
	case StateAwaitingConfirmation:
		return "awaiting confirmation"
	case StateConfirmed:
		return "confirmed"
	case StatePendingUnconfirmed:
		return "pending unconfirmed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// RelayResult is returned for relay attempts that reached the network.
// State is either StateConfirmed or StatePendingUnconfirmed; failures are
// reported as *RelayError.
type RelayResult struct {
	State     State
	TxHash    common.Hash
	Request   ForwardRequest
	Signature []byte
	Relayer   common.Address
	Receipt   *types.Receipt // nil while pending
}

// Confirmed reports whether the relayed call was mined successfully.
func (r *RelayResult) Confirmed() bool {
	return r.State == StateConfirmed
}
