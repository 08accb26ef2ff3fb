package metarelay

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultGasCeiling is the gas limit given to forwarded calls
const DefaultGasCeiling uint64 = 1_000_000

// ForwardRequestBuilder assembles ForwardRequests for calls in its function table.
type ForwardRequestBuilder struct {
	Functions  *FunctionTable
	Nonces     *NonceTracker
	GasCeiling uint64
}

// NewForwardRequestBuilder creates a builder over functions
func NewForwardRequestBuilder(functions *FunctionTable, nonces *NonceTracker, gasCeiling uint64) *ForwardRequestBuilder {
	return &ForwardRequestBuilder{Functions: functions, Nonces: nonces, GasCeiling: gasCeiling}
}

// Build encodes call and reads the sender's current forwarder nonce
func (b *ForwardRequestBuilder) Build(ctx context.Context, conn *ConnectionContext, from common.Address, call Call) (ForwardRequest, error) {
	if err := validateCall(from, call); err != nil {
		return ForwardRequest{}, err
	}
	// encode first so a bad call costs no RPC round trip
	data, err := b.Functions.Encode(call.Function, call.Args...)
	if err != nil {
		return ForwardRequest{}, err
	}
	nonce, err := b.Nonces.Nonce(ctx, conn, from)
	if err != nil {
		return ForwardRequest{}, err
	}
	return b.assemble(from, call, nonce, data), nil
}

// BuildWithNonce builds the request for a known nonce without touching the network
func (b *ForwardRequestBuilder) BuildWithNonce(from common.Address, call Call, nonce uint64) (ForwardRequest, error) {
	if err := validateCall(from, call); err != nil {
		return ForwardRequest{}, err
	}
	data, err := b.Functions.Encode(call.Function, call.Args...)
	if err != nil {
		return ForwardRequest{}, err
	}
	return b.assemble(from, call, nonce, data), nil
}

func (b *ForwardRequestBuilder) assemble(from common.Address, call Call, nonce uint64, data []byte) ForwardRequest {
	value := new(big.Int)
	if call.Value != nil {
		value.Set(call.Value)
	}
	gas := call.Gas
	if gas == 0 {
		gas = b.GasCeiling
	}
	if gas == 0 {
		gas = DefaultGasCeiling
	}
	return ForwardRequest{
		From:  from,
		To:    call.Target,
		Value: value,
		Gas:   gas,
		Nonce: nonce,
		Data:  data,
	}
}

func validateCall(from common.Address, call Call) error {
	if !IsValidAddress(from) {
		return fmt.Errorf("sender: %w", ErrZeroAddress)
	}
	if !IsValidAddress(call.Target) {
		return fmt.Errorf("target: %w", ErrZeroAddress)
	}
	if call.Value != nil && call.Value.Sign() < 0 {
		return fmt.Errorf("%w: negative value %s", ErrInvalidValue, call.Value)
	}
	return nil
}
