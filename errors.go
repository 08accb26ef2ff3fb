package metarelay

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInvalidSignatureLength is returned when signature length is not 65 bytes
	ErrInvalidSignatureLength = errors.New("invalid signature length, expected 65 bytes")

	// ErrSignerUnavailable is returned when no signing capability is attached
	ErrSignerUnavailable = errors.New("signer unavailable")

	// ErrNonceRead is returned when the forwarder nonce cannot be read
	ErrNonceRead = errors.New("failed to read forwarder nonce")

	// ErrEncoding is returned when call arguments do not match the declared parameter types
	ErrEncoding = errors.New("call data encoding failed")

	// ErrUnknownFunction is returned when a function is not in the function table
	ErrUnknownFunction = errors.New("unknown function")

	// ErrZeroAddress is returned when address is zero
	ErrZeroAddress = errors.New("address cannot be zero")

	// ErrInvalidValue is returned when a forwarded value is negative
	ErrInvalidValue = errors.New("invalid value")

	// ErrRoleMismatch is returned when a derived role ID differs from the on-chain constant
	ErrRoleMismatch = errors.New("role id does not match on-chain definition")

	// ErrUnknownRole is returned when a role name is not in the registry
	ErrUnknownRole = errors.New("unknown role")

	// ErrInvalidConfig is returned when a configuration value is out of range
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNilLedger is returned when a connection context has no ledger client
	ErrNilLedger = errors.New("nil ledger client")
)

// Relay outcome classes. A *RelayError always unwraps to exactly one of these.
var (
	// ErrBuild means request assembly failed before signing; safe to retry
	ErrBuild = errors.New("build error")

	// ErrSignatureDeclined means the user signer refused or was unavailable
	ErrSignatureDeclined = errors.New("signature declined")

	// ErrNoRelayerAvailable means no funded fee-payer account was found
	ErrNoRelayerAvailable = errors.New("no relayer available")

	// ErrSubmission means the relayer transaction could not be broadcast
	ErrSubmission = errors.New("submission error")

	// ErrOnChainRevert means the relay transaction was mined with failure status
	ErrOnChainRevert = errors.New("on-chain revert")
)

// RelayError describes a failed relay attempt.
type RelayError struct {
	Stage  State
	Kind   error
	TxHash common.Hash // set only once a transaction was broadcast
	Reason string      // decoded revert reason, if any
	Err    error
}

func (e *RelayError) Error() string {
	msg := fmt.Sprintf("relay failed while %s: %v", e.Stage, e.Kind)
	if e.TxHash != (common.Hash{}) {
		msg += fmt.Sprintf(" (tx %s)", e.TxHash.Hex())
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the outcome class and the underlying cause.
func (e *RelayError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Retryable reports whether the attempt can be retried with freshly built state.
func (e *RelayError) Retryable() bool {
	switch e.Kind {
	case ErrBuild, ErrSignatureDeclined, ErrNoRelayerAvailable, ErrSubmission:
		return true
	}
	return false
}
