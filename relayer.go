package metarelay

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// MetaForwarderABI is the subset of the MetaForwarder contract used by the relay
const MetaForwarderABI = `[
	{
		"inputs": [
			{"internalType": "address", "name": "from", "type": "address"}
		],
		"name": "getNonce",
		"outputs": [
			{"internalType": "uint256", "name": "", "type": "uint256"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{
				"components": [
					{"internalType": "address", "name": "from", "type": "address"},
					{"internalType": "address", "name": "to", "type": "address"},
					{"internalType": "uint256", "name": "value", "type": "uint256"},
					{"internalType": "uint256", "name": "gas", "type": "uint256"},
					{"internalType": "uint256", "name": "nonce", "type": "uint256"},
					{"internalType": "bytes", "name": "data", "type": "bytes"}
				],
				"internalType": "struct MetaForwarder.ForwardRequest",
				"name": "req",
				"type": "tuple"
			},
			{"internalType": "bytes", "name": "signature", "type": "bytes"}
		],
		"name": "execute",
		"outputs": [
			{"internalType": "bool", "name": "", "type": "bool"},
			{"internalType": "bytes", "name": "", "type": "bytes"}
		],
		"stateMutability": "payable",
		"type": "function"
	},
	{
		"inputs": [
			{
				"components": [
					{"internalType": "address", "name": "from", "type": "address"},
					{"internalType": "address", "name": "to", "type": "address"},
					{"internalType": "uint256", "name": "value", "type": "uint256"},
					{"internalType": "uint256", "name": "gas", "type": "uint256"},
					{"internalType": "uint256", "name": "nonce", "type": "uint256"},
					{"internalType": "bytes", "name": "data", "type": "bytes"}
				],
				"internalType": "struct MetaForwarder.ForwardRequest",
				"name": "req",
				"type": "tuple"
			},
			{"internalType": "bytes", "name": "signature", "type": "bytes"}
		],
		"name": "verify",
		"outputs": [
			{"internalType": "bool", "name": "", "type": "bool"}
		],
		"stateMutability": "view",
		"type": "function"
	}
]`

var forwarderABI = mustParseABI(MetaForwarderABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("failed to parse ABI: %v", err))
	}
	return parsed
}

// forwardRequestData mirrors the forwarder's ForwardRequest tuple for ABI packing
type forwardRequestData struct {
	From  common.Address
	To    common.Address
	Value *big.Int
	Gas   *big.Int
	Nonce *big.Int
	Data  []byte
}

func (r *ForwardRequest) tuple() forwardRequestData {
	value := new(big.Int)
	if r.Value != nil {
		value.Set(r.Value)
	}
	return forwardRequestData{
		From:  r.From,
		To:    r.To,
		Value: value,
		Gas:   new(big.Int).SetUint64(r.Gas),
		Nonce: new(big.Int).SetUint64(r.Nonce),
		Data:  r.Data,
	}
}

// PackExecute encodes the forwarder execute call carrying req and its signature
func PackExecute(req ForwardRequest, signature []byte) ([]byte, error) {
	if len(signature) != 65 {
		return nil, ErrInvalidSignatureLength
	}
	data, err := forwarderABI.Pack("execute", req.tuple(), signature)
	if err != nil {
		return nil, fmt.Errorf("failed to pack execute call: %w", err)
	}
	return data, nil
}

// PackVerify encodes the forwarder verify call for req and its signature
func PackVerify(req ForwardRequest, signature []byte) ([]byte, error) {
	data, err := forwarderABI.Pack("verify", req.tuple(), signature)
	if err != nil {
		return nil, fmt.Errorf("failed to pack verify call: %w", err)
	}
	return data, nil
}

// VerifyOnForwarder asks the forwarder whether it would accept req with signature
func VerifyOnForwarder(ctx context.Context, conn *ConnectionContext, req ForwardRequest, signature []byte) (bool, error) {
	data, err := PackVerify(req, signature)
	if err != nil {
		return false, err
	}
	out, err := conn.Ledger().CallContract(ctx, conn.forwarderCall(data), nil)
	if err != nil {
		return false, fmt.Errorf("forwarder verify call failed: %w", err)
	}
	var ok bool
	if err := forwarderABI.UnpackIntoInterface(&ok, "verify", out); err != nil {
		return false, fmt.Errorf("failed to unpack result: %w", err)
	}
	return ok, nil
}

func packGetNonce(user common.Address) ([]byte, error) {
	data, err := forwarderABI.Pack("getNonce", user)
	if err != nil {
		return nil, fmt.Errorf("failed to pack getNonce call: %w", err)
	}
	return data, nil
}

func unpackGetNonce(result []byte) (uint64, error) {
	var nonce *big.Int
	if err := forwarderABI.UnpackIntoInterface(&nonce, "getNonce", result); err != nil {
		return 0, fmt.Errorf("failed to unpack result: %w", err)
	}
	if !nonce.IsUint64() {
		return 0, fmt.Errorf("nonce %s overflows uint64", nonce)
	}
	return nonce.Uint64(), nil
}

// unpackExecuteResult decodes the (success, returndata) pair of an execute call
func unpackExecuteResult(result []byte) (bool, []byte, error) {
	values, err := forwarderABI.Unpack("execute", result)
	if err != nil {
		return false, nil, err
	}
	if len(values) != 2 {
		return false, nil, fmt.Errorf("unexpected execute output arity %d", len(values))
	}
	ok, _ := values[0].(bool)
	ret, _ := values[1].([]byte)
	return ok, ret, nil
}
