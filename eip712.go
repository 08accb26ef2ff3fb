package metarelay

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	// EIP712_DOMAIN_TYPEHASH is the EIP-712 domain separator type string
	EIP712_DOMAIN_TYPEHASH = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"

	// FORWARD_REQUEST_TYPEHASH is the ForwardRequest struct type string declared by the MetaForwarder
	FORWARD_REQUEST_TYPEHASH = "ForwardRequest(address from,address to,uint256 value,uint256 gas,uint256 nonce,bytes data)"

	// DefaultForwarderName is the EIP-712 domain name of the MetaForwarder
	DefaultForwarderName = "MetaForwarder"

	// DefaultForwarderVersion is the EIP-712 domain version of the MetaForwarder
	DefaultForwarderVersion = "1.0.0"

	forwardRequestPrimaryType = "ForwardRequest"
)

// ForwardRequestTypes returns the EIP-712 type set for a ForwardRequest.
// Field names, order and types match the forwarder's struct hash exactly.
func ForwardRequestTypes() apitypes.Types {
	return apitypes.Types{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		forwardRequestPrimaryType: {
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "gas", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
			{Name: "data", Type: "bytes"},
		},
	}
}

// NewDomain creates the EIP-712 signing domain of a forwarder deployment
func NewDomain(name, version string, chainID *big.Int, verifyingContract common.Address) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              name,
		Version:           version,
		ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(chainID)),
		VerifyingContract: verifyingContract.Hex(),
	}
}

// TypedData returns the EIP-712 typed data a user signs for this request
func (r *ForwardRequest) TypedData(domain apitypes.TypedDataDomain) apitypes.TypedData {
	value := new(big.Int)
	if r.Value != nil {
		value.Set(r.Value)
	}
	data := make([]byte, len(r.Data))
	copy(data, r.Data)

	return apitypes.TypedData{
		Types:       ForwardRequestTypes(),
		PrimaryType: forwardRequestPrimaryType,
		Domain:      domain,
		Message: apitypes.TypedDataMessage{
			"from":  r.From.Hex(),
			"to":    r.To.Hex(),
			"value": value,
			"gas":   new(big.Int).SetUint64(r.Gas),
			"nonce": new(big.Int).SetUint64(r.Nonce),
			"data":  data,
		},
	}
}

// HashForwardRequest generates the EIP-712 digest for a ForwardRequest
func HashForwardRequest(req ForwardRequest, domain apitypes.TypedDataDomain) (common.Hash, error) {
	digest, _, err := apitypes.TypedDataAndHash(req.TypedData(domain))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash forward request: %w", err)
	}
	return common.BytesToHash(digest), nil
}

// SignForwardRequest signs a ForwardRequest using EIP-712
func SignForwardRequest(req ForwardRequest, userPrivKey *ecdsa.PrivateKey, domain apitypes.TypedDataDomain) (Signature, error) {
	var sig Signature

	hash, err := HashForwardRequest(req, domain)
	if err != nil {
		return sig, err
	}

	sigBytes, err := crypto.Sign(hash.Bytes(), userPrivKey)
	if err != nil {
		return sig, fmt.Errorf("failed to sign hash: %w", err)
	}
	// The forwarder's ECDSA recovery expects v in {27, 28}
	sigBytes[64] += 27

	if err := sig.FromBytes(sigBytes); err != nil {
		return sig, fmt.Errorf("failed to parse signature: %w", err)
	}
	return sig, nil
}

// RecoverForwardRequestSigner returns the address that produced sig over req
func RecoverForwardRequestSigner(req ForwardRequest, sig []byte, domain apitypes.TypedDataDomain) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, ErrInvalidSignatureLength
	}
	hash, err := HashForwardRequest(req, domain)
	if err != nil {
		return common.Address{}, err
	}

	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pubKey, err := crypto.SigToPub(hash.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// VerifyForwardRequestSignature verifies a ForwardRequest signature
func VerifyForwardRequestSignature(req ForwardRequest, sig Signature, domain apitypes.TypedDataDomain) (bool, error) {
	recovered, err := RecoverForwardRequestSigner(req, sig.ToBytes(), domain)
	if err != nil {
		return false, err
	}
	return recovered == req.From, nil
}
