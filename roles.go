package metarelay

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Role names declared by the municipal access-control contract
const (
	RoleOwner          = "OWNER_ROLE"
	RoleAdminGovt      = "ADMIN_GOVT_ROLE"
	RoleAdminHead      = "ADMIN_HEAD_ROLE"
	RoleProjectManager = "PROJECT_MANAGER_ROLE"
	RoleTaxCollector   = "TAX_COLLECTOR_ROLE"
	RoleValidator      = "VALIDATOR_ROLE"
	RoleCitizen        = "CITIZEN_ROLE"
	RoleTxPayer        = "TX_PAYER_ROLE"
)

// AccessControlABI covers role queries and the trusted-forwarder check
const AccessControlABI = `[
	{
		"inputs": [
			{"internalType": "bytes32", "name": "role", "type": "bytes32"},
			{"internalType": "address", "name": "account", "type": "address"}
		],
		"name": "hasRole",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "bytes32", "name": "role", "type": "bytes32"}
		],
		"name": "getRoleMemberCount",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "bytes32", "name": "role", "type": "bytes32"},
			{"internalType": "uint256", "name": "index", "type": "uint256"}
		],
		"name": "getRoleMember",
		"outputs": [{"internalType": "address", "name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "forwarder", "type": "address"}
		],
		"name": "isTrustedForwarder",
		"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

var accessControlABI = mustParseABI(AccessControlABI)

// maxEnumeratedMembers bounds role enumeration against a misbehaving contract
const maxEnumeratedMembers = 256

// RoleOracle answers role membership questions.
type RoleOracle interface {
	AddressesWithRole(ctx context.Context, role common.Hash) ([]common.Address, error)
	HasRole(ctx context.Context, role common.Hash, account common.Address) (bool, error)
}

// RoleID derives the bytes32 identifier of a role name
func RoleID(name string) common.Hash {
	return crypto.Keccak256Hash([]byte(name))
}

// RoleRegistry is the single source of role identifiers. IDs are derived from
// role names once and can be checked against the deployed contract.
type RoleRegistry struct {
	ids   map[string]common.Hash
	names map[common.Hash]string
}

// DefaultRoleRegistry holds every role of the municipal contracts
var DefaultRoleRegistry = NewRoleRegistry(
	RoleOwner,
	RoleAdminGovt,
	RoleAdminHead,
	RoleProjectManager,
	RoleTaxCollector,
	RoleValidator,
	RoleCitizen,
	RoleTxPayer,
)

// NewRoleRegistry derives the IDs of names
func NewRoleRegistry(names ...string) *RoleRegistry {
	r := &RoleRegistry{
		ids:   make(map[string]common.Hash, len(names)),
		names: make(map[common.Hash]string, len(names)),
	}
	for _, name := range names {
		id := RoleID(name)
		r.ids[name] = id
		r.names[id] = name
	}
	return r
}

// ID returns the identifier of a registered role
func (r *RoleRegistry) ID(name string) (common.Hash, error) {
	id, ok := r.ids[name]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrUnknownRole, name)
	}
	return id, nil
}

// MustID is like ID but panics for an unregistered role
func (r *RoleRegistry) MustID(name string) common.Hash {
	id, err := r.ID(name)
	if err != nil {
		panic(err)
	}
	return id
}

// Name returns the role name for id
func (r *RoleRegistry) Name(id common.Hash) (string, bool) {
	name, ok := r.names[id]
	return name, ok
}

// Names returns the registered role names, sorted
func (r *RoleRegistry) Names() []string {
	out := make([]string, 0, len(r.ids))
	for name := range r.ids {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Validate reads each role's public constant getter on contract and fails
// with ErrRoleMismatch when a derived ID differs from the deployed one.
func (r *RoleRegistry) Validate(ctx context.Context, ledger LedgerClient, contract common.Address) error {
	if ledger == nil {
		return ErrNilLedger
	}
	bytes32, err := abi.NewType("bytes32", "", nil)
	if err != nil {
		return err
	}
	outputs := abi.Arguments{{Type: bytes32}}

	for _, name := range r.Names() {
		getter := abi.NewMethod(name, name, abi.Function, "view", false, false, nil, outputs)
		result, err := ledger.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: getter.ID}, nil)
		if err != nil {
			return fmt.Errorf("failed to read %s(): %w", name, err)
		}
		values, err := getter.Outputs.Unpack(result)
		if err != nil {
			return fmt.Errorf("failed to unpack %s(): %w", name, err)
		}
		onChain := common.Hash(values[0].([32]byte))
		if onChain != r.ids[name] {
			return fmt.Errorf("%w: %s derived %s, contract has %s", ErrRoleMismatch, name, r.ids[name].Hex(), onChain.Hex())
		}
	}
	return nil
}

// AccessControlOracle is a RoleOracle backed by an AccessControl contract.
// Contracts without member enumeration are handled by checking a list of
// known candidate addresses with hasRole.
type AccessControlOracle struct {
	ledger   LedgerClient
	contract common.Address
	known    []common.Address
}

// NewAccessControlOracle creates an oracle for contract
func NewAccessControlOracle(ledger LedgerClient, contract common.Address, known ...common.Address) *AccessControlOracle {
	return &AccessControlOracle{ledger: ledger, contract: contract, known: known}
}

// AddressesWithRole enumerates role members, falling back to the known list
func (o *AccessControlOracle) AddressesWithRole(ctx context.Context, role common.Hash) ([]common.Address, error) {
	members, err := o.enumerate(ctx, role)
	if err == nil {
		return members, nil
	}
	if len(o.known) == 0 {
		return nil, fmt.Errorf("failed to enumerate role %s: %w", role.Hex(), err)
	}
	logger.Debug("Role enumeration unavailable, checking known addresses", "role", role, "err", err)

	var out []common.Address
	for _, addr := range o.known {
		ok, err := o.HasRole(ctx, role, addr)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, addr)
		}
	}
	return out, nil
}

func (o *AccessControlOracle) enumerate(ctx context.Context, role common.Hash) ([]common.Address, error) {
	var count *big.Int
	if err := o.call(ctx, &count, "getRoleMemberCount", role); err != nil {
		return nil, err
	}
	if !count.IsUint64() || count.Uint64() > maxEnumeratedMembers {
		return nil, fmt.Errorf("implausible role member count %s", count)
	}

	n := count.Uint64()
	members := make([]common.Address, 0, n)
	for i := uint64(0); i < n; i++ {
		var member common.Address
		if err := o.call(ctx, &member, "getRoleMember", role, new(big.Int).SetUint64(i)); err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	return members, nil
}

// HasRole reports whether account holds role
func (o *AccessControlOracle) HasRole(ctx context.Context, role common.Hash, account common.Address) (bool, error) {
	var ok bool
	if err := o.call(ctx, &ok, "hasRole", role, account); err != nil {
		return false, fmt.Errorf("failed to check role %s for %s: %w", role.Hex(), account.Hex(), err)
	}
	return ok, nil
}

func (o *AccessControlOracle) call(ctx context.Context, out interface{}, method string, args ...interface{}) error {
	if o.ledger == nil {
		return ErrNilLedger
	}
	return callView(ctx, o.ledger, accessControlABI, o.contract, out, method, args...)
}

// callView packs a view call, executes it at the latest block and unpacks the single result into out
func callView(ctx context.Context, ledger LedgerClient, contractABI abi.ABI, contract common.Address, out interface{}, method string, args ...interface{}) error {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("failed to pack %s call: %w", method, err)
	}
	result, err := ledger.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", method, err)
	}
	if err := contractABI.UnpackIntoInterface(out, method, result); err != nil {
		return fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	return nil
}
