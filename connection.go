package metarelay

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// ConnectionArgs describes a deployment to connect to.
type ConnectionArgs struct {
	Ledger LedgerClient

	// Oracle answers role queries. When nil an AccessControlOracle is
	// created over AccessControl and KnownRelayers.
	Oracle        RoleOracle
	AccessControl common.Address
	KnownRelayers []common.Address

	Forwarder     common.Address
	DomainName    string
	DomainVersion string
}

// ConnectionContext is an immutable snapshot of a ledger connection. A
// network change produces a new context; an existing one is never updated.
type ConnectionContext struct {
	args    ConnectionArgs
	oracle  RoleOracle
	chainID *big.Int
}

// NewConnectionContext reads the chain ID from the ledger and binds the deployment addresses
func NewConnectionContext(ctx context.Context, args ConnectionArgs) (*ConnectionContext, error) {
	if args.Ledger == nil {
		return nil, ErrNilLedger
	}
	if !IsValidAddress(args.Forwarder) {
		return nil, fmt.Errorf("forwarder: %w", ErrZeroAddress)
	}
	if args.DomainName == "" {
		args.DomainName = DefaultForwarderName
	}
	if args.DomainVersion == "" {
		args.DomainVersion = DefaultForwarderVersion
	}
	args.KnownRelayers = append([]common.Address(nil), args.KnownRelayers...)

	chainID, err := args.Ledger.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	oracle := args.Oracle
	if oracle == nil {
		if !IsValidAddress(args.AccessControl) {
			return nil, fmt.Errorf("access control: %w", ErrZeroAddress)
		}
		oracle = NewAccessControlOracle(args.Ledger, args.AccessControl, args.KnownRelayers...)
	}

	return &ConnectionContext{args: args, oracle: oracle, chainID: chainID}, nil
}

// WithLedger returns a new context for the same deployment over ledger
func (c *ConnectionContext) WithLedger(ctx context.Context, ledger LedgerClient) (*ConnectionContext, error) {
	args := c.args
	args.Ledger = ledger
	return NewConnectionContext(ctx, args)
}

// Refresh returns a new context with the chain ID re-read
func (c *ConnectionContext) Refresh(ctx context.Context) (*ConnectionContext, error) {
	return NewConnectionContext(ctx, c.args)
}

func (c *ConnectionContext) Ledger() LedgerClient {
	return c.args.Ledger
}

func (c *ConnectionContext) Oracle() RoleOracle {
	return c.oracle
}

func (c *ConnectionContext) Forwarder() common.Address {
	return c.args.Forwarder
}

// ChainID returns a copy of the chain ID read when the context was built
func (c *ConnectionContext) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Domain returns the forwarder's EIP-712 signing domain
func (c *ConnectionContext) Domain() apitypes.TypedDataDomain {
	return NewDomain(c.args.DomainName, c.args.DomainVersion, c.chainID, c.args.Forwarder)
}

func (c *ConnectionContext) forwarderCall(data []byte) ethereum.CallMsg {
	to := c.args.Forwarder
	return ethereum.CallMsg{To: &to, Data: data}
}

// CheckTrustedForwarder reports whether target accepts the context's forwarder
func CheckTrustedForwarder(ctx context.Context, conn *ConnectionContext, target common.Address) (bool, error) {
	var trusted bool
	err := callView(ctx, conn.Ledger(), accessControlABI, target, &trusted, "isTrustedForwarder", conn.Forwarder())
	if err != nil {
		return false, err
	}
	if !trusted {
		logger.Warn("Target does not trust the forwarder", "target", target, "forwarder", conn.Forwarder())
	}
	return trusted, nil
}
