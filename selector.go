package metarelay

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultMinRelayerBalance is 0.01 ether
var DefaultMinRelayerBalance = big.NewInt(10_000_000_000_000_000)

// RelayerSelector picks the fee-payer account for a relay. Candidates are the
// holders of Role, in the oracle's order; the first whose balance exceeds the
// minimum wins. When Keyring is set, holders without a credential there are
// skipped before their balance is read.
type RelayerSelector struct {
	Role    common.Hash
	Keyring *RelayerKeyring
	Metrics *Metrics
}

// NewRelayerSelector creates a selector for holders of role
func NewRelayerSelector(role common.Hash, keyring *RelayerKeyring) *RelayerSelector {
	return &RelayerSelector{Role: role, Keyring: keyring}
}

// SelectRelayer returns the first eligible candidate, or nil when none qualifies
func (s *RelayerSelector) SelectRelayer(ctx context.Context, conn *ConnectionContext, minBalance *big.Int) (*RelayerCandidate, error) {
	if minBalance == nil {
		minBalance = DefaultMinRelayerBalance
	}

	holders, err := conn.Oracle().AddressesWithRole(ctx, s.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to list fee payers: %w", err)
	}

	for _, addr := range holders {
		if s.Keyring != nil {
			if _, ok := s.Keyring.Get(addr); !ok {
				logger.Trace("Skipping fee payer without credential", "relayer", addr)
				continue
			}
		}

		balance, err := conn.Ledger().BalanceAt(ctx, addr, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("Failed to read relayer balance", "relayer", addr, "err", err)
			continue
		}
		s.Metrics.observeRelayerBalance(addr, balance)

		if balance.Cmp(minBalance) > 0 {
			return &RelayerCandidate{Address: addr, Role: s.Role, Balance: balance}, nil
		}
		logger.Debug("Relayer underfunded", "relayer", addr, "balance", balance, "min", minBalance)
	}
	return nil, nil
}
