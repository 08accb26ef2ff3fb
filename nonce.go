package metarelay

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// NonceTracker reads forwarding nonces from the forwarder. Every call is a
// live read; nothing is cached.
type NonceTracker struct {
	Attempts int
	Backoff  time.Duration
}

// NewNonceTracker creates a tracker that retries failed reads
func NewNonceTracker(attempts int, backoff time.Duration) *NonceTracker {
	return &NonceTracker{Attempts: attempts, Backoff: backoff}
}

// Nonce returns the forwarder's current nonce for user
func (t *NonceTracker) Nonce(ctx context.Context, conn *ConnectionContext, user common.Address) (uint64, error) {
	data, err := packGetNonce(user)
	if err != nil {
		return 0, err
	}

	var nonce uint64
	err = retry(ctx, t.Attempts, t.Backoff, func() error {
		result, err := conn.Ledger().CallContract(ctx, conn.forwarderCall(data), nil)
		if err != nil {
			logger.Debug("Nonce read failed", "user", user, "err", err)
			return err
		}
		nonce, err = unpackGetNonce(result)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w for %s: %w", ErrNonceRead, user.Hex(), err)
	}
	return nonce, nil
}
