package metarelay

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// waitForConfirmations polls until txHash has a receipt buried under at least
// confirmations blocks, counting its own block. The receipt is re-read on
// every poll so a reorg that drops it resets the wait. Transient RPC errors
// are logged and polled through; only ctx ends the wait early.
func waitForConfirmations(ctx context.Context, ledger LedgerClient, txHash common.Hash, confirmations uint64, poll time.Duration) (*types.Receipt, error) {
	if confirmations == 0 {
		confirmations = 1
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		receipt, err := ledger.Receipt(ctx, txHash)
		switch {
		case err != nil:
			logger.Debug("Receipt lookup failed", "tx", txHash, "err", err)
		case receipt != nil && receipt.BlockNumber != nil:
			head, err := ledger.BlockNumber(ctx)
			if err != nil {
				logger.Debug("Block number lookup failed", "tx", txHash, "err", err)
				break
			}
			mined := receipt.BlockNumber.Uint64()
			if head >= mined && head-mined+1 >= confirmations {
				return receipt, nil
			}
			logger.Trace("Waiting for confirmations", "tx", txHash, "mined", mined, "head", head, "want", confirmations)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
