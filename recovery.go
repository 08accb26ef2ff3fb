package metarelay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Persisted keys. Values are strings; times are Unix milliseconds.
const (
	KeyPendingTxHash    = "pendingRelayTxHash"
	KeyPendingSubmitted = "pendingRelaySubmittedAt"
	KeyLastTxHash       = "lastRelayTxHash"
	KeyLastConfirmed    = "lastRelayConfirmedAt"
)

// DefaultStaleAfter is the age at which a pending record is abandoned
const DefaultStaleAfter = 10 * time.Minute

var errCorruptRecord = errors.New("corrupt pending relay record")

// SuccessRecord is the most recent confirmed relay.
type SuccessRecord struct {
	TxHash      common.Hash
	ConfirmedAt time.Time
}

// ReconcileAction is what startup reconciliation did with the pending record.
type ReconcileAction int

const (
	ReconcileNoop ReconcileAction = iota
	ReconcileConfirmed
	ReconcileReverted
	ReconcileStillPending
	ReconcileDiscardedStale
	ReconcileDiscardedCorrupt
)

func (a ReconcileAction) String() string {
	switch a {
	case ReconcileNoop:
		return "noop"
	case ReconcileConfirmed:
		return "confirmed"
	case ReconcileReverted:
		return "reverted"
	case ReconcileStillPending:
		return "still_pending"
	case ReconcileDiscardedStale:
		return "discarded_stale"
	case ReconcileDiscardedCorrupt:
		return "discarded_corrupt"
	}
	return "unknown"
}

// ReconcileResult reports the outcome of ReconcileOnStartup.
type ReconcileResult struct {
	Action  ReconcileAction
	Record  *PendingRelayRecord
	Receipt *types.Receipt
}

// RecoveryStore owns the durable record of the in-flight relay transaction.
// It holds at most one pending record; a newer submission replaces it.
type RecoveryStore struct {
	store      StateStore
	staleAfter time.Duration
	now        func() time.Time
	metrics    *Metrics

	mu sync.Mutex
}

// NewRecoveryStore creates a recovery store over store. A non-positive
// staleAfter uses DefaultStaleAfter.
func NewRecoveryStore(store StateStore, staleAfter time.Duration) *RecoveryStore {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &RecoveryStore{store: store, staleAfter: staleAfter, now: time.Now}
}

// SetClock replaces the time source
func (r *RecoveryStore) SetClock(now func() time.Time) {
	r.now = now
}

// SetMetrics attaches a metrics recorder
func (r *RecoveryStore) SetMetrics(m *Metrics) {
	r.metrics = m
}

// RecordPending persists txHash as the in-flight relay, submitted now. There
// is a single slot: a different record still in it is replaced and reported.
func (r *RecoveryStore) RecordPending(ctx context.Context, txHash common.Hash) (*PendingRelayRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := &PendingRelayRecord{TxHash: txHash, SubmittedAt: r.now()}
	if prev, err := r.pending(ctx); err != nil {
		logger.Debug("Unreadable pending record will be replaced", "tx", txHash, "err", err)
	} else if prev != nil && prev.TxHash != txHash {
		logger.Warn("Replacing unresolved pending relay", "replaced", prev.TxHash, "age", rec.SubmittedAt.Sub(prev.SubmittedAt), "tx", txHash)
		r.metrics.observePendingReplaced()
	}
	err := r.store.Apply(ctx, StateUpdate{Set: map[string]string{
		KeyPendingTxHash:    txHash.Hex(),
		KeyPendingSubmitted: strconv.FormatInt(rec.SubmittedAt.UnixMilli(), 10),
	}})
	if err != nil {
		return nil, fmt.Errorf("failed to persist pending relay %s: %w", txHash.Hex(), err)
	}
	return rec, nil
}

// Pending returns the pending record, or nil when there is none
func (r *RecoveryStore) Pending(ctx context.Context) (*PendingRelayRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending(ctx)
}

func (r *RecoveryStore) pending(ctx context.Context) (*PendingRelayRecord, error) {
	hashStr, ok, err := r.store.Get(ctx, KeyPendingTxHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	atStr, ok, err := r.store.Get(ctx, KeyPendingSubmitted)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: missing submission time", errCorruptRecord)
	}
	at, err := strconv.ParseInt(atStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: submission time %q", errCorruptRecord, atStr)
	}
	hash, err := parseHash(hashStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}
	return &PendingRelayRecord{TxHash: hash, SubmittedAt: time.UnixMilli(at)}, nil
}

// LastSuccess returns the most recent confirmed relay, or nil
func (r *RecoveryStore) LastSuccess(ctx context.Context) (*SuccessRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hashStr, ok, err := r.store.Get(ctx, KeyLastTxHash)
	if err != nil || !ok {
		return nil, err
	}
	hash, err := parseHash(hashStr)
	if err != nil {
		return nil, err
	}
	rec := &SuccessRecord{TxHash: hash}
	if atStr, ok, err := r.store.Get(ctx, KeyLastConfirmed); err != nil {
		return nil, err
	} else if ok {
		if at, err := strconv.ParseInt(atStr, 10, 64); err == nil {
			rec.ConfirmedAt = time.UnixMilli(at)
		}
	}
	return rec, nil
}

// MarkConfirmed records txHash as the last success and clears the pending
// record if it refers to txHash
func (r *RecoveryStore) MarkConfirmed(ctx context.Context, txHash common.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	update := StateUpdate{Set: map[string]string{
		KeyLastTxHash:    txHash.Hex(),
		KeyLastConfirmed: strconv.FormatInt(r.now().UnixMilli(), 10),
	}}
	if r.pendingIs(ctx, txHash) {
		update.Delete = []string{KeyPendingTxHash, KeyPendingSubmitted}
	}
	return r.store.Apply(ctx, update)
}

// ClearPending removes the pending record if it refers to txHash
func (r *RecoveryStore) ClearPending(ctx context.Context, txHash common.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.pendingIs(ctx, txHash) {
		return nil
	}
	return r.discard(ctx)
}

func (r *RecoveryStore) pendingIs(ctx context.Context, txHash common.Hash) bool {
	hashStr, ok, err := r.store.Get(ctx, KeyPendingTxHash)
	if err != nil || !ok {
		return false
	}
	hash, err := parseHash(hashStr)
	return err == nil && hash == txHash
}

func (r *RecoveryStore) discard(ctx context.Context) error {
	return r.store.Apply(ctx, StateUpdate{Delete: []string{KeyPendingTxHash, KeyPendingSubmitted}})
}

// ReconcileOnStartup resolves a pending record left by an earlier process.
// It must run before the process relays anything. A record at or past the
// staleness bound is dropped without consulting the ledger. Otherwise a
// successful receipt promotes it to the last success, a failed receipt drops
// it, and a missing receipt leaves it for the next start.
func (r *RecoveryStore) ReconcileOnStartup(ctx context.Context, conn *ConnectionContext) (ReconcileResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.reconcile(ctx, conn)
	if err == nil {
		r.metrics.observeReconcile(res.Action)
	}
	return res, err
}

func (r *RecoveryStore) reconcile(ctx context.Context, conn *ConnectionContext) (ReconcileResult, error) {
	rec, err := r.pending(ctx)
	if errors.Is(err, errCorruptRecord) {
		logger.Warn("Discarding unreadable pending relay record", "err", err)
		return ReconcileResult{Action: ReconcileDiscardedCorrupt}, r.discard(ctx)
	}
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("failed to read pending relay: %w", err)
	}
	if rec == nil {
		return ReconcileResult{Action: ReconcileNoop}, nil
	}

	age := r.now().Sub(rec.SubmittedAt)
	if age >= r.staleAfter {
		logger.Info("Discarding stale pending relay", "tx", rec.TxHash, "age", age)
		return ReconcileResult{Action: ReconcileDiscardedStale, Record: rec}, r.discard(ctx)
	}

	receipt, err := conn.Ledger().Receipt(ctx, rec.TxHash)
	if err != nil {
		return ReconcileResult{Record: rec}, fmt.Errorf("failed to look up pending relay %s: %w", rec.TxHash.Hex(), err)
	}
	if receipt == nil {
		logger.Info("Pending relay not yet mined", "tx", rec.TxHash, "age", age)
		return ReconcileResult{Action: ReconcileStillPending, Record: rec}, nil
	}

	if receipt.Status == types.ReceiptStatusSuccessful {
		logger.Info("Pending relay confirmed", "tx", rec.TxHash, "block", receipt.BlockNumber)
		err := r.store.Apply(ctx, StateUpdate{
			Set: map[string]string{
				KeyLastTxHash:    rec.TxHash.Hex(),
				KeyLastConfirmed: strconv.FormatInt(r.now().UnixMilli(), 10),
			},
			Delete: []string{KeyPendingTxHash, KeyPendingSubmitted},
		})
		return ReconcileResult{Action: ReconcileConfirmed, Record: rec, Receipt: receipt}, err
	}

	logger.Warn("Pending relay reverted", "tx", rec.TxHash, "block", receipt.BlockNumber)
	return ReconcileResult{Action: ReconcileReverted, Record: rec, Receipt: receipt}, r.discard(ctx)
}

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid transaction hash %q", s)
	}
	return common.BytesToHash(b), nil
}
