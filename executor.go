package metarelay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
)

// ExecutorArgs wires an Executor.
type ExecutorArgs struct {
	Builder  *ForwardRequestBuilder
	Fees     *FeeEstimator
	Selector *RelayerSelector
	Keyring  *RelayerKeyring
	Recovery *RecoveryStore
	Metrics  *Metrics

	MinRelayerBalance   *big.Int
	Confirmations       uint64
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
}

// Executor runs relay attempts end to end. Attempts from the same sender
// are serialized from the nonce read until the confirmation wait ends, and
// submissions through the same relayer are serialized so its account nonce
// is never raced.
type Executor struct {
	args     ExecutorArgs
	signers  *keyedQueue
	relayers *keyedQueue
}

// NewExecutor checks args and creates an executor
func NewExecutor(args ExecutorArgs) (*Executor, error) {
	switch {
	case args.Builder == nil:
		return nil, errors.New("executor needs a request builder")
	case args.Fees == nil:
		return nil, errors.New("executor needs a fee estimator")
	case args.Selector == nil:
		return nil, errors.New("executor needs a relayer selector")
	case args.Keyring == nil:
		return nil, errors.New("executor needs a relayer keyring")
	case args.Recovery == nil:
		return nil, errors.New("executor needs a recovery store")
	}
	if args.MinRelayerBalance == nil {
		args.MinRelayerBalance = DefaultMinRelayerBalance
	}
	if args.Confirmations == 0 {
		args.Confirmations = 2
	}
	if args.ConfirmationTimeout <= 0 {
		args.ConfirmationTimeout = 2 * time.Minute
	}
	if args.PollInterval <= 0 {
		args.PollInterval = 2 * time.Second
	}
	if args.Selector.Keyring == nil {
		args.Selector.Keyring = args.Keyring
	}

	return &Executor{
		args:     args,
		signers:  newKeyedQueue(),
		relayers: newKeyedQueue(),
	}, nil
}

// NewExecutorWithSettings wires an executor from validated settings
func NewExecutorWithSettings(s *Settings, functions *FunctionTable, feePayerRole common.Hash, keyring *RelayerKeyring, recovery *RecoveryStore, metrics *Metrics) (*Executor, error) {
	selector := NewRelayerSelector(feePayerRole, keyring)
	selector.Metrics = metrics
	recovery.SetMetrics(metrics)

	return NewExecutor(ExecutorArgs{
		Builder:             NewForwardRequestBuilder(functions, NewNonceTracker(s.NonceReadAttempts, s.NonceReadBackoff), s.GasCeiling),
		Fees:                NewFeeEstimator(s.PriorityFeePercent, s.MaxFeePercent, s.GasPricePercent),
		Selector:            selector,
		Keyring:             keyring,
		Recovery:            recovery,
		Metrics:             metrics,
		MinRelayerBalance:   s.MinRelayerBalance,
		Confirmations:       s.Confirmations,
		ConfirmationTimeout: s.ConfirmationTimeout,
		PollInterval:        s.PollInterval,
	})
}

// Relay executes call on behalf of user through the forwarder.
//
// A nil error means the transaction was broadcast: the result is either
// StateConfirmed, or StatePendingUnconfirmed when the confirmation wait timed
// out or ctx ended first. In the latter case the pending record stays in the
// recovery store. Every other outcome is a *RelayError.
func (e *Executor) Relay(ctx context.Context, conn *ConnectionContext, user TypedDataSigner, call Call) (*RelayResult, error) {
	if user == nil {
		return e.fail(logger, StateSigning, ErrSignatureDeclined, ErrSignerUnavailable)
	}
	from := user.Address()
	l := logger.New("from", from, "fn", call.Function)

	release, err := e.signers.acquire(ctx, from)
	if err != nil {
		return e.fail(l, StateBuilding, ErrBuild, err)
	}
	defer release()

	l.Debug("Relay state", "state", StateBuilding)
	req, err := e.args.Builder.Build(ctx, conn, from, call)
	if err != nil {
		return e.fail(l, StateBuilding, ErrBuild, err)
	}
	l = l.New("nonce", req.Nonce)

	l.Debug("Relay state", "state", StateSigning)
	domain := conn.Domain()
	sig, err := user.SignTypedData(ctx, req.TypedData(domain))
	if err != nil {
		return e.fail(l, StateSigning, ErrSignatureDeclined, err)
	}
	signer, err := RecoverForwardRequestSigner(req, sig, domain)
	if err != nil {
		return e.fail(l, StateSigning, ErrSignatureDeclined, err)
	}
	if signer != from {
		return e.fail(l, StateSigning, ErrSignatureDeclined, fmt.Errorf("signature recovers to %s, not the sender", signer.Hex()))
	}

	l.Debug("Relay state", "state", StateSelectingRelayer)
	candidate, err := e.args.Selector.SelectRelayer(ctx, conn, e.args.MinRelayerBalance)
	if err != nil {
		return e.fail(l, StateSelectingRelayer, ErrNoRelayerAvailable, err)
	}
	if candidate == nil {
		return e.fail(l, StateSelectingRelayer, ErrNoRelayerAvailable, nil)
	}
	relayer, ok := e.args.Keyring.Get(candidate.Address)
	if !ok {
		return e.fail(l, StateSelectingRelayer, ErrNoRelayerAvailable, fmt.Errorf("no credential for %s", candidate.Address.Hex()))
	}
	l = l.New("relayer", relayer.Address)

	l.Debug("Relay state", "state", StateSubmitting)
	fees, err := e.args.Fees.Estimate(ctx, conn)
	if err != nil {
		return e.fail(l, StateSubmitting, ErrBuild, err)
	}
	data, err := PackExecute(req, sig)
	if err != nil {
		return e.fail(l, StateSubmitting, ErrBuild, err)
	}
	txHash, err := e.submit(ctx, conn, relayer, data, fees)
	if err != nil {
		return e.fail(l, StateSubmitting, ErrSubmission, err)
	}
	submittedAt := time.Now()
	l = l.New("tx", txHash)

	// the transaction is out; state writes from here on must not be cut short
	persistCtx := context.WithoutCancel(ctx)
	if _, err := e.args.Recovery.RecordPending(persistCtx, txHash); err != nil {
		l.Error("Failed to record pending relay", "err", err)
	}

	result := &RelayResult{
		State:     StatePendingUnconfirmed,
		TxHash:    txHash,
		Request:   req,
		Signature: sig,
		Relayer:   relayer.Address,
	}

	l.Debug("Relay state", "state", StateAwaitingConfirmation)
	waitCtx, cancel := context.WithTimeout(ctx, e.args.ConfirmationTimeout)
	defer cancel()
	receipt, err := waitForConfirmations(waitCtx, conn.Ledger(), txHash, e.args.Confirmations, e.args.PollInterval)
	if err != nil {
		l.Warn("Relay submitted but not confirmed", "err", err)
		e.args.Metrics.observeRelay(outcomePending)
		return result, nil
	}
	e.args.Metrics.observeConfirmation(time.Since(submittedAt))
	result.Receipt = receipt

	if receipt.Status == types.ReceiptStatusSuccessful {
		if err := e.args.Recovery.MarkConfirmed(persistCtx, txHash); err != nil {
			l.Error("Failed to record confirmed relay", "err", err)
		}
		result.State = StateConfirmed
		e.args.Metrics.observeRelay(outcomeConfirmed)
		l.Info("Relay confirmed", "block", receipt.BlockNumber)
		return result, nil
	}

	if err := e.args.Recovery.ClearPending(persistCtx, txHash); err != nil {
		l.Error("Failed to clear reverted relay", "err", err)
	}
	reason := revertReason(ctx, conn, relayer.Address, data, receipt)
	e.args.Metrics.observeRelay(outcomeRevert)
	l.Warn("Relay reverted", "block", receipt.BlockNumber, "reason", reason)
	return nil, &RelayError{Stage: StateAwaitingConfirmation, Kind: ErrOnChainRevert, TxHash: txHash, Reason: reason}
}

func (e *Executor) submit(ctx context.Context, conn *ConnectionContext, relayer *Relayer, data []byte, fees *FeeParameters) (common.Hash, error) {
	release, err := e.relayers.acquire(ctx, relayer.Address)
	if err != nil {
		return common.Hash{}, err
	}
	defer release()
	return conn.Ledger().SubmitTransaction(ctx, relayer, conn.Forwarder(), data, fees)
}

func (e *Executor) fail(l log.Logger, stage State, kind, err error) (*RelayResult, error) {
	e.args.Metrics.observeRelay(outcomeOf(kind))
	l.Warn("Relay failed", "state", stage, "kind", kind, "err", err)
	return nil, &RelayError{Stage: stage, Kind: kind, Err: err}
}

// revertReason replays the reverted call against the state before its block
// and decodes the revert data the node returns
func revertReason(ctx context.Context, conn *ConnectionContext, from common.Address, data []byte, receipt *types.Receipt) string {
	var block *big.Int
	if receipt.BlockNumber != nil && receipt.BlockNumber.Sign() > 0 {
		block = new(big.Int).Sub(receipt.BlockNumber, common.Big1)
	}
	to := conn.Forwarder()
	out, err := conn.Ledger().CallContract(ctx, ethereum.CallMsg{From: from, To: &to, Data: data}, block)
	if ctx.Err() != nil {
		return ""
	}
	if err != nil {
		return decodeRevert(err)
	}
	// forwarders that report the inner failure instead of reverting
	ok, ret, err := unpackExecuteResult(out)
	if err != nil || ok {
		return ""
	}
	if reason, err := abi.UnpackRevert(ret); err == nil {
		return reason
	}
	return ""
}

func decodeRevert(err error) string {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if raw, derr := hexutil.Decode(hexData); derr == nil {
				if reason, uerr := abi.UnpackRevert(raw); uerr == nil {
					return reason
				}
			}
		}
	}
	return err.Error()
}
