package metarelay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// LedgerClient is the chain access the relay needs. Implementations must be
// safe for concurrent use.
type LedgerClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)

	// Receipt returns nil without error when the transaction is unknown or unmined.
	Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)

	// FeeData reports the network's current fee levels, unbumped.
	FeeData(ctx context.Context) (*FeeParameters, error)

	// SubmitTransaction signs a call to `to` with the relayer's key and
	// broadcasts it. A call the node predicts will revert is still broadcast,
	// so the revert is settled on chain.
	SubmitTransaction(ctx context.Context, relayer *Relayer, to common.Address, data []byte, fees *FeeParameters) (common.Hash, error)
}

// DefaultOuterGasLimit is the relayer transaction's gas limit when the node
// cannot estimate it because the forwarded call would revert
const DefaultOuterGasLimit uint64 = 2_000_000

// defaultPriorityFee is the tip reported when the node cannot suggest one
var defaultPriorityFee = big.NewInt(1_500_000_000)

// EthLedger implements LedgerClient over a JSON-RPC endpoint.
type EthLedger struct {
	client *ethclient.Client

	// RevertGasLimit replaces the estimate for calls predicted to revert;
	// zero means DefaultOuterGasLimit
	RevertGasLimit uint64
}

// NewEthLedger wraps an existing client
func NewEthLedger(client *ethclient.Client) *EthLedger {
	return &EthLedger{client: client}
}

// DialLedger connects to rawurl and probes it until the chain ID can be read
func DialLedger(ctx context.Context, rawurl string, attempts int, backoff time.Duration) (*EthLedger, error) {
	rpcClient, err := rpc.DialContext(ctx, rawurl)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rawurl, err)
	}
	ledger := NewEthLedger(ethclient.NewClient(rpcClient))

	err = retry(ctx, attempts, backoff, func() error {
		_, err := ledger.client.ChainID(ctx)
		return err
	})
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("ledger at %s unreachable: %w", rawurl, err)
	}
	return ledger, nil
}

// Client returns the underlying ethclient
func (l *EthLedger) Client() *ethclient.Client {
	return l.client
}

// Close closes the RPC connection
func (l *EthLedger) Close() {
	l.client.Close()
}

func (l *EthLedger) ChainID(ctx context.Context) (*big.Int, error) {
	return l.client.ChainID(ctx)
}

func (l *EthLedger) BlockNumber(ctx context.Context) (uint64, error) {
	return l.client.BlockNumber(ctx)
}

func (l *EthLedger) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return l.client.CallContract(ctx, msg, blockNumber)
}

func (l *EthLedger) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return l.client.BalanceAt(ctx, account, blockNumber)
}

func (l *EthLedger) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, err := l.client.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// FeeData reads fee levels the way wallet libraries do: when the latest
// header carries a base fee, the cap is twice the base fee plus the tip.
func (l *EthLedger) FeeData(ctx context.Context) (*FeeParameters, error) {
	header, err := l.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}

	if header.BaseFee == nil {
		gasPrice, err := l.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get gas price: %w", err)
		}
		return &FeeParameters{GasPrice: gasPrice}, nil
	}

	tip, err := l.client.SuggestGasTipCap(ctx)
	if err != nil {
		tip = new(big.Int).Set(defaultPriorityFee)
	}
	feeCap := new(big.Int).Mul(header.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	return &FeeParameters{GasFeeCap: feeCap, GasTipCap: tip}, nil
}

func (l *EthLedger) SubmitTransaction(ctx context.Context, relayer *Relayer, to common.Address, data []byte, fees *FeeParameters) (common.Hash, error) {
	if relayer == nil {
		return common.Hash{}, ErrSignerUnavailable
	}
	if fees == nil {
		return common.Hash{}, errors.New("missing fee parameters")
	}

	chainID, err := l.client.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get chain ID: %w", err)
	}

	nonce, err := l.client.PendingNonceAt(ctx, relayer.Address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get relayer nonce: %w", err)
	}

	msg := ethereum.CallMsg{
		From:  relayer.Address,
		To:    &to,
		Value: big.NewInt(0),
		Data:  data,
	}
	if fees.IsDynamic() {
		msg.GasFeeCap = fees.GasFeeCap
		msg.GasTipCap = fees.GasTipCap
	} else {
		msg.GasPrice = fees.GasPrice
	}
	gasLimit, err := l.client.EstimateGas(ctx, msg)
	switch {
	case err == nil:
	case isExecutionRevert(err):
		gasLimit = l.RevertGasLimit
		if gasLimit == 0 {
			gasLimit = DefaultOuterGasLimit
		}
		logger.Warn("Forwarded call is predicted to revert", "to", to, "relayer", relayer.Address, "gas", gasLimit, "reason", decodeRevert(err))
	default:
		return common.Hash{}, fmt.Errorf("failed to estimate gas: %w", err)
	}

	var txData types.TxData
	if fees.IsDynamic() {
		txData = &types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: fees.GasTipCap,
			GasFeeCap: fees.GasFeeCap,
			Gas:       gasLimit,
			To:        &to,
			Value:     big.NewInt(0),
			Data:      data,
		}
	} else {
		txData = &types.LegacyTx{
			Nonce:    nonce,
			GasPrice: fees.GasPrice,
			Gas:      gasLimit,
			To:       &to,
			Value:    big.NewInt(0),
			Data:     data,
		}
	}

	signedTx, err := relayer.SignTx(types.NewTx(txData), chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := l.client.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return signedTx.Hash(), nil
}

// isExecutionRevert tells a revert of the simulated call apart from a failure
// to simulate it at all
func isExecutionRevert(err error) bool {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
		return true
	}
	return strings.Contains(err.Error(), "execution reverted")
}
