package metarelay

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/require"
)

var (
	testForwarder     = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testAccessControl = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	testTaxContract   = common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0")
	testChainID       = big.NewInt(31337)
)

// revertError mimics the JSON-RPC error a node returns for a reverted call
type revertError struct {
	data string
}

func (e *revertError) Error() string          { return "execution reverted" }
func (e *revertError) ErrorCode() int         { return 3 }
func (e *revertError) ErrorData() interface{} { return e.data }

func encodeRevert(t testing.TB, reason string) string {
	stringTy, err := abi.NewType("string", "", nil)
	require.Nil(t, err)
	packed, err := abi.Arguments{{Type: stringTy}}.Pack(reason)
	require.Nil(t, err)
	selector := crypto.Keccak256([]byte("Error(string)"))[:4]
	return hexutil.Encode(append(selector, packed...))
}

type submission struct {
	relayer common.Address
	to      common.Address
	request ForwardRequest
	fees    *FeeParameters
	hash    common.Hash
}

// fakeLedger simulates a chain with a MetaForwarder deployed at testForwarder.
// Submitted requests are checked the way the forwarder checks them, the
// sender's forwarding nonce is consumed on execution and a receipt is mined
// when autoMine is set.
type fakeLedger struct {
	t testing.TB

	mu           sync.Mutex
	chainID      *big.Int
	head         uint64
	autoAdvance  bool
	autoMine     bool
	revertReason string // non-empty: inner call reverts with this reason
	nonces       map[common.Address]uint64
	balances     map[common.Address]*big.Int
	balanceErrs  map[common.Address]error
	fees         *FeeParameters
	feeErr       error
	receipts     map[common.Hash]*types.Receipt
	hashes       []common.Hash // handed out before generated hashes
	submitted    []submission
	submitErr    error
	nonceErrs    int // fail this many getNonce reads first
	callHook     func(msg ethereum.CallMsg) ([]byte, bool, error)

	nonceReads   int
	balanceReads int
	receiptReads int
	inFlight     map[common.Address]int
	maxInFlight  int
}

func newFakeLedger(t testing.TB) *fakeLedger {
	return &fakeLedger{
		t:           t,
		chainID:     new(big.Int).Set(testChainID),
		head:        100,
		autoAdvance: true,
		autoMine:    true,
		nonces:      make(map[common.Address]uint64),
		balances:    make(map[common.Address]*big.Int),
		balanceErrs: make(map[common.Address]error),
		fees:        &FeeParameters{GasFeeCap: big.NewInt(3_000_000_000), GasTipCap: big.NewInt(1_000_000_000)},
		receipts:    make(map[common.Hash]*types.Receipt),
		inFlight:    make(map[common.Address]int),
	}
}

func (l *fakeLedger) ChainID(ctx context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.chainID), nil
}

func (l *fakeLedger) BlockNumber(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.autoAdvance {
		l.head++
	}
	return l.head, nil
}

func (l *fakeLedger) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if l.callHook != nil {
		if out, handled, err := l.callHook(msg); handled {
			return out, err
		}
	}
	if msg.To == nil || *msg.To != testForwarder || len(msg.Data) < 4 {
		return nil, errors.New("no contract code at address")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case bytes.Equal(msg.Data[:4], forwarderABI.Methods["getNonce"].ID):
		l.nonceReads++
		if l.nonceErrs > 0 {
			l.nonceErrs--
			return nil, errors.New("connection reset by peer")
		}
		args, err := forwarderABI.Methods["getNonce"].Inputs.Unpack(msg.Data[4:])
		require.Nil(l.t, err)
		user := args[0].(common.Address)
		return forwarderABI.Methods["getNonce"].Outputs.Pack(new(big.Int).SetUint64(l.nonces[user]))
	case bytes.Equal(msg.Data[:4], forwarderABI.Methods["verify"].ID):
		req, sig, err := decodeForwardCall("verify", msg.Data)
		if err != nil {
			return nil, err
		}
		return forwarderABI.Methods["verify"].Outputs.Pack(l.checkRequest(req, sig) == nil)
	case bytes.Equal(msg.Data[:4], forwarderABI.Methods["execute"].ID):
		if l.revertReason != "" {
			return nil, &revertError{data: encodeRevert(l.t, l.revertReason)}
		}
		req, sig, err := decodeForwardCall("execute", msg.Data)
		if err != nil {
			return nil, err
		}
		if err := l.checkRequest(req, sig); err != nil {
			return nil, &revertError{data: encodeRevert(l.t, err.Error())}
		}
		return forwarderABI.Methods["execute"].Outputs.Pack(true, []byte{})
	}
	return nil, errors.New("unknown selector")
}

func (l *fakeLedger) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balanceReads++
	if err := l.balanceErrs[account]; err != nil {
		return nil, err
	}
	if b, ok := l.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (l *fakeLedger) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receiptReads++
	return l.receipts[txHash], nil
}

func (l *fakeLedger) FeeData(ctx context.Context) (*FeeParameters, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.feeErr != nil {
		return nil, l.feeErr
	}
	return &FeeParameters{GasPrice: l.fees.GasPrice, GasFeeCap: l.fees.GasFeeCap, GasTipCap: l.fees.GasTipCap}, nil
}

func (l *fakeLedger) SubmitTransaction(ctx context.Context, relayer *Relayer, to common.Address, data []byte, fees *FeeParameters) (common.Hash, error) {
	l.mu.Lock()
	l.inFlight[relayer.Address]++
	if l.inFlight[relayer.Address] > l.maxInFlight {
		l.maxInFlight = l.inFlight[relayer.Address]
	}
	l.mu.Unlock()

	// widen the window in which an unserialized caller would overlap
	time.Sleep(2 * time.Millisecond)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.inFlight[relayer.Address]--

	if l.submitErr != nil {
		return common.Hash{}, l.submitErr
	}
	if to != testForwarder || !bytes.Equal(data[:4], forwarderABI.Methods["execute"].ID) {
		return common.Hash{}, errors.New("unexpected submission target")
	}

	req, sig, err := decodeForwardCall("execute", data)
	if err != nil {
		return common.Hash{}, err
	}
	// a rejected request is still mined, as a revert that leaves the nonce
	rejected := l.checkRequest(req, sig) != nil
	if !rejected {
		l.nonces[req.From]++
	}

	var hash common.Hash
	if len(l.hashes) > 0 {
		hash, l.hashes = l.hashes[0], l.hashes[1:]
	} else {
		hash = crypto.Keccak256Hash(data, new(big.Int).SetInt64(int64(len(l.submitted))).Bytes())
	}
	l.submitted = append(l.submitted, submission{relayer: relayer.Address, to: to, request: req, fees: fees, hash: hash})

	if l.autoMine {
		l.head++
		status := types.ReceiptStatusSuccessful
		if rejected || l.revertReason != "" {
			status = types.ReceiptStatusFailed
		}
		l.receipts[hash] = &types.Receipt{Status: status, TxHash: hash, BlockNumber: new(big.Int).SetUint64(l.head)}
	}
	return hash, nil
}

// decodeForwardCall unpacks the request and signature of an execute or verify call
func decodeForwardCall(method string, data []byte) (ForwardRequest, []byte, error) {
	values, err := forwarderABI.Methods[method].Inputs.Unpack(data[4:])
	if err != nil {
		return ForwardRequest{}, nil, err
	}
	tuple := *abi.ConvertType(values[0], new(forwardRequestData)).(*forwardRequestData)
	return ForwardRequest{
		From:  tuple.From,
		To:    tuple.To,
		Value: tuple.Value,
		Gas:   tuple.Gas.Uint64(),
		Nonce: tuple.Nonce.Uint64(),
		Data:  tuple.Data,
	}, values[1].([]byte), nil
}

// checkRequest applies the forwarder's checks; l.mu must be held
func (l *fakeLedger) checkRequest(req ForwardRequest, sig []byte) error {
	domain := NewDomain(DefaultForwarderName, DefaultForwarderVersion, l.chainID, testForwarder)
	signer, err := RecoverForwardRequestSigner(req, sig, domain)
	if err != nil || signer != req.From {
		return errors.New("MetaForwarder: signature does not match request")
	}
	if req.Nonce != l.nonces[req.From] {
		return fmt.Errorf("MetaForwarder: nonce %d, expected %d", req.Nonce, l.nonces[req.From])
	}
	return nil
}

// mine sets a receipt for hash at the current head
func (l *fakeLedger) mine(hash common.Hash, status uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head++
	l.receipts[hash] = &types.Receipt{Status: status, TxHash: hash, BlockNumber: new(big.Int).SetUint64(l.head)}
}

func (l *fakeLedger) nonceOf(addr common.Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nonces[addr]
}

func (l *fakeLedger) setNonce(addr common.Address, n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nonces[addr] = n
}

func (l *fakeLedger) setBalance(addr common.Address, wei *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[addr] = wei
}

func (l *fakeLedger) submissions() []submission {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]submission(nil), l.submitted...)
}

func (l *fakeLedger) receiptReadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.receiptReads
}

// fakeOracle is a RoleOracle over a fixed membership table
type fakeOracle struct {
	members map[common.Hash][]common.Address
	err     error
}

func newFakeOracle(role common.Hash, members ...common.Address) *fakeOracle {
	return &fakeOracle{members: map[common.Hash][]common.Address{role: members}}
}

func (o *fakeOracle) AddressesWithRole(ctx context.Context, role common.Hash) ([]common.Address, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.members[role], nil
}

func (o *fakeOracle) HasRole(ctx context.Context, role common.Hash, account common.Address) (bool, error) {
	for _, m := range o.members[role] {
		if m == account {
			return true, nil
		}
	}
	return false, nil
}

// decliningSigner models a user who rejects the signing prompt
type decliningSigner struct {
	addr common.Address
}

func (s decliningSigner) Address() common.Address { return s.addr }

func (s decliningSigner) SignTypedData(ctx context.Context, _ apitypes.TypedData) ([]byte, error) {
	return nil, errors.New("user rejected the request")
}

func ether(s string) *big.Int {
	wei, err := ParseEther(s)
	if err != nil {
		panic(err)
	}
	return wei
}

func newTestKey(t testing.TB) *ecdsa.PrivateKey {
	key, err := GeneratePrivateKey()
	require.Nil(t, err)
	return key
}

func newTestConn(t testing.TB, ledger LedgerClient, oracle RoleOracle) *ConnectionContext {
	conn, err := NewConnectionContext(context.Background(), ConnectionArgs{
		Ledger:    ledger,
		Oracle:    oracle,
		Forwarder: testForwarder,
	})
	require.Nil(t, err)
	return conn
}

type testRelay struct {
	ledger   *fakeLedger
	oracle   *fakeOracle
	conn     *ConnectionContext
	keyring  *RelayerKeyring
	relayer  common.Address
	store    StateStore
	recovery *RecoveryStore
	executor *Executor
	user     *KeySigner
}

// newTestRelay wires an executor against a fake chain with one funded relayer
func newTestRelay(t testing.TB) *testRelay {
	ledger := newFakeLedger(t)
	keyring := NewRelayerKeyring()
	relayer := keyring.Add(newTestKey(t))
	ledger.setBalance(relayer, ether("1.0"))

	oracle := newFakeOracle(RoleID(RoleTxPayer), relayer)
	store := NewMemoryStateStore()
	recovery := NewRecoveryStore(store, DefaultStaleAfter)

	executor, err := NewExecutor(ExecutorArgs{
		Builder:             NewForwardRequestBuilder(UrbanFunctions, NewNonceTracker(3, time.Millisecond), DefaultGasCeiling),
		Fees:                NewFeeEstimator(150, 120, 120),
		Selector:            NewRelayerSelector(RoleID(RoleTxPayer), keyring),
		Keyring:             keyring,
		Recovery:            recovery,
		MinRelayerBalance:   ether("0.01"),
		Confirmations:       2,
		ConfirmationTimeout: 200 * time.Millisecond,
		PollInterval:        2 * time.Millisecond,
	})
	require.Nil(t, err)

	return &testRelay{
		ledger:   ledger,
		oracle:   oracle,
		conn:     newTestConn(t, ledger, oracle),
		keyring:  keyring,
		relayer:  relayer,
		store:    store,
		recovery: recovery,
		executor: executor,
		user:     NewKeySigner(newTestKey(t)),
	}
}

func payTaxCall(assessmentID, amount int64) Call {
	return Call{
		Target:   testTaxContract,
		Function: "payTax",
		Args:     []interface{}{big.NewInt(assessmentID), big.NewInt(amount)},
	}
}
