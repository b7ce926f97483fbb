// Package web3 binds the game recorder contract and turns intents into
// signed transactions. It knows nothing about queueing or accounts; the
// dispatcher hands it a signer, a nonce and an intent and gets back a
// transaction hash.
package web3

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/hopchain/txdispatch/log"
	"github.com/hopchain/txdispatch/types"
	"github.com/hopchain/txdispatch/web3/rpc"
)

const (
	// web3QueryTimeout is the timeout for ad-hoc web3 queries.
	web3QueryTimeout = 10 * time.Second

	// currentBlockIntervalUpdate is the interval to refresh the cached
	// current block.
	currentBlockIntervalUpdate = 5 * time.Second

	// gasFallback is the gas limit used when estimation fails after the
	// call already simulated cleanly.
	gasFallback = 300_000

	// gasSafetyBps is the margin added on top of a gas estimate, in basis
	// points.
	gasSafetyBps = 1000
)

// RecorderABI is the application binary interface of the game recorder
// contract. Only the three recorder functions the dispatcher submits are
// declared.
const RecorderABI = `[
	{"type":"function","name":"recordJump","stateMutability":"nonpayable","inputs":[{"name":"player","type":"address"},{"name":"height","type":"uint256"},{"name":"score","type":"uint256"},{"name":"gameId","type":"string"}],"outputs":[]},
	{"type":"function","name":"recordGameOver","stateMutability":"nonpayable","inputs":[{"name":"player","type":"address"},{"name":"score","type":"uint256"},{"name":"gameId","type":"string"}],"outputs":[]},
	{"type":"function","name":"setPlayer","stateMutability":"nonpayable","inputs":[{"name":"player","type":"address"},{"name":"name","type":"string"}],"outputs":[]}
]`

// Recorder holds the binding to the deployed recorder contract and the web3
// pool used to reach it.
type Recorder struct {
	ChainID uint64
	Address common.Address

	abi abi.ABI
	w3p *rpc.Web3Pool
	cli *rpc.Client

	currentBlock           uint64
	currentBlockLastUpdate time.Time
	currentBlockMutex      sync.Mutex
}

// New creates a Recorder from the given web3 endpoints and contract
// address. All endpoints must report the same chain ID.
func New(web3rpcs []string, contractAddr common.Address) (*Recorder, error) {
	w3pool := rpc.NewWeb3Pool()
	var chainID *uint64
	for _, uri := range web3rpcs {
		cID, err := w3pool.AddEndpoint(uri)
		if err != nil {
			log.Warnw("skipping web3 endpoint", "rpc", uri, "error", err)
			continue
		}
		if chainID == nil {
			chainID = &cID
		}
		if *chainID != cID {
			return nil, fmt.Errorf("web3 endpoints have different chain IDs: %d and %d", *chainID, cID)
		}
	}
	if chainID == nil {
		return nil, fmt.Errorf("no web3 endpoints provided")
	}
	cli, err := w3pool.Client(*chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), web3QueryTimeout)
	defer cancel()
	lastBlock, err := cli.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block number: %w", err)
	}

	recorderABI, err := abi.JSON(strings.NewReader(RecorderABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse recorder ABI: %w", err)
	}

	log.Infow("web3 client initialized",
		"chainID", *chainID,
		"contract", contractAddr.Hex(),
		"lastBlock", lastBlock,
		"numEndpoints", len(web3rpcs),
	)

	return &Recorder{
		ChainID:                *chainID,
		Address:                contractAddr,
		abi:                    recorderABI,
		w3p:                    w3pool,
		cli:                    cli,
		currentBlock:           lastBlock,
		currentBlockLastUpdate: time.Now(),
	}, nil
}

// AddWeb3Endpoint adds a new web3 endpoint to the pool.
func (r *Recorder) AddWeb3Endpoint(web3rpc string) error {
	_, err := r.w3p.AddEndpoint(web3rpc)
	return err
}

// EnsureDeployed checks that contract code exists at the configured
// address.
func (r *Recorder) EnsureDeployed(ctx context.Context) error {
	code, err := r.cli.CodeAt(ctx, r.Address, nil)
	if err != nil {
		return fmt.Errorf("failed to get contract code: %w", err)
	}
	if len(code) == 0 {
		return fmt.Errorf("no contract code at %s", r.Address.Hex())
	}
	return nil
}

// CurrentBlock returns the current block number, cached for a few seconds
// to keep status endpoints cheap.
func (r *Recorder) CurrentBlock() uint64 {
	r.currentBlockMutex.Lock()
	defer r.currentBlockMutex.Unlock()
	now := time.Now()
	if r.currentBlockLastUpdate.Add(currentBlockIntervalUpdate).Before(now) {
		ctx, cancel := context.WithTimeout(context.Background(), web3QueryTimeout)
		defer cancel()
		block, err := r.cli.BlockNumber(ctx)
		if err != nil {
			log.Warnw("failed to get block number", "error", err)
			return r.currentBlock
		}
		r.currentBlock = block
		r.currentBlockLastUpdate = now
	}
	return r.currentBlock
}

// BlockNumber returns the number of the most recent block, uncached.
func (r *Recorder) BlockNumber(ctx context.Context) (uint64, error) {
	return r.cli.BlockNumber(ctx)
}

// PendingNonce returns the next usable nonce for the account, considering
// both the confirmed and the pending transaction pool views so a lagging
// endpoint cannot hand out an already-spent nonce.
func (r *Recorder) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	nonce, err := r.cli.NonceAt(ctx, account, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get on-chain nonce: %w", err)
	}
	if pendingNonce, err := r.cli.PendingNonceAt(ctx, account); err == nil && pendingNonce > nonce {
		nonce = pendingNonce
	}
	return nonce, nil
}

// Balance returns the wei balance of the account.
func (r *Recorder) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	return r.cli.BalanceAt(ctx, account, nil)
}

// Simulate executes the intent call read-only from the given account. A
// revert surfaces as an "execution reverted" error; nil means the call
// would succeed in the current state.
func (r *Recorder) Simulate(ctx context.Context, from common.Address, in *types.Intent) error {
	data, err := r.callData(in)
	if err != nil {
		return err
	}
	_, err = r.cli.CallContract(ctx, ethereum.CallMsg{
		From: from,
		To:   &r.Address,
		Data: data,
	}, nil)
	if err != nil {
		return fmt.Errorf("simulate %s: %w", in.Kind, err)
	}
	return nil
}

// Submit signs and broadcasts the intent call with the given nonce. The
// returned hash identifies the transaction whether or not the broadcast
// succeeded, so callers can record it before classifying the error.
func (r *Recorder) Submit(ctx context.Context, signer *Signer, nonce uint64, in *types.Intent) (common.Hash, error) {
	data, err := r.callData(in)
	if err != nil {
		return common.Hash{}, err
	}

	tipCap, err := r.cli.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get tip cap: %w", err)
	}
	gasPrice, err := r.cli.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get gas price: %w", err)
	}
	// Fee cap covers two base fee doublings plus the tip.
	feeCap := new(big.Int).Add(new(big.Int).Mul(gasPrice, big.NewInt(2)), tipCap)

	from := signer.Address()
	msg := ethereum.CallMsg{
		From:      from,
		To:        &r.Address,
		Data:      data,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
	}
	gas, err := r.cli.EstimateGas(ctx, msg)
	if err != nil {
		log.Warnw("gas estimation failed, using fallback",
			"kind", in.Kind, "error", err, "fallback", gasFallback)
		gas = gasFallback
	} else {
		gas += gas * gasSafetyBps / 10_000
	}

	bChainID := new(big.Int).SetUint64(r.ChainID)
	auth, err := bind.NewKeyedTransactorWithChainID((*ecdsa.PrivateKey)(signer), bChainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to create transactor: %w", err)
	}
	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   bChainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &r.Address,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := auth.Signer(from, tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := r.cli.SendTransaction(ctx, signed); err != nil {
		return signed.Hash(), err
	}
	return signed.Hash(), nil
}

// Receipt returns the receipt of a submitted transaction, or
// ethereum.NotFound while it is unmined.
func (r *Recorder) Receipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	return r.cli.TransactionReceipt(ctx, txHash)
}

// callData packs the recorder function call for the intent. Heights and
// scores travel as uint256.
func (r *Recorder) callData(in *types.Intent) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch in.Kind {
	case types.KindJump:
		data, err = r.abi.Pack("recordJump",
			in.Player,
			uint256.NewInt(in.Height).ToBig(),
			uint256.NewInt(in.Score).ToBig(),
			in.GameID)
	case types.KindGameOver:
		data, err = r.abi.Pack("recordGameOver",
			in.Player,
			uint256.NewInt(in.Score).ToBig(),
			in.GameID)
	case types.KindSetPlayer:
		data, err = r.abi.Pack("setPlayer",
			in.Player,
			in.Username)
	default:
		return nil, fmt.Errorf("unknown intent kind %q", in.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", in.Kind, err)
	}
	return data, nil
}
