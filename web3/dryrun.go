package web3

import (
	"context"
	"encoding/binary"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/hopchain/txdispatch/types"
)

// DryRun is a chain adapter that accepts every submission without touching
// a network. Each submit mines one synthetic block and produces a
// deterministic hash, so the full dispatch and confirmation cycle can run
// against it in local development and tests.
type DryRun struct {
	mtx      sync.Mutex
	nonces   map[common.Address]uint64
	receipts map[common.Hash]uint64
	block    uint64
}

// NewDryRun creates an empty dry-run chain starting at block 1.
func NewDryRun() *DryRun {
	return &DryRun{
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]uint64),
		block:    1,
	}
}

// EnsureDeployed always succeeds.
func (d *DryRun) EnsureDeployed(ctx context.Context) error {
	return nil
}

// CurrentBlock returns the synthetic block height.
func (d *DryRun) CurrentBlock() uint64 {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.block
}

// BlockNumber returns the synthetic block height.
func (d *DryRun) BlockNumber(ctx context.Context) (uint64, error) {
	return d.CurrentBlock(), nil
}

// PendingNonce returns the next nonce for the account.
func (d *DryRun) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.nonces[account], nil
}

// Balance returns a fixed one-ether balance for every account.
func (d *DryRun) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	return big.NewInt(1e18), nil
}

// Simulate always succeeds.
func (d *DryRun) Simulate(ctx context.Context, from common.Address, in *types.Intent) error {
	return nil
}

// Submit mines the intent into the next synthetic block and returns a
// deterministic hash derived from the signer, nonce and intent id.
func (d *DryRun) Submit(ctx context.Context, signer *Signer, nonce uint64, in *types.Intent) (common.Hash, error) {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], nonce)
	binary.BigEndian.PutUint64(buf[8:16], in.ID)
	from := signer.Address()
	hash := ethcrypto.Keccak256Hash(from.Bytes(), buf[:])

	d.mtx.Lock()
	defer d.mtx.Unlock()
	d.nonces[from] = nonce + 1
	d.block++
	d.receipts[hash] = d.block
	return hash, nil
}

// Receipt returns a successful receipt for every submitted hash and
// ethereum.NotFound for anything else.
func (d *DryRun) Receipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	block, ok := d.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return &gethtypes.Receipt{
		Status:      gethtypes.ReceiptStatusSuccessful,
		TxHash:      txHash,
		BlockNumber: new(big.Int).SetUint64(block),
	}, nil
}
