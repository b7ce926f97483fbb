package dispatcher

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hopchain/txdispatch/types"
	"github.com/hopchain/txdispatch/web3"
)

// sentMark is a successful chain submission whose store transition has not
// landed yet. The sender retries the mark before touching the queue again so
// the intent is never submitted twice.
type sentMark struct {
	in   *types.Intent
	hash common.Hash
}

// Account is one funded signing key and its submission state. Mutable fields
// are owned by the account's sender loop; other goroutines only read them
// through Status, which snapshots under a short lock.
type Account struct {
	Index  uint32
	Signer *web3.Signer

	address common.Address
	wake    chan struct{}

	mtx          sync.Mutex
	queue        []*types.Intent
	sending      bool
	nextNonce    uint64
	nonceSeeded  bool
	consecErrors uint32
	quarantined  bool
	processed    uint64
	lastHash     common.Hash
	lastSubmitTs time.Time
	unmarked     *sentMark
}

func newAccount(index uint32, signer *web3.Signer) *Account {
	return &Account{
		Index:   index,
		Signer:  signer,
		address: signer.Address(),
		wake:    make(chan struct{}, 1),
	}
}

// Address returns the address derived from the account key.
func (a *Account) Address() common.Address {
	return a.address
}

// Wake nudges the sender loop without blocking. Back-to-back wake-ups
// coalesce into one.
func (a *Account) Wake() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Enqueue appends an intent to the account FIFO and returns the new length.
func (a *Account) Enqueue(in *types.Intent) int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.queue = append(a.queue, in)
	return len(a.queue)
}

func (a *Account) peek() *types.Intent {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if len(a.queue) == 0 {
		return nil
	}
	return a.queue[0]
}

func (a *Account) pop() {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if len(a.queue) > 0 {
		a.queue = a.queue[1:]
	}
}

// schedulable snapshots the fields the scheduler ranks on.
func (a *Account) schedulable() (quarantined, sending bool, queueLen int) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.quarantined, a.sending, len(a.queue)
}

// beginSend marks the account busy. Returns false when it already is, or
// when the account is quarantined.
func (a *Account) beginSend() bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if a.sending || a.quarantined {
		return false
	}
	a.sending = true
	return true
}

func (a *Account) endSend() {
	a.mtx.Lock()
	a.sending = false
	a.mtx.Unlock()
}

// nonce returns the next nonce and whether it has been seeded yet.
func (a *Account) nonce() (uint64, bool) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.nextNonce, a.nonceSeeded
}

// setNonce pins the next nonce after seeding or a resync from the chain.
func (a *Account) setNonce(n uint64) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.nextNonce = n
	a.nonceSeeded = true
}

// bumpNonce advances the next nonce after a submission consumed the current
// one.
func (a *Account) bumpNonce() {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.nextNonce++
}

// parkSent stores a submission whose sent mark must be retried.
func (a *Account) parkSent(in *types.Intent, hash common.Hash) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.unmarked = &sentMark{in: in, hash: hash}
}

// unmarkedSent returns the parked submission, if any.
func (a *Account) unmarkedSent() *sentMark {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.unmarked
}

func (a *Account) clearParked() {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.unmarked = nil
}

// recordSuccess clears the failure streak and updates submission stats.
func (a *Account) recordSuccess(hash common.Hash) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.consecErrors = 0
	a.processed++
	a.lastHash = hash
	a.lastSubmitTs = time.Now()
}

// recordError advances the failure streak and quarantines the account when
// it reaches the threshold. Reports whether the account was quarantined by
// this call.
func (a *Account) recordError(threshold uint32) bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.consecErrors++
	if !a.quarantined && a.consecErrors >= threshold {
		a.quarantined = true
		return true
	}
	return false
}

// Quarantined reports whether the account is out of rotation.
func (a *Account) Quarantined() bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.quarantined
}

// reset clears the failure streak and returns the account to rotation. The
// nonce is dropped so the next submission reseeds it from the chain, and the
// local queue is drained so its intents can be rescheduled: the store still
// holds every one of them.
func (a *Account) reset() []*types.Intent {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.consecErrors = 0
	a.quarantined = false
	a.nonceSeeded = false
	drained := a.queue
	a.queue = nil
	return drained
}

// Status snapshots the externally visible account state.
func (a *Account) Status() types.AccountStatus {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	st := types.AccountStatus{
		Index:             a.Index,
		Address:           a.address,
		Sending:           a.sending,
		QueueLength:       len(a.queue),
		Processed:         a.processed,
		ConsecutiveErrors: a.consecErrors,
		Quarantined:       a.quarantined,
		NextNonce:         a.nextNonce,
		LastSubmit:        a.lastSubmitTs,
	}
	if a.lastHash != (common.Hash{}) {
		st.LastHash = a.lastHash.Bytes()
	}
	return st
}
