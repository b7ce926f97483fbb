package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	qt "github.com/frankban/quicktest"

	"github.com/hopchain/txdispatch/notify"
	"github.com/hopchain/txdispatch/store"
	"github.com/hopchain/txdispatch/store/memstore"
	"github.com/hopchain/txdispatch/types"
	"github.com/hopchain/txdispatch/web3"
)

// Well-known development keys, the ones every local chain ships funded.
var testKeys = []string{
	"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
	"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
	"5de4111afa1a4b94908f83103eb1f1706367c2e68ca870fc3fb9a804cdab365a",
	"7c852118294e51e653712a81e05800f419141751be58f605c371e15141b007a6",
	"47e179ec197488593b187f80a00eb0da91f1b9d0b13f8733639f19c30a34926a",
}

var testPlayer = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type submission struct {
	from  common.Address
	nonce uint64
	id    uint64
}

// fakeChain is a strict in-memory chain: a submission must carry exactly the
// pending nonce of its sender, the way providers reject stale or premature
// nonces. Failures are injected per account or per intent.
type fakeChain struct {
	mtx         sync.Mutex
	nonces      map[common.Address]uint64
	submissions []submission
	attempts    map[uint64]int
	rejectFrom  map[common.Address]error
	simulateErr map[uint64]error
	submitSleep time.Duration
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		nonces:      make(map[common.Address]uint64),
		attempts:    make(map[uint64]int),
		rejectFrom:  make(map[common.Address]error),
		simulateErr: make(map[uint64]error),
	}
}

func (f *fakeChain) PendingNonce(_ context.Context, account common.Address) (uint64, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.nonces[account], nil
}

func (f *fakeChain) Simulate(_ context.Context, _ common.Address, in *types.Intent) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.simulateErr[in.ID]
}

func (f *fakeChain) Submit(_ context.Context, signer *web3.Signer, nonce uint64, in *types.Intent) (common.Hash, error) {
	if f.submitSleep > 0 {
		time.Sleep(f.submitSleep)
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	from := signer.Address()
	f.attempts[in.ID]++
	if err := f.rejectFrom[from]; err != nil {
		return common.Hash{}, err
	}
	want := f.nonces[from]
	if nonce < want {
		return common.Hash{}, fmt.Errorf("nonce too low: next nonce %d, tx nonce %d", want, nonce)
	}
	if nonce > want {
		return common.Hash{}, fmt.Errorf("nonce too high: next nonce %d, tx nonce %d", want, nonce)
	}
	var buf [16]byte
	for i, b := range []uint64{nonce, in.ID} {
		for j := 0; j < 8; j++ {
			buf[i*8+j] = byte(b >> (56 - 8*j))
		}
	}
	f.nonces[from] = nonce + 1
	f.submissions = append(f.submissions, submission{from: from, nonce: nonce, id: in.ID})
	return ethcrypto.Keccak256Hash(from.Bytes(), buf[:]), nil
}

func (f *fakeChain) setNonce(account common.Address, n uint64) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.nonces[account] = n
}

func (f *fakeChain) setRejectFrom(account common.Address, err error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if err == nil {
		delete(f.rejectFrom, account)
		return
	}
	f.rejectFrom[account] = err
}

func (f *fakeChain) setSimulateErr(id uint64, err error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.simulateErr[id] = err
}

func (f *fakeChain) submissionCount() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return len(f.submissions)
}

func (f *fakeChain) submissionsFor(account common.Address) int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	n := 0
	for _, s := range f.submissions {
		if s.from == account {
			n++
		}
	}
	return n
}

func (f *fakeChain) submissionsSnapshot() []submission {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	out := make([]submission, len(f.submissions))
	copy(out, f.submissions)
	return out
}

func (f *fakeChain) attemptsFor(id uint64) int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.attempts[id]
}

func testConfig() Config {
	return Config{
		ProcessInterval: 10 * time.Millisecond,
		Cooldown:        time.Millisecond,
		FaultThreshold:  5,
		ReloadBatch:     64,
	}
}

func newTestDispatcher(c *qt.C, nKeys int, chain Chain, st store.Store, notifier notify.Notifier) (*Dispatcher, *Pool) {
	pool, err := NewPool(testKeys[:nKeys])
	c.Assert(err, qt.IsNil)
	return New(st, chain, notifier, pool, testConfig()), pool
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(c *qt.C, timeout time.Duration, cond func() bool, msg string) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Fatalf("condition not reached within %s: %s", timeout, msg)
}

func intentStatus(c *qt.C, st store.Store, id uint64) types.Status {
	row, err := st.Get(context.Background(), id)
	c.Assert(err, qt.IsNil)
	return row.Status
}

func TestSubmitJumpHappyPath(t *testing.T) {
	c := qt.New(t)
	st := memstore.New()
	chain := newFakeChain()
	reg := notify.NewRegistry()
	defer reg.Close()
	d, _ := newTestDispatcher(c, 2, chain, st, reg)

	sub := reg.Subscribe(testPlayer, "G1")
	defer reg.Unsubscribe(sub.ID)

	c.Assert(d.Start(context.Background()), qt.IsNil)
	defer d.Stop() //nolint:errcheck

	id, err := d.SubmitJump(context.Background(), testPlayer, "G1", 1800, 42, time.Now().UnixMilli())
	c.Assert(err, qt.IsNil)

	waitUntil(c, 2*time.Second, func() bool {
		return intentStatus(c, st, id) == types.StatusSent
	}, "intent reaches sent")

	row, err := st.Get(context.Background(), id)
	c.Assert(err, qt.IsNil)
	c.Assert(row.Submitted(), qt.IsTrue)
	c.Assert(row.AccountIndex, qt.Not(qt.Equals), types.UnassignedAccount)
	c.Assert(chain.submissionCount(), qt.Equals, 1)

	select {
	case u := <-sub.C:
		c.Assert(u.ID, qt.Equals, id)
		c.Assert(u.Status, qt.Equals, types.StatusSent)
		c.Assert(u.Hash, qt.HasLen, common.HashLength)
		c.Assert(u.Player, qt.Equals, testPlayer)
		c.Assert(u.GameID, qt.Equals, "G1")
	case <-time.After(time.Second):
		c.Fatal("no sent update delivered")
	}
}

func TestNonceSequencePerAccount(t *testing.T) {
	c := qt.New(t)
	st := memstore.New()
	chain := newFakeChain()
	d, _ := newTestDispatcher(c, 1, chain, st, nil)

	c.Assert(d.Start(context.Background()), qt.IsNil)
	defer d.Stop() //nolint:errcheck

	const n = 10
	for i := 0; i < n; i++ {
		_, err := d.SubmitJump(context.Background(), testPlayer, "G1", uint64(i), uint64(i), time.Now().UnixMilli())
		c.Assert(err, qt.IsNil)
	}

	waitUntil(c, 3*time.Second, func() bool {
		return chain.submissionCount() == n
	}, "all intents submitted")

	// One account means one strictly ascending nonce sequence, no gaps and
	// no repeats.
	for i, s := range chain.submissionsSnapshot() {
		c.Assert(s.nonce, qt.Equals, uint64(i))
	}
}

func TestNonceResyncKeepsHead(t *testing.T) {
	c := qt.New(t)
	st := memstore.New()
	chain := newFakeChain()
	d, pool := newTestDispatcher(c, 1, chain, st, nil)

	// The account believes in nonce 5 while the chain moved on to 7, the
	// kind of desync a restarted provider leaves behind.
	account, ok := pool.Get(0)
	c.Assert(ok, qt.IsTrue)
	account.setNonce(5)
	chain.setNonce(account.Address(), 7)

	c.Assert(d.Start(context.Background()), qt.IsNil)
	defer d.Stop() //nolint:errcheck

	id, err := d.SubmitJump(context.Background(), testPlayer, "G1", 100, 1, time.Now().UnixMilli())
	c.Assert(err, qt.IsNil)

	waitUntil(c, 2*time.Second, func() bool {
		return intentStatus(c, st, id) == types.StatusSent
	}, "intent reaches sent after resync")

	// First attempt bounced on the stale nonce, the second carried the
	// chain's answer. The head was never dropped, so no retry burned.
	c.Assert(chain.attemptsFor(id), qt.Equals, 2)
	subs := chain.submissionsSnapshot()
	c.Assert(subs, qt.HasLen, 1)
	c.Assert(subs[0].nonce, qt.Equals, uint64(7))

	row, err := st.Get(context.Background(), id)
	c.Assert(err, qt.IsNil)
	c.Assert(row.Retries, qt.Equals, uint32(0))

	c.Assert(pool.Statuses()[0].NextNonce, qt.Equals, uint64(8))
}

func TestSimulationRejectionMarksFailed(t *testing.T) {
	c := qt.New(t)
	st := memstore.New()
	chain := newFakeChain()
	reg := notify.NewRegistry()
	defer reg.Close()
	d, _ := newTestDispatcher(c, 1, chain, st, reg)

	sub := reg.Subscribe(testPlayer, "")
	defer reg.Unsubscribe(sub.ID)

	// The first admitted intent gets id 1 on a fresh store.
	chain.setSimulateErr(1, fmt.Errorf("execution reverted: jump too high"))

	c.Assert(d.Start(context.Background()), qt.IsNil)
	defer d.Stop() //nolint:errcheck

	id, err := d.SubmitJump(context.Background(), testPlayer, "G1", 1<<40, 1, time.Now().UnixMilli())
	c.Assert(err, qt.IsNil)
	c.Assert(id, qt.Equals, uint64(1))

	waitUntil(c, 2*time.Second, func() bool {
		return intentStatus(c, st, id) == types.StatusFailed
	}, "rejected intent reaches failed")

	row, err := st.Get(context.Background(), id)
	c.Assert(err, qt.IsNil)
	c.Assert(row.Retries, qt.Equals, uint32(1))
	c.Assert(row.Hash, qt.HasLen, 0, qt.Commentf("rejected before submission, no hash"))
	c.Assert(chain.submissionCount(), qt.Equals, 0)

	select {
	case u := <-sub.C:
		c.Assert(u.Status, qt.Equals, types.StatusFailed)
	case <-time.After(time.Second):
		c.Fatal("no failed update delivered")
	}

	// The queue is not stuck behind the rejected head.
	id2, err := d.SubmitJump(context.Background(), testPlayer, "G1", 10, 2, time.Now().UnixMilli())
	c.Assert(err, qt.IsNil)
	waitUntil(c, 2*time.Second, func() bool {
		return intentStatus(c, st, id2) == types.StatusSent
	}, "next intent proceeds")
}

func TestQuarantineContainment(t *testing.T) {
	c := qt.New(t)
	st := memstore.New()
	chain := newFakeChain()
	d, pool := newTestDispatcher(c, 3, chain, st, nil)

	badAddr := pool.Accounts()[1].Address()
	chain.setRejectFrom(badAddr, fmt.Errorf("execution reverted: out of gas"))

	c.Assert(d.Start(context.Background()), qt.IsNil)
	defer d.Stop() //nolint:errcheck

	for i := 0; i < 30; i++ {
		_, err := d.SubmitJump(context.Background(), testPlayer, "G1", uint64(i), uint64(i), time.Now().UnixMilli())
		c.Assert(err, qt.IsNil)
	}

	waitUntil(c, 5*time.Second, func() bool {
		return pool.Statuses()[1].Quarantined
	}, "failing account quarantines")

	st1 := pool.Statuses()[1]
	c.Assert(st1.ConsecutiveErrors >= testConfig().FaultThreshold, qt.IsTrue)
	c.Assert(chain.submissionsFor(badAddr), qt.Equals, 0)

	// The healthy accounts keep the system productive.
	waitUntil(c, 5*time.Second, func() bool {
		statuses := pool.Statuses()
		return statuses[0].Processed > 0 && statuses[2].Processed > 0
	}, "healthy accounts keep processing")

	// New work routes around the quarantined account.
	before := chain.submissionCount()
	var fresh []uint64
	for i := 0; i < 6; i++ {
		id, err := d.SubmitJump(context.Background(), testPlayer, "G2", uint64(i), uint64(i), time.Now().UnixMilli())
		c.Assert(err, qt.IsNil)
		fresh = append(fresh, id)
	}
	waitUntil(c, 5*time.Second, func() bool {
		for _, id := range fresh {
			if intentStatus(c, st, id) != types.StatusSent {
				return false
			}
		}
		return true
	}, "fresh intents drain through healthy accounts")
	c.Assert(chain.submissionCount() >= before+6, qt.IsTrue)
	c.Assert(chain.submissionsFor(badAddr), qt.Equals, 0)

	// Reset brings the account back and it picks up new work.
	chain.setRejectFrom(badAddr, nil)
	c.Assert(d.ResetAccount(1), qt.IsNil)
	c.Assert(pool.Statuses()[1].Quarantined, qt.IsFalse)

	for i := 0; i < 12; i++ {
		_, err := d.SubmitJump(context.Background(), testPlayer, "G3", uint64(i), uint64(i), time.Now().UnixMilli())
		c.Assert(err, qt.IsNil)
	}
	waitUntil(c, 5*time.Second, func() bool {
		return chain.submissionsFor(badAddr) > 0
	}, "reset account participates again")
}

func TestAdmissionWithoutAccounts(t *testing.T) {
	c := qt.New(t)
	st := memstore.New()
	chain := newFakeChain()
	d, pool := newTestDispatcher(c, 1, chain, st, nil)

	// Quarantine the only account before anything runs.
	account, ok := pool.Get(0)
	c.Assert(ok, qt.IsTrue)
	for i := uint32(0); i < testConfig().FaultThreshold; i++ {
		account.recordError(testConfig().FaultThreshold)
	}
	c.Assert(account.Quarantined(), qt.IsTrue)

	c.Assert(d.Start(context.Background()), qt.IsNil)
	defer d.Stop() //nolint:errcheck

	// Admission persists the intent even though nothing can carry it.
	id, err := d.SubmitJump(context.Background(), testPlayer, "G1", 10, 1, time.Now().UnixMilli())
	c.Assert(err, qt.IsNil)

	time.Sleep(50 * time.Millisecond)
	c.Assert(intentStatus(c, st, id), qt.Equals, types.StatusPending)
	c.Assert(chain.submissionCount(), qt.Equals, 0)

	// Once the account returns, the reload pass picks the row up.
	c.Assert(d.ResetAccount(0), qt.IsNil)
	waitUntil(c, 2*time.Second, func() bool {
		return intentStatus(c, st, id) == types.StatusSent
	}, "deferred intent drains after reset")
}

func TestRestartDrainsPending(t *testing.T) {
	c := qt.New(t)
	st := memstore.New()
	chain := newFakeChain()

	// Rows persisted by a previous run, no admission in this one.
	var ids []uint64
	for i := 0; i < 3; i++ {
		id, err := st.Insert(context.Background(), &types.Intent{
			Player:     testPlayer,
			GameID:     "G1",
			Kind:       types.KindJump,
			Score:      uint64(i),
			Height:     uint64(i),
			ClientTsMs: time.Now().UnixMilli(),
		})
		c.Assert(err, qt.IsNil)
		ids = append(ids, id)
	}

	d, _ := newTestDispatcher(c, 2, chain, st, nil)
	c.Assert(d.Start(context.Background()), qt.IsNil)
	defer d.Stop() //nolint:errcheck

	waitUntil(c, 2*time.Second, func() bool {
		for _, id := range ids {
			if intentStatus(c, st, id) != types.StatusSent {
				return false
			}
		}
		return true
	}, "restart drains persisted pending rows")
	c.Assert(chain.submissionCount(), qt.Equals, len(ids))
}

func TestGracefulShutdown(t *testing.T) {
	c := qt.New(t)
	st := memstore.New()
	chain := newFakeChain()
	chain.submitSleep = 5 * time.Millisecond
	d, _ := newTestDispatcher(c, 2, chain, st, nil)

	c.Assert(d.Start(context.Background()), qt.IsNil)

	const n = 20
	for i := 0; i < n; i++ {
		_, err := d.SubmitJump(context.Background(), testPlayer, "G1", uint64(i), uint64(i), time.Now().UnixMilli())
		c.Assert(err, qt.IsNil)
	}

	waitUntil(c, 3*time.Second, func() bool {
		return chain.submissionCount() >= 5
	}, "some intents in flight before shutdown")

	c.Assert(d.Stop(), qt.IsNil)

	// Admission is closed and no further submissions happen.
	_, err := d.SubmitJump(context.Background(), testPlayer, "G1", 1, 1, time.Now().UnixMilli())
	c.Assert(err, qt.ErrorIs, ErrNotAccepting)
	settled := chain.submissionCount()
	time.Sleep(50 * time.Millisecond)
	c.Assert(chain.submissionCount(), qt.Equals, settled)

	// Every intent either completed or stayed pending, none were lost.
	for id := uint64(1); id <= n; id++ {
		status := intentStatus(c, st, id)
		c.Assert(status == types.StatusSent || status == types.StatusPending, qt.IsTrue,
			qt.Commentf("intent %d in %s", id, status))
	}

	// A fresh dispatcher over the same store drains the remainder, and no
	// intent is ever submitted twice.
	d2, _ := newTestDispatcher(c, 2, chain, st, nil)
	c.Assert(d2.Start(context.Background()), qt.IsNil)
	defer d2.Stop() //nolint:errcheck

	waitUntil(c, 5*time.Second, func() bool {
		count, err := st.CountPending(context.Background())
		return err == nil && count == 0
	}, "restart drains the backlog")
	c.Assert(chain.submissionCount(), qt.Equals, n)
}

// flakyStore fails MarkSent a fixed number of times before letting it
// through, simulating a store outage right after a successful submission.
type flakyStore struct {
	store.Store
	failSent atomic.Int32
}

func (f *flakyStore) MarkSent(ctx context.Context, id uint64, hash common.Hash, accountIndex uint32) error {
	if f.failSent.Add(-1) >= 0 {
		return store.ErrUnavailable
	}
	return f.Store.MarkSent(ctx, id, hash, accountIndex)
}

func TestSentMarkOutageNeverResubmits(t *testing.T) {
	c := qt.New(t)
	mem := memstore.New()
	flaky := &flakyStore{Store: mem}
	flaky.failSent.Store(3)
	chain := newFakeChain()
	d, _ := newTestDispatcher(c, 1, chain, flaky, nil)

	c.Assert(d.Start(context.Background()), qt.IsNil)
	defer d.Stop() //nolint:errcheck

	id, err := d.SubmitJump(context.Background(), testPlayer, "G1", 10, 1, time.Now().UnixMilli())
	c.Assert(err, qt.IsNil)

	waitUntil(c, 3*time.Second, func() bool {
		return intentStatus(c, mem, id) == types.StatusSent
	}, "sent mark lands once the store recovers")

	// The submission happened exactly once; only the mark was retried.
	c.Assert(chain.attemptsFor(id), qt.Equals, 1)
	c.Assert(chain.submissionCount(), qt.Equals, 1)
}

func TestSubmissionSpreadAcrossAccounts(t *testing.T) {
	c := qt.New(t)
	st := memstore.New()
	chain := newFakeChain()
	chain.submitSleep = 2 * time.Millisecond
	d, pool := newTestDispatcher(c, 4, chain, st, nil)

	c.Assert(d.Start(context.Background()), qt.IsNil)
	defer d.Stop() //nolint:errcheck

	const n = 60
	for i := 0; i < n; i++ {
		_, err := d.SubmitJump(context.Background(), testPlayer, "G1", uint64(i), uint64(i), time.Now().UnixMilli())
		c.Assert(err, qt.IsNil)
	}

	waitUntil(c, 10*time.Second, func() bool {
		return chain.submissionCount() == n
	}, "all intents submitted")

	// Least-loaded selection keeps the spread near uniform.
	lo, hi := uint64(n), uint64(0)
	var total uint64
	for _, status := range pool.Statuses() {
		total += status.Processed
		if status.Processed < lo {
			lo = status.Processed
		}
		if status.Processed > hi {
			hi = status.Processed
		}
	}
	c.Assert(total, qt.Equals, uint64(n))
	c.Assert(hi-lo <= n/10, qt.IsTrue,
		qt.Commentf("unbalanced spread: min %d max %d", lo, hi))
}

func TestAdmissionFailsWhenStoreDown(t *testing.T) {
	c := qt.New(t)
	st := memstore.New()
	chain := newFakeChain()
	d, _ := newTestDispatcher(c, 1, chain, st, nil)

	c.Assert(d.Start(context.Background()), qt.IsNil)
	defer d.Stop() //nolint:errcheck

	st.Close()
	_, err := d.SubmitJump(context.Background(), testPlayer, "G1", 10, 1, time.Now().UnixMilli())
	c.Assert(err, qt.ErrorIs, store.ErrUnavailable)
}

func TestSubmitKindsCarryFields(t *testing.T) {
	c := qt.New(t)
	st := memstore.New()
	chain := newFakeChain()
	d, _ := newTestDispatcher(c, 1, chain, st, nil)

	c.Assert(d.Start(context.Background()), qt.IsNil)
	defer d.Stop() //nolint:errcheck

	ctx := context.Background()
	jumpID, err := d.SubmitJump(ctx, testPlayer, "G1", 1800, 42, 1000)
	c.Assert(err, qt.IsNil)
	overID, err := d.SubmitGameOver(ctx, testPlayer, "G1", 4242, 2000)
	c.Assert(err, qt.IsNil)
	nameID, err := d.SubmitSetPlayer(ctx, testPlayer, "alice", 3000)
	c.Assert(err, qt.IsNil)

	row, err := st.Get(ctx, jumpID)
	c.Assert(err, qt.IsNil)
	c.Assert(row.Kind, qt.Equals, types.KindJump)
	c.Assert(row.Height, qt.Equals, uint64(1800))
	c.Assert(row.Score, qt.Equals, uint64(42))

	row, err = st.Get(ctx, overID)
	c.Assert(err, qt.IsNil)
	c.Assert(row.Kind, qt.Equals, types.KindGameOver)
	c.Assert(row.Score, qt.Equals, uint64(4242))

	row, err = st.Get(ctx, nameID)
	c.Assert(err, qt.IsNil)
	c.Assert(row.Kind, qt.Equals, types.KindSetPlayer)
	c.Assert(row.Username, qt.Equals, "alice")
	c.Assert(row.GameID, qt.Equals, "")
}
