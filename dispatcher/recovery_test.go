package dispatcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/hopchain/txdispatch/notify"
	"github.com/hopchain/txdispatch/store/memstore"
	"github.com/hopchain/txdispatch/types"
)

func testRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		Interval:       time.Hour, // passes run by hand in tests
		Batch:          5,
		MaxRetries:     5,
		AgeLimit:       48 * time.Hour,
		FaultThreshold: 5,
	}
}

// failedIntent inserts a row and drives it to failed with one burned retry.
func failedIntent(c *qt.C, st *memstore.Store, age time.Duration) uint64 {
	id, err := st.Insert(context.Background(), &types.Intent{
		Player:     testPlayer,
		GameID:     "G1",
		Kind:       types.KindJump,
		Score:      1,
		Height:     1,
		ClientTsMs: time.Now().Add(-age).UnixMilli(),
	})
	c.Assert(err, qt.IsNil)
	c.Assert(st.MarkFailed(context.Background(), id), qt.IsNil)
	return id
}

func TestRecoveryPassRetriesEligibleRows(t *testing.T) {
	c := qt.New(t)
	st := memstore.New()
	chain := newFakeChain()

	young := failedIntent(c, st, 10*time.Minute)
	middle := failedIntent(c, st, time.Hour)
	old := failedIntent(c, st, 47*time.Hour)
	ancient := failedIntent(c, st, 49*time.Hour)
	exhausted := failedIntent(c, st, time.Hour)
	for i := 0; i < 4; i++ {
		c.Assert(st.BumpRetries(context.Background(), exhausted), qt.IsNil)
	}

	pool, err := NewPool(testKeys[4:5])
	c.Assert(err, qt.IsNil)
	r := NewRecovery(st, chain, nil, pool, testRecoveryConfig())

	r.runPass()

	for _, id := range []uint64{young, middle, old} {
		row, err := st.Get(context.Background(), id)
		c.Assert(err, qt.IsNil)
		c.Assert(row.Status, qt.Equals, types.StatusSent, qt.Commentf("intent %d", id))
		c.Assert(row.Submitted(), qt.IsTrue)
	}
	c.Assert(chain.submissionCount(), qt.Equals, 3)

	// Beyond the age limit: left alone.
	row, err := st.Get(context.Background(), ancient)
	c.Assert(err, qt.IsNil)
	c.Assert(row.Status, qt.Equals, types.StatusFailed)
	c.Assert(row.Retries, qt.Equals, uint32(1))

	// Retry budget exhausted: left alone.
	row, err = st.Get(context.Background(), exhausted)
	c.Assert(err, qt.IsNil)
	c.Assert(row.Status, qt.Equals, types.StatusFailed)

	// Re-running the pass is a no-op: the rescued rows are sent now.
	r.runPass()
	c.Assert(chain.submissionCount(), qt.Equals, 3)
}

func TestRecoveryUsesChainNonce(t *testing.T) {
	c := qt.New(t)
	st := memstore.New()
	chain := newFakeChain()

	failedIntent(c, st, time.Minute)

	pool, err := NewPool(testKeys[4:5])
	c.Assert(err, qt.IsNil)
	// The recovery account has on-chain history the process never saw.
	chain.setNonce(pool.Accounts()[0].Address(), 42)

	r := NewRecovery(st, chain, nil, pool, testRecoveryConfig())
	r.runPass()

	subs := chain.submissionsSnapshot()
	c.Assert(subs, qt.HasLen, 1)
	c.Assert(subs[0].nonce, qt.Equals, uint64(42))
}

func TestRecoveryFailureBumpsRetries(t *testing.T) {
	c := qt.New(t)
	st := memstore.New()
	chain := newFakeChain()

	id := failedIntent(c, st, time.Minute)

	pool, err := NewPool(testKeys[4:5])
	c.Assert(err, qt.IsNil)
	addr := pool.Accounts()[0].Address()
	chain.setRejectFrom(addr, fmt.Errorf("execution reverted: still broken"))

	// A roomy retry budget keeps the row eligible while the account's
	// failure streak builds up.
	cfg := testRecoveryConfig()
	cfg.MaxRetries = 10
	r := NewRecovery(st, chain, nil, pool, cfg)
	r.runPass()

	row, err := st.Get(context.Background(), id)
	c.Assert(err, qt.IsNil)
	c.Assert(row.Status, qt.Equals, types.StatusFailed, qt.Commentf("state unchanged on failure"))
	c.Assert(row.Retries, qt.Equals, uint32(2))
	c.Assert(chain.submissionCount(), qt.Equals, 0)

	// Enough failing passes quarantine the recovery account too.
	for i := 0; i < 4; i++ {
		r.runPass()
	}
	c.Assert(pool.Statuses()[0].Quarantined, qt.IsTrue)

	// Passes with no account available leave the rows untouched.
	row, err = st.Get(context.Background(), id)
	c.Assert(err, qt.IsNil)
	retriesBefore := row.Retries
	r.runPass()
	row, err = st.Get(context.Background(), id)
	c.Assert(err, qt.IsNil)
	c.Assert(row.Retries, qt.Equals, retriesBefore)

	// Reset restores the pool.
	chain.setRejectFrom(addr, nil)
	c.Assert(r.ResetAccount(0), qt.IsNil)
	c.Assert(pool.Statuses()[0].Quarantined, qt.IsFalse)
	r.runPass()
	row, err = st.Get(context.Background(), id)
	c.Assert(err, qt.IsNil)
	c.Assert(row.Status, qt.Equals, types.StatusSent)
}

func TestRecoveryEmitsSentUpdate(t *testing.T) {
	c := qt.New(t)
	st := memstore.New()
	chain := newFakeChain()
	reg := notify.NewRegistry()
	defer reg.Close()

	id := failedIntent(c, st, time.Minute)
	sub := reg.Subscribe(testPlayer, "")
	defer reg.Unsubscribe(sub.ID)

	pool, err := NewPool(testKeys[4:5])
	c.Assert(err, qt.IsNil)
	r := NewRecovery(st, chain, reg, pool, testRecoveryConfig())
	r.runPass()

	select {
	case u := <-sub.C:
		c.Assert(u.ID, qt.Equals, id)
		c.Assert(u.Status, qt.Equals, types.StatusSent)
		c.Assert(u.Hash, qt.HasLen, 32)
	case <-time.After(time.Second):
		c.Fatal("no recovery update delivered")
	}
}

func TestRecoveryStartStop(t *testing.T) {
	c := qt.New(t)
	st := memstore.New()
	chain := newFakeChain()

	id := failedIntent(c, st, time.Minute)

	pool, err := NewPool(testKeys[4:5])
	c.Assert(err, qt.IsNil)
	cfg := testRecoveryConfig()
	cfg.Interval = 10 * time.Millisecond
	r := NewRecovery(st, chain, nil, pool, cfg)

	c.Assert(r.Start(context.Background()), qt.IsNil)
	waitUntil(c, 2*time.Second, func() bool {
		return intentStatus(c, st, id) == types.StatusSent
	}, "recovery loop rescues the row")
	c.Assert(r.Stop(), qt.IsNil)
	c.Assert(r.Stop(), qt.IsNil, qt.Commentf("stop is idempotent"))
}
