package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hopchain/txdispatch/log"
	"github.com/hopchain/txdispatch/store"
	"github.com/hopchain/txdispatch/types"
)

// runSender is the account's submission loop. It wakes on the shared tick
// and on enqueue, then drains the FIFO head by head. All nonce state lives
// here: nothing else writes it while the loop runs.
func (d *Dispatcher) runSender(a *Account) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-a.wake:
			d.drainAccount(a)
		}
	}
}

// drainAccount processes queued intents until the queue empties, the head
// has to wait for the next tick, or shutdown begins. An in-flight
// submission always runs to completion; only the decision to start another
// one observes the shutdown signal.
func (d *Dispatcher) drainAccount(a *Account) {
	for {
		if d.ctx.Err() != nil {
			return
		}
		if !a.beginSend() {
			return
		}
		worked := d.processHead(a)
		if worked {
			d.pace()
		}
		a.endSend()
		if !worked {
			return
		}
	}
}

// pace sleeps the submission cooldown, shutdown aware.
func (d *Dispatcher) pace() {
	t := time.NewTimer(d.cfg.Cooldown)
	defer t.Stop()
	select {
	case <-d.ctx.Done():
	case <-t.C:
	}
}

// processHead submits the oldest queued intent. The return value reports
// whether the loop should keep draining: false means the queue is empty or
// the head must wait for the next tick.
//
// Submission errors split three ways. A nonce mismatch keeps the head,
// resyncs the nonce from the chain and retries on the next tick. A peer
// that already holds the transaction counts as success. Everything else,
// reverts and exhausted transports alike, marks the intent failed and hands
// it to the recovery path.
func (d *Dispatcher) processHead(a *Account) bool {
	// A submission whose sent mark never landed blocks the queue until the
	// mark goes through. Resubmitting it would double-spend the intent.
	if um := a.unmarkedSent(); um != nil {
		return d.finishSent(a, um.in, um.hash)
	}

	in := a.peek()
	if in == nil {
		return false
	}
	ctx := context.Background()

	nonce, seeded := a.nonce()
	if !seeded {
		n, err := d.chain.PendingNonce(ctx, a.Address())
		if err != nil {
			log.Warnw("nonce seed failed", "account", a.Index, "error", err)
			d.accountError(a)
			return false
		}
		a.setNonce(n)
		nonce = n
	}

	if err := d.chain.Simulate(ctx, a.Address(), in); err != nil {
		log.Warnw("simulation rejected intent",
			"id", in.ID,
			"kind", in.Kind.String(),
			"account", a.Index,
			"error", err)
		return d.rejectHead(a, in)
	}

	hash, err := d.chain.Submit(ctx, a.Signer, nonce, in)
	switch {
	case err == nil:
	case isAlreadyKnown(err):
		// The pool holds this exact transaction already: an earlier send
		// reported failure after the peer accepted it. Its hash stands.
		log.Debugw("transaction already known", "id", in.ID, "hash", hash.Hex())
	case isNonceMismatch(err):
		pending, nerr := d.chain.PendingNonce(ctx, a.Address())
		if nerr != nil {
			log.Warnw("nonce resync failed", "account", a.Index, "error", nerr)
			d.accountError(a)
			return false
		}
		a.setNonce(pending)
		log.Warnw("nonce resynced from chain",
			"account", a.Index, "was", nonce, "now", pending)
		return false
	default:
		log.Warnw("submission rejected",
			"id", in.ID,
			"kind", in.Kind.String(),
			"account", a.Index,
			"error", err)
		return d.rejectHead(a, in)
	}

	a.bumpNonce()
	return d.finishSent(a, in, hash)
}

// finishSent records the submission in the store, pops the head and emits
// the sent update. When the store is unreachable the hash is parked so the
// next pass retries the mark alone.
func (d *Dispatcher) finishSent(a *Account, in *types.Intent, hash common.Hash) bool {
	if err := d.store.MarkSent(context.Background(), in.ID, hash, a.Index); err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			log.Warnw("sent mark deferred, store unavailable",
				"id", in.ID, "hash", hash.Hex())
			a.parkSent(in, hash)
			return false
		}
		// Transition refused: another component moved the row first. The
		// submission stands, drop the head and move on.
		log.Warnw("sent mark refused", "id", in.ID, "error", err)
	}
	a.clearParked()
	a.pop()
	d.untrack(in.ID)
	a.recordSuccess(hash)

	in.Status = types.StatusSent
	in.Hash = hash.Bytes()
	in.AccountIndex = int32(a.Index)
	d.notifier.Notify(in.UpdateFor(0))
	log.Infow("intent submitted",
		"id", in.ID,
		"kind", in.Kind.String(),
		"account", a.Index,
		"hash", hash.Hex())
	return true
}

// rejectHead marks the head failed, pops it and advances the failure
// streak. When the store is unreachable the head stays put so the marking
// is retried before anything else happens on this account.
func (d *Dispatcher) rejectHead(a *Account, in *types.Intent) bool {
	if err := d.store.MarkFailed(context.Background(), in.ID); err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			log.Warnw("failed mark deferred, store unavailable", "id", in.ID)
			return false
		}
		log.Warnw("failed mark refused", "id", in.ID, "error", err)
	}
	a.pop()
	d.untrack(in.ID)
	d.accountError(a)

	in.Status = types.StatusFailed
	in.Retries++
	d.notifier.Notify(in.UpdateFor(0))
	return true
}

// accountError advances the account's failure streak, quarantining it at
// the configured threshold.
func (d *Dispatcher) accountError(a *Account) {
	if a.recordError(d.cfg.FaultThreshold) {
		log.Warnw("account quarantined",
			"index", a.Index,
			"address", a.Address().Hex(),
			"consecutiveErrors", d.cfg.FaultThreshold)
	}
}
