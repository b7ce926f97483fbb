package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hopchain/txdispatch/log"
	"github.com/hopchain/txdispatch/notify"
	"github.com/hopchain/txdispatch/store"
	"github.com/hopchain/txdispatch/types"
)

// Defaults for the recovery loop.
const (
	DefaultRecoveryInterval = 5 * time.Minute
	DefaultRecoveryBatch    = 5
	DefaultMaxRetries       = 5
	DefaultAgeLimit         = 48 * time.Hour
)

// RecoveryConfig tunes the recovery dispatcher. Zero values take the
// defaults.
type RecoveryConfig struct {
	Interval       time.Duration // cadence between passes
	Batch          int           // rows claimed per pass
	MaxRetries     uint32        // retry budget per intent
	AgeLimit       time.Duration // intents older than this are abandoned
	FaultThreshold uint32        // consecutive errors before quarantine
}

// DefaultRecoveryConfig returns the production defaults.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		Interval:       DefaultRecoveryInterval,
		Batch:          DefaultRecoveryBatch,
		MaxRetries:     DefaultMaxRetries,
		AgeLimit:       DefaultAgeLimit,
		FaultThreshold: DefaultFaultThreshold,
	}
}

func (c RecoveryConfig) withDefaults() RecoveryConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultRecoveryInterval
	}
	if c.Batch <= 0 {
		c.Batch = DefaultRecoveryBatch
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.AgeLimit <= 0 {
		c.AgeLimit = DefaultAgeLimit
	}
	if c.FaultThreshold == 0 {
		c.FaultThreshold = DefaultFaultThreshold
	}
	return c
}

// Recovery re-drives failed intents through its own pool of signing
// accounts. Keeping that pool disjoint from the live one means a recovery
// submission can never collide with a live sender's nonce sequence.
type Recovery struct {
	store    store.Store
	chain    Chain
	notifier notify.Notifier
	pool     *Pool
	cfg      RecoveryConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecovery wires a recovery dispatcher over the shared store and chain
// adapter. A nil notifier discards updates.
func NewRecovery(st store.Store, chain Chain, notifier notify.Notifier, pool *Pool, cfg RecoveryConfig) *Recovery {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Recovery{
		store:    st,
		chain:    chain,
		notifier: notifier,
		pool:     pool,
		cfg:      cfg.withDefaults(),
	}
}

// Start launches the recovery loop.
func (r *Recovery) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("context cannot be nil")
	}
	if r.ctx != nil {
		return fmt.Errorf("recovery already started")
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.run()
	log.Infow("recovery dispatcher started",
		"interval", r.cfg.Interval.String(),
		"batch", r.cfg.Batch,
		"maxRetries", r.cfg.MaxRetries,
		"ageLimit", r.cfg.AgeLimit.String(),
		"accounts", r.pool.Size())
	return nil
}

// Stop winds the recovery loop down, letting an in-flight pass finish its
// current row. Safe to call more than once.
func (r *Recovery) Stop() error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	r.wg.Wait()
	log.Infow("recovery dispatcher stopped")
	return nil
}

func (r *Recovery) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.runPass()
		}
	}
}

// runPass claims one batch of failed intents and retries each on a recovery
// account. The skip-locked batch read keeps concurrent processes off the
// same rows, everything after that is plain sequential work.
func (r *Recovery) runPass() {
	ctx := context.Background()
	cutoff := time.Now().Add(-r.cfg.AgeLimit).UnixMilli()
	batch, err := r.store.NextRecoveryBatch(ctx, r.cfg.Batch, r.cfg.MaxRetries, cutoff)
	if err != nil {
		log.Warnw("recovery batch fetch failed", "error", err)
		return
	}
	if len(batch) == 0 {
		return
	}
	log.Infow("recovery pass started", "batch", len(batch))
	for _, in := range batch {
		if r.ctx != nil && r.ctx.Err() != nil {
			return
		}
		r.retry(ctx, in)
	}
}

// retry pushes one failed intent through the full submission path on a
// recovery account. Success moves the row to sent; any failure burns one
// retry and leaves the row failed for the next pass.
func (r *Recovery) retry(ctx context.Context, in *types.Intent) {
	account, err := r.pool.Select()
	if err != nil {
		log.Warnw("no recovery account available", "id", in.ID, "error", err)
		return
	}
	if !account.beginSend() {
		return
	}
	defer account.endSend()

	// A fresh pending nonce every attempt: the account idles between
	// passes and the chain view wins on any disagreement.
	nonce, err := r.chain.PendingNonce(ctx, account.Address())
	if err != nil {
		log.Warnw("recovery nonce fetch failed",
			"account", account.Index, "error", err)
		r.fail(ctx, account, in)
		return
	}
	account.setNonce(nonce)

	if err := r.chain.Simulate(ctx, account.Address(), in); err != nil {
		log.Warnw("recovery simulation failed", "id", in.ID, "error", err)
		r.fail(ctx, account, in)
		return
	}

	hash, err := r.chain.Submit(ctx, account.Signer, nonce, in)
	if err != nil && !isAlreadyKnown(err) {
		log.Warnw("recovery submission failed",
			"id", in.ID, "account", account.Index, "error", err)
		r.fail(ctx, account, in)
		return
	}
	if err := r.store.MarkSent(ctx, in.ID, hash, account.Index); err != nil {
		// The transaction is on its way regardless. Leave the row alone,
		// the confirmation or a later pass settles it.
		log.Warnw("recovery sent mark failed",
			"id", in.ID, "hash", hash.Hex(), "error", err)
		return
	}
	account.bumpNonce()
	account.recordSuccess(hash)

	in.Status = types.StatusSent
	in.Hash = hash.Bytes()
	in.AccountIndex = int32(account.Index)
	r.notifier.Notify(in.UpdateFor(0))
	log.Infow("intent recovered",
		"id", in.ID,
		"kind", in.Kind.String(),
		"account", account.Index,
		"hash", hash.Hex(),
		"retries", in.Retries)
}

// fail burns one retry without changing the row's state and advances the
// account's failure streak.
func (r *Recovery) fail(ctx context.Context, account *Account, in *types.Intent) {
	if err := r.store.BumpRetries(ctx, in.ID); err != nil {
		log.Warnw("retry bump failed", "id", in.ID, "error", err)
	}
	if account.recordError(r.cfg.FaultThreshold) {
		log.Warnw("recovery account quarantined",
			"index", account.Index,
			"address", account.Address().Hex(),
			"consecutiveErrors", r.cfg.FaultThreshold)
	}
}

// ResetAccount returns a quarantined recovery account to rotation.
func (r *Recovery) ResetAccount(index uint32) error {
	_, err := r.pool.Reset(index)
	if err != nil {
		return err
	}
	log.Infow("recovery account reset", "index", index)
	return nil
}

// AccountStatuses snapshots the recovery pool in index order.
func (r *Recovery) AccountStatuses() []types.AccountStatus {
	return r.pool.Statuses()
}
