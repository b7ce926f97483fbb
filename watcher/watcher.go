// Package watcher advances sent intents to their terminal states. It polls
// the chain for new blocks, matches submission hashes against receipts and
// finalizes each row as confirmed or failed. It never submits anything; a
// transaction the chain dropped stays sent until housekeeping hands it to
// recovery.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hopchain/txdispatch/log"
	"github.com/hopchain/txdispatch/notify"
	"github.com/hopchain/txdispatch/store"
	"github.com/hopchain/txdispatch/types"
)

// Chain is the read-only view the watcher needs. Note the absence of a
// submit method; confirmation can only observe.
type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	Receipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Defaults for the confirmation loop.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultPage         = 100
	DefaultFetchers     = 8

	// seenCacheSize bounds the finalized-hash cache. At the default page
	// size this covers dozens of passes worth of rows.
	seenCacheSize = 4096
)

// Config tunes the confirmation watcher. Zero values take the defaults.
type Config struct {
	PollInterval time.Duration // cadence of the new-block poll
	Page         int           // sent rows examined per pass
	Fetchers     int           // concurrent receipt lookups within a pass
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: DefaultPollInterval,
		Page:         DefaultPage,
		Fetchers:     DefaultFetchers,
	}
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Page <= 0 {
		c.Page = DefaultPage
	}
	if c.Fetchers <= 0 {
		c.Fetchers = DefaultFetchers
	}
	return c
}

// Watcher finalizes sent intents against chain receipts.
type Watcher struct {
	store    store.Store
	chain    Chain
	notifier notify.Notifier
	cfg      Config

	// seen holds hashes already finalized, so a page served from a stale
	// read does not refetch their receipts. Entries are added only after
	// the store accepted the terminal mark.
	seen *lru.Cache[common.Hash, uint64]

	lastBlock atomic.Uint64
	confirmed atomic.Uint64
	reverted  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a confirmation watcher over the shared store and chain view. A
// nil notifier discards updates.
func New(st store.Store, chain Chain, notifier notify.Notifier, cfg Config) *Watcher {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	seen, err := lru.New[common.Hash, uint64](seenCacheSize)
	if err != nil {
		log.Fatalf("failed to create seen-hash cache: %v", err)
	}
	return &Watcher{
		store:    st,
		chain:    chain,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		seen:     seen,
	}
}

// Start launches the block poll loop.
func (w *Watcher) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("context cannot be nil")
	}
	if w.ctx != nil {
		return fmt.Errorf("watcher already started")
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run()
	log.Infow("confirmation watcher started",
		"pollInterval", w.cfg.PollInterval.String(),
		"page", w.cfg.Page)
	return nil
}

// Stop winds the watcher down, letting an in-flight row finish. Safe to
// call more than once.
func (w *Watcher) Stop() error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	w.wg.Wait()
	log.Infow("confirmation watcher stopped")
	return nil
}

// LastBlock returns the highest block the watcher has observed.
func (w *Watcher) LastBlock() uint64 {
	return w.lastBlock.Load()
}

// Confirmed returns the number of intents finalized as confirmed.
func (w *Watcher) Confirmed() uint64 {
	return w.confirmed.Load()
}

// Reverted returns the number of intents finalized as failed from their
// receipts.
func (w *Watcher) Reverted() uint64 {
	return w.reverted.Load()
}

func (w *Watcher) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

// poll checks the chain head and runs a confirmation pass when it moved.
// Between blocks no receipt can have appeared, so there is nothing to do.
func (w *Watcher) poll() {
	ctx := context.Background()
	block, err := w.chain.BlockNumber(ctx)
	if err != nil {
		log.Warnw("block poll failed", "error", err)
		return
	}
	if block <= w.lastBlock.Load() {
		return
	}
	w.lastBlock.Store(block)
	w.runPass(ctx, block)
}

// runPass examines one page of sent rows against the chain at the given
// block height. Receipt lookups fan out across a bounded group; marks are
// idempotent, so a pass cut short by shutdown or a store outage leaves
// rows for the next one.
func (w *Watcher) runPass(ctx context.Context, block uint64) {
	rows, err := w.store.ListSent(ctx, w.cfg.Page)
	if err != nil {
		log.Warnw("sent page read failed", "error", err)
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Fetchers)
	for _, in := range rows {
		if w.ctx != nil && w.ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return w.checkRow(gctx, in, block)
		})
	}
	if err := g.Wait(); err != nil {
		log.Warnw("confirmation pass aborted", "error", err)
	}
}

// checkRow resolves one sent row. Absent receipts are skipped; the next
// block poll looks again. An unavailable store aborts the whole pass,
// since every remaining mark would be refused the same way.
func (w *Watcher) checkRow(ctx context.Context, in *types.Intent, block uint64) error {
	if ctx.Err() != nil {
		return nil
	}
	if !in.Submitted() {
		log.Warnw("sent row without hash, leaving for housekeeping", "id", in.ID)
		return nil
	}
	hash := in.TxHash()
	if doneBlock, ok := w.seen.Get(hash); ok {
		log.Debugw("row already finalized, skipping receipt fetch",
			"id", in.ID, "hash", hash.Hex(), "block", doneBlock)
		return nil
	}

	receipt, err := w.chain.Receipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil
		}
		log.Warnw("receipt fetch failed",
			"id", in.ID, "hash", hash.Hex(), "error", err)
		return nil
	}

	target := types.StatusConfirmed
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		target = types.StatusFailed
	}
	minedAt := block
	if receipt.BlockNumber != nil {
		minedAt = receipt.BlockNumber.Uint64()
	}

	if err := w.store.MarkConfirmed(ctx, in.ID, target); err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			return fmt.Errorf("confirm mark for intent %d: %w", in.ID, err)
		}
		// Another actor moved the row first. The row is already terminal,
		// so there is nothing left to do here.
		log.Warnw("confirm mark refused",
			"id", in.ID, "target", target.String(), "error", err)
		return nil
	}
	w.seen.Add(hash, minedAt)

	in.Status = target
	if target == types.StatusConfirmed {
		w.confirmed.Add(1)
		w.recordSideEffects(ctx, in, minedAt)
	} else {
		w.reverted.Add(1)
	}
	w.notifier.Notify(in.UpdateFor(minedAt))
	log.Infow("intent finalized",
		"id", in.ID,
		"kind", in.Kind.String(),
		"status", target.String(),
		"hash", hash.Hex(),
		"block", minedAt)
	return nil
}

// recordSideEffects writes the confirmed row to the game events log and,
// for game-over intents, the leaderboard. Neither write is load-bearing;
// refusals are logged and the queue moves on.
func (w *Watcher) recordSideEffects(ctx context.Context, in *types.Intent, block uint64) {
	if err := w.store.AppendGameEvent(ctx, in, block); err != nil {
		log.Warnw("game event append failed", "id", in.ID, "error", err)
	}
	if in.Kind == types.KindGameOver {
		if err := w.store.UpsertLeaderboard(ctx, in.Player, in.Username, in.Score); err != nil {
			log.Warnw("leaderboard upsert failed",
				"id", in.ID, "player", in.Player.Hex(), "error", err)
		}
	}
}
