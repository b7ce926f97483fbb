// Package dispatcher accepts game intents and drives them onto the chain
// through a pool of funded signing accounts. Every account runs its own
// sender loop, so submissions on one account are strictly ordered while the
// accounts advance independently. The queue store is the system of record:
// nothing here survives a restart except through it.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hopchain/txdispatch/log"
	"github.com/hopchain/txdispatch/notify"
	"github.com/hopchain/txdispatch/store"
	"github.com/hopchain/txdispatch/types"
	"github.com/hopchain/txdispatch/web3"
)

// Chain is the contract surface the dispatcher needs. *web3.Recorder
// implements it against real endpoints and *web3.DryRun in dev mode.
type Chain interface {
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	Simulate(ctx context.Context, from common.Address, in *types.Intent) error
	Submit(ctx context.Context, signer *web3.Signer, nonce uint64, in *types.Intent) (common.Hash, error)
}

// Defaults for the dispatcher loops.
const (
	DefaultProcessInterval = 200 * time.Millisecond
	DefaultCooldown        = 100 * time.Millisecond
	DefaultFaultThreshold  = 5

	defaultReloadBatch = 256
)

// Config tunes the dispatcher. Zero values take the defaults.
type Config struct {
	ProcessInterval time.Duration // shared tick waking every sender
	Cooldown        time.Duration // pause after each submission
	FaultThreshold  uint32        // consecutive errors before quarantine
	ReloadBatch     int           // pending rows fetched per reload pass
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ProcessInterval: DefaultProcessInterval,
		Cooldown:        DefaultCooldown,
		FaultThreshold:  DefaultFaultThreshold,
		ReloadBatch:     defaultReloadBatch,
	}
}

func (c Config) withDefaults() Config {
	if c.ProcessInterval <= 0 {
		c.ProcessInterval = DefaultProcessInterval
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.FaultThreshold == 0 {
		c.FaultThreshold = DefaultFaultThreshold
	}
	if c.ReloadBatch <= 0 {
		c.ReloadBatch = defaultReloadBatch
	}
	return c
}

// Dispatcher owns the live account pool and the admission path.
type Dispatcher struct {
	store    store.Store
	chain    Chain
	notifier notify.Notifier
	pool     *Pool
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	accepting atomic.Bool
	reload    atomic.Bool

	inFlightMtx sync.Mutex
	inFlight    map[uint64]struct{}
}

// New wires a dispatcher over its store, chain adapter and account pool. A
// nil notifier discards updates.
func New(st store.Store, chain Chain, notifier notify.Notifier, pool *Pool, cfg Config) *Dispatcher {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Dispatcher{
		store:    st,
		chain:    chain,
		notifier: notifier,
		pool:     pool,
		cfg:      cfg.withDefaults(),
		inFlight: make(map[uint64]struct{}),
	}
}

// Start launches one sender loop per account plus the shared tick, then
// opens admission. Pending rows persisted by a previous run are reloaded on
// the first tick.
func (d *Dispatcher) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("context cannot be nil")
	}
	if d.ctx != nil {
		return fmt.Errorf("dispatcher already started")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.reload.Store(true)

	for _, a := range d.pool.Accounts() {
		d.wg.Add(1)
		go d.runSender(a)
	}
	d.wg.Add(1)
	go d.runTicker()

	d.accepting.Store(true)
	log.Infow("dispatcher started",
		"accounts", d.pool.Size(),
		"processInterval", d.cfg.ProcessInterval.String(),
		"cooldown", d.cfg.Cooldown.String(),
		"faultThreshold", d.cfg.FaultThreshold)
	return nil
}

// Stop drains the dispatcher: admission closes first, then the loops wind
// down once in-flight submissions finish. Safe to call more than once.
func (d *Dispatcher) Stop() error {
	if d.cancel == nil {
		return nil
	}
	d.accepting.Store(false)
	d.cancel()
	d.wg.Wait()
	log.Infow("dispatcher stopped")
	return nil
}

// runTicker is the single shared timer. Each tick reloads deferred pending
// rows when needed and wakes every sender.
func (d *Dispatcher) runTicker() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.ProcessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if d.reload.CompareAndSwap(true, false) {
				d.reloadPending()
			}
			for _, a := range d.pool.Accounts() {
				a.Wake()
			}
		}
	}
}

// reloadPending queues pending store rows that no account holds in memory:
// leftovers from a previous run, or rows admitted while every account was
// quarantined.
func (d *Dispatcher) reloadPending() {
	rows, err := d.store.ListPending(d.ctx, d.cfg.ReloadBatch)
	if err != nil {
		log.Warnw("pending reload failed", "error", err)
		d.reload.Store(true)
		return
	}
	requeued := 0
	for _, in := range rows {
		if !d.track(in.ID) {
			continue
		}
		if err := d.schedule(in); err != nil {
			d.untrack(in.ID)
			d.reload.Store(true)
			break
		}
		requeued++
	}
	if requeued > 0 {
		log.Infow("pending intents requeued", "count", requeued)
	}
	if len(rows) == d.cfg.ReloadBatch {
		d.reload.Store(true)
	}
}

// track claims an intent id for in-memory queueing. Returns false when some
// account already holds it.
func (d *Dispatcher) track(id uint64) bool {
	d.inFlightMtx.Lock()
	defer d.inFlightMtx.Unlock()
	if _, ok := d.inFlight[id]; ok {
		return false
	}
	d.inFlight[id] = struct{}{}
	return true
}

func (d *Dispatcher) untrack(id uint64) {
	d.inFlightMtx.Lock()
	delete(d.inFlight, id)
	d.inFlightMtx.Unlock()
}

// schedule places the intent on the best account's queue and wakes its
// sender.
func (d *Dispatcher) schedule(in *types.Intent) error {
	account, err := d.pool.Select()
	if err != nil {
		return err
	}
	queueLen := account.Enqueue(in)
	account.Wake()
	log.Debugw("intent queued",
		"id", in.ID,
		"kind", in.Kind.String(),
		"account", account.Index,
		"queue", queueLen)
	return nil
}

// SubmitJump persists a jump intent and queues it for submission.
func (d *Dispatcher) SubmitJump(ctx context.Context, player common.Address, gameID string, height, score uint64, clientTs int64) (uint64, error) {
	return d.admit(ctx, &types.Intent{
		Player:     player,
		GameID:     gameID,
		Kind:       types.KindJump,
		Height:     height,
		Score:      score,
		ClientTsMs: clientTs,
	})
}

// SubmitGameOver persists a game-over intent and queues it for submission.
func (d *Dispatcher) SubmitGameOver(ctx context.Context, player common.Address, gameID string, finalScore uint64, clientTs int64) (uint64, error) {
	return d.admit(ctx, &types.Intent{
		Player:     player,
		GameID:     gameID,
		Kind:       types.KindGameOver,
		Score:      finalScore,
		ClientTsMs: clientTs,
	})
}

// SubmitSetPlayer persists a set-player intent and queues it for submission.
func (d *Dispatcher) SubmitSetPlayer(ctx context.Context, player common.Address, username string, clientTs int64) (uint64, error) {
	return d.admit(ctx, &types.Intent{
		Player:     player,
		Kind:       types.KindSetPlayer,
		Username:   username,
		ClientTsMs: clientTs,
	})
}

// admit is the admission path: persist first, then hand to the scheduler.
// The returned id is durable even when no account is available, the reload
// pass picks the row up once one recovers.
func (d *Dispatcher) admit(ctx context.Context, in *types.Intent) (uint64, error) {
	if !d.accepting.Load() {
		return 0, ErrNotAccepting
	}
	if in.ClientTsMs == 0 {
		in.ClientTsMs = time.Now().UnixMilli()
	}
	id, err := d.store.Insert(ctx, in)
	if err != nil {
		return 0, fmt.Errorf("admit %s intent: %w", in.Kind, err)
	}
	in.ID = id
	in.Status = types.StatusPending
	in.AccountIndex = types.UnassignedAccount
	if in.GameID != "" {
		if err := d.store.TouchSession(ctx, in.GameID, in.Player); err != nil {
			log.Debugw("session touch failed", "gameId", in.GameID, "error", err)
		}
	}
	d.track(id)
	if err := d.schedule(in); err != nil {
		d.untrack(id)
		d.reload.Store(true)
		log.Warnw("intent admitted without account, scheduling deferred",
			"id", id, "error", err)
	}
	return id, nil
}

// PendingCount reports the number of pending rows in the queue store.
func (d *Dispatcher) PendingCount(ctx context.Context) (uint64, error) {
	return d.store.CountPending(ctx)
}

// AccountStatuses snapshots the live pool in index order.
func (d *Dispatcher) AccountStatuses() []types.AccountStatus {
	return d.pool.Statuses()
}

// ResetAccount returns a quarantined account to rotation. Its locally queued
// intents are released for rescheduling on the next tick.
func (d *Dispatcher) ResetAccount(index uint32) error {
	drained, err := d.pool.Reset(index)
	if err != nil {
		return err
	}
	for _, in := range drained {
		d.untrack(in.ID)
	}
	d.reload.Store(true)
	log.Infow("account reset", "index", index, "requeued", len(drained))
	return nil
}
