package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hopchain/txdispatch/log"
	"github.com/hopchain/txdispatch/store"
)

// Defaults for the housekeeping loop.
const (
	DefaultHousekeepInterval = 10 * time.Minute
	DefaultPendingStale      = time.Hour
	DefaultRetention         = 24 * time.Hour
)

// HousekeepingConfig tunes the maintenance loop. Zero values take the
// defaults.
type HousekeepingConfig struct {
	Interval     time.Duration // pass cadence
	PendingStale time.Duration // pending and receiptless sent rows older than this become failed
	Retention    time.Duration // terminal rows older than this are deleted
}

// DefaultHousekeepingConfig returns the production defaults.
func DefaultHousekeepingConfig() HousekeepingConfig {
	return HousekeepingConfig{
		Interval:     DefaultHousekeepInterval,
		PendingStale: DefaultPendingStale,
		Retention:    DefaultRetention,
	}
}

func (c HousekeepingConfig) withDefaults() HousekeepingConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultHousekeepInterval
	}
	if c.PendingStale <= 0 {
		c.PendingStale = DefaultPendingStale
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	return c
}

// Housekeeper periodically corrects rows the loops cannot reach on their
// own: stale pending rows and sent rows the chain dropped both become
// failed, feeding them to recovery, and terminal rows past retention are
// pruned.
type Housekeeper struct {
	store store.Store
	cfg   HousekeepingConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHousekeeper wires the maintenance loop over the queue store.
func NewHousekeeper(st store.Store, cfg HousekeepingConfig) *Housekeeper {
	return &Housekeeper{store: st, cfg: cfg.withDefaults()}
}

// Start launches the housekeeping loop.
func (h *Housekeeper) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("context cannot be nil")
	}
	if h.ctx != nil {
		return fmt.Errorf("housekeeper already started")
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go h.run()
	log.Infow("housekeeper started",
		"interval", h.cfg.Interval.String(),
		"pendingStale", h.cfg.PendingStale.String(),
		"retention", h.cfg.Retention.String())
	return nil
}

// Stop winds the housekeeping loop down. Safe to call more than once.
func (h *Housekeeper) Stop() error {
	if h.cancel == nil {
		return nil
	}
	h.cancel()
	h.wg.Wait()
	log.Infow("housekeeper stopped")
	return nil
}

func (h *Housekeeper) run() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.runPass()
		}
	}
}

func (h *Housekeeper) runPass() {
	res, err := h.store.Housekeeping(context.Background(), h.cfg.PendingStale, h.cfg.Retention)
	if err != nil {
		log.Warnw("housekeeping pass failed", "error", err)
		return
	}
	if res.PromotedStale > 0 || res.FailedDropped > 0 || res.DeletedExpired > 0 {
		log.Infow("housekeeping pass done",
			"promotedStale", res.PromotedStale,
			"failedDropped", res.FailedDropped,
			"deletedExpired", res.DeletedExpired)
	}
}
