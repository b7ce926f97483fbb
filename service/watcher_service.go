package service

import (
	"context"
	"fmt"

	"github.com/hopchain/txdispatch/dispatcher"
	"github.com/hopchain/txdispatch/log"
	"github.com/hopchain/txdispatch/notify"
	"github.com/hopchain/txdispatch/store"
	"github.com/hopchain/txdispatch/watcher"
)

// WatcherService runs the confirmation watcher together with the queue
// housekeeping loop. Both operate on the store only, so they keep running
// while the sender pools drain and must wind down before the store closes.
type WatcherService struct {
	*watcher.Watcher
	housekeeper *dispatcher.Housekeeper
	cancel      context.CancelFunc
}

// NewWatcher creates a new watcher service instance over the queue store and
// a receipt source.
func NewWatcher(st store.Store, chain watcher.Chain, notifier notify.Notifier,
	cfg watcher.Config, hcfg dispatcher.HousekeepingConfig,
) *WatcherService {
	return &WatcherService{
		Watcher:     watcher.New(st, chain, notifier, cfg),
		housekeeper: dispatcher.NewHousekeeper(st, hcfg),
	}
}

// Start begins the watcher service. It returns an error if the service is
// already running or if it fails to start.
func (ws *WatcherService) Start(ctx context.Context) error {
	if ws.cancel != nil {
		return fmt.Errorf("service already running")
	}

	ctx, cancel := context.WithCancel(ctx)

	if err := ws.Watcher.Start(ctx); err != nil {
		cancel()
		return err
	}
	if err := ws.housekeeper.Start(ctx); err != nil {
		cancel()
		if stopErr := ws.Watcher.Stop(); stopErr != nil {
			log.Warnw("confirmation watcher stopped", "error", stopErr)
		}
		return err
	}
	ws.cancel = cancel

	log.Infow("watcher service started")
	return nil
}

// Stop halts the watcher service. Both loops have fully exited when it
// returns, so the caller can close the store afterwards.
func (ws *WatcherService) Stop() {
	if ws.cancel == nil {
		return
	}
	if err := ws.housekeeper.Stop(); err != nil {
		log.Warnw("housekeeper stopped", "error", err)
	}
	if err := ws.Watcher.Stop(); err != nil {
		log.Warnw("confirmation watcher stopped", "error", err)
	}
	ws.cancel()
	ws.cancel = nil

	log.Infow("watcher service stopped")
}
