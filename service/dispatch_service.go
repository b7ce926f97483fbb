// Package service wires the dispatcher building blocks into long-running
// services with a uniform Start/Stop lifecycle, so the command entrypoint
// only has to assemble and order them.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hopchain/txdispatch/dispatcher"
	"github.com/hopchain/txdispatch/log"
	"github.com/hopchain/txdispatch/notify"
	"github.com/hopchain/txdispatch/store"
)

// StatsMonitorInterval is the interval at which dispatch statistics are logged.
// This can be overridden before starting the service.
var StatsMonitorInterval = 60 * time.Second

// DispatchService runs the live sender pool and, when a recovery pool is
// configured, the recovery dispatcher next to it.
type DispatchService struct {
	Dispatcher *dispatcher.Dispatcher
	Recovery   *dispatcher.Recovery
	mu         sync.Mutex
	cancel     context.CancelFunc
}

// NewDispatch creates the dispatch pipeline over the queue store. The recovery
// pool is optional; pass nil to run without one.
func NewDispatch(st store.Store, chain dispatcher.Chain, notifier notify.Notifier,
	live, recovery *dispatcher.Pool, cfg dispatcher.Config, rcfg dispatcher.RecoveryConfig,
) *DispatchService {
	ds := &DispatchService{
		Dispatcher: dispatcher.New(st, chain, notifier, live, cfg),
	}
	if recovery != nil {
		ds.Recovery = dispatcher.NewRecovery(st, chain, notifier, recovery, rcfg)
	}
	return ds
}

// Start begins the sender loops. It returns an error if the service is
// already running or if a loop fails to start.
func (ds *DispatchService) Start(ctx context.Context) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.cancel != nil {
		return fmt.Errorf("service already running")
	}

	ctx, cancel := context.WithCancel(ctx)

	if err := ds.Dispatcher.Start(ctx); err != nil {
		cancel()
		return err
	}
	if ds.Recovery != nil {
		if err := ds.Recovery.Start(ctx); err != nil {
			cancel()
			if stopErr := ds.Dispatcher.Stop(); stopErr != nil {
				log.Warnw("dispatcher stopped", "error", stopErr)
			}
			return err
		}
	}
	ds.cancel = cancel

	ds.startStatsMonitor(ctx, StatsMonitorInterval)
	return nil
}

// Stop halts the sender loops. New admissions are refused immediately;
// in-flight submissions finish before Stop returns.
func (ds *DispatchService) Stop() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.cancel == nil {
		return
	}
	if err := ds.Dispatcher.Stop(); err != nil {
		log.Warnw("dispatcher stopped", "error", err)
	}
	if ds.Recovery != nil {
		if err := ds.Recovery.Stop(); err != nil {
			log.Warnw("recovery dispatcher stopped", "error", err)
		}
	}
	ds.cancel()
	ds.cancel = nil
}

// startStatsMonitor starts a goroutine that periodically logs account and
// queue statistics.
func (ds *DispatchService) startStatsMonitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		log.Infow("dispatch stats monitor started", "interval", interval.String())

		for {
			select {
			case <-ctx.Done():
				log.Infow("dispatch stats monitor stopped")
				return
			case <-ticker.C:
				ds.logDispatchStats(ctx)
			}
		}
	}()
}

// logDispatchStats logs per-account statistics for accounts that have done
// work, plus a pool-wide summary.
func (ds *DispatchService) logDispatchStats(ctx context.Context) {
	var totalQueued int
	var totalProcessed uint64
	quarantined := 0

	statuses := ds.Dispatcher.AccountStatuses()
	for _, st := range statuses {
		totalQueued += st.QueueLength
		totalProcessed += st.Processed
		if st.Quarantined {
			quarantined++
		}
		// Skip accounts that have not submitted anything yet
		if st.Processed == 0 && !st.Quarantined {
			continue
		}
		log.Monitor(fmt.Sprintf("account %d %s", st.Index, st.Address.Hex()), map[string]any{
			"queued":            st.QueueLength,
			"processed":         st.Processed,
			"consecutiveErrors": st.ConsecutiveErrors,
			"quarantined":       st.Quarantined,
			"nextNonce":         st.NextNonce,
		})
	}

	summary := map[string]any{
		"accounts":    len(statuses),
		"quarantined": quarantined,
		"queued":      totalQueued,
		"processed":   totalProcessed,
	}
	if ds.Recovery != nil {
		var recovered uint64
		for _, st := range ds.Recovery.AccountStatuses() {
			recovered += st.Processed
		}
		summary["recovered"] = recovered
	}
	if pending, err := ds.Dispatcher.PendingCount(ctx); err == nil {
		summary["pending"] = pending
	}
	log.Monitor("dispatch statistics summary", summary)
}
