package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hopchain/txdispatch/dispatcher"
	"github.com/hopchain/txdispatch/log"
	"github.com/hopchain/txdispatch/notify"
	"github.com/hopchain/txdispatch/service"
	"github.com/hopchain/txdispatch/store"
	"github.com/hopchain/txdispatch/store/memstore"
	"github.com/hopchain/txdispatch/store/pgstore"
	"github.com/hopchain/txdispatch/watcher"
	"github.com/hopchain/txdispatch/web3"
)

// Exit codes reported to the supervisor.
const (
	exitConfig   = 1
	exitStore    = 2
	exitAccounts = 3
)

// errNoUsableAccount classifies preflight failures on the signing side:
// unparsable keys, overlapping pools, or a chain adapter that cannot come up.
var errNoUsableAccount = errors.New("no usable signing account")

// chain is what the sender pools and the watcher need from the chain
// adapter. Both the live recorder and the dry-run adapter satisfy it.
type chain interface {
	dispatcher.Chain
	watcher.Chain
	EnsureDeployed(ctx context.Context) error
}

// Services holds all the running services
type Services struct {
	Store    store.Store
	Registry *notify.Registry
	Dispatch *service.DispatchService
	Watcher  *service.WatcherService
	API      *service.APIService
}

func main() {
	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(exitConfig)
	}

	// Initialize logging
	log.Init(cfg.Log.Level, cfg.Log.Output, nil)
	log.Infow("starting hopchain-dispatcher", "version", Version)

	// Validate configuration
	if err := validateConfig(cfg); err != nil {
		log.Errorw(err, "invalid configuration")
		os.Exit(exitConfig)
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup services
	services, err := setupServices(ctx, cfg)
	if err != nil {
		log.Errorw(err, "failed to setup services")
		os.Exit(exitCodeFor(err))
	}
	defer shutdownServices(services)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("received signal, shutting down", "signal", sig.String())
}

// exitCodeFor maps a setup failure to the exit code contract.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, store.ErrUnavailable):
		return exitStore
	case errors.Is(err, errNoUsableAccount):
		return exitAccounts
	default:
		return exitConfig
	}
}

// setupServices initializes and starts all required services
func setupServices(ctx context.Context, cfg *Config) (*Services, error) {
	services := &Services{}

	// Open the queue store
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	services.Store = st

	// Derive the signing pools
	live, recoveryPool, err := buildPools(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNoUsableAccount, err)
	}
	log.Infow("signing pools ready",
		"liveAccounts", live.Size(),
		"recoveryAccounts", poolSize(recoveryPool))

	// Bring up the chain adapter
	chainAdapter, chainID, err := buildChain(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNoUsableAccount, err)
	}

	services.Registry = notify.NewRegistry()

	// Start the dispatch pipeline
	services.Dispatch = service.NewDispatch(st, chainAdapter, services.Registry, live, recoveryPool,
		dispatcher.Config{
			ProcessInterval: time.Duration(cfg.QueueProcessIntervalMs) * time.Millisecond,
			Cooldown:        time.Duration(cfg.TransactionCooldownMs) * time.Millisecond,
			FaultThreshold:  cfg.FaultThreshold,
		},
		dispatcher.RecoveryConfig{
			Interval:       time.Duration(cfg.RecoveryIntervalMs) * time.Millisecond,
			Batch:          cfg.RecoveryBatch,
			MaxRetries:     cfg.MaxRetries,
			AgeLimit:       time.Duration(cfg.TxAgeLimitHours) * time.Hour,
			FaultThreshold: cfg.FaultThreshold,
		})
	if err := services.Dispatch.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start dispatch service: %w", err)
	}

	// Start the confirmation watcher and queue housekeeping
	services.Watcher = service.NewWatcher(st, chainAdapter, services.Registry,
		watcher.DefaultConfig(),
		dispatcher.HousekeepingConfig{
			PendingStale: time.Duration(cfg.PendingStaleMs) * time.Millisecond,
			Retention:    time.Duration(cfg.RetentionMs) * time.Millisecond,
		})
	if err := services.Watcher.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start watcher service: %w", err)
	}

	// Start the API service
	log.Infow("starting API service", "host", cfg.API.Host, "port", cfg.API.Port)
	services.API = service.NewAPI(st, cfg.API.Host, cfg.API.Port, false)
	services.API.SetDispatch(services.Dispatch, services.Watcher, services.Registry)
	services.API.SetContract(chainID, common.HexToAddress(cfg.ContractAddress))
	if err := services.API.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start API service: %w", err)
	}

	log.Info("hopchain-dispatcher is running, ready to record jumps!")
	return services, nil
}

// openStore connects the configured queue store. The memory:// scheme selects
// the in-process store for local development.
func openStore(ctx context.Context, cfg *Config) (store.Store, error) {
	if strings.HasPrefix(cfg.Store.URL, "memory://") {
		log.Warnw("using in-memory queue store, intents will not survive a restart")
		return memstore.New(), nil
	}
	log.Infow("connecting queue store", "maxConns", cfg.Store.PoolMax)
	return pgstore.New(ctx, cfg.Store.URL, pgstore.Options{MaxConns: int32(cfg.Store.PoolMax)})
}

// buildPools derives the signing pools and enforces their disjointness. A
// shared address would interleave two nonce sequences, so overlap is fatal.
func buildPools(cfg *Config) (*dispatcher.Pool, *dispatcher.Pool, error) {
	live, err := dispatcher.NewPool(cfg.AccountKeys)
	if err != nil {
		return nil, nil, err
	}
	if len(cfg.RecoveryAccountKeys) == 0 {
		log.Warnw("no recovery keys configured, failed intents will not be retried")
		return live, nil, nil
	}
	recovery, err := dispatcher.NewPool(cfg.RecoveryAccountKeys)
	if err != nil {
		return nil, nil, fmt.Errorf("recovery pool: %w", err)
	}
	if overlap := live.Overlaps(recovery); len(overlap) > 0 {
		return nil, nil, fmt.Errorf("recovery keys share %d address(es) with the live pool: %v", len(overlap), overlap)
	}
	return live, recovery, nil
}

// buildChain brings up the chain adapter and checks the recorder contract is
// reachable. With --dry-run a synthetic chain accepts every submission.
func buildChain(ctx context.Context, cfg *Config) (chain, uint64, error) {
	if cfg.DryRun {
		log.Warnw("dry-run mode, submissions are accepted on a synthetic chain")
		return web3.NewDryRun(), dryRunChainID, nil
	}
	recorder, err := web3.New(cfg.RpcURL, common.HexToAddress(cfg.ContractAddress))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to initialize web3 client: %w", err)
	}
	deployCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := recorder.EnsureDeployed(deployCtx); err != nil {
		return nil, 0, err
	}
	return recorder, recorder.ChainID, nil
}

func poolSize(p *dispatcher.Pool) int {
	if p == nil {
		return 0
	}
	return p.Size()
}

// shutdownServices gracefully shuts down all services
func shutdownServices(services *Services) {
	if services == nil {
		return
	}

	// Stop services in reverse order of startup: admissions first, then the
	// sender loops, then the store-side loops, then the store itself.
	if services.API != nil {
		services.API.Stop()
	}
	if services.Dispatch != nil {
		services.Dispatch.Stop()
	}
	if services.Watcher != nil {
		services.Watcher.Stop()
	}
	if services.Registry != nil {
		services.Registry.Close()
	}
	if services.Store != nil {
		services.Store.Close()
	}
}
