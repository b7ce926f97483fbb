package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hopchain/txdispatch/api"
	"github.com/hopchain/txdispatch/log"
	"github.com/hopchain/txdispatch/notify"
	"github.com/hopchain/txdispatch/store"
)

// APIService represents a service that manages the HTTP API server.
type APIService struct {
	store    store.Store
	API      *api.API
	mu       sync.Mutex
	cancel   context.CancelFunc
	host     string
	port     int
	chainID  uint64
	contract common.Address
	dispatch *DispatchService
	watcher  *WatcherService
	updates  *notify.Registry
}

// NewAPI creates a new APIService instance.
func NewAPI(st store.Store, host string, port int, disableLogging bool) *APIService {
	if disableLogging {
		api.DisabledLogging = disableLogging
		log.Debugw("API logging is disabled")
	}
	return &APIService{
		store: st,
		host:  host,
		port:  port,
	}
}

// SetDispatch wires the pipeline the handlers serve. The watcher and the
// update registry are optional; the matching endpoints degrade when absent.
func (as *APIService) SetDispatch(ds *DispatchService, ws *WatcherService, updates *notify.Registry) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.dispatch = ds
	as.watcher = ws
	as.updates = updates
}

// SetContract records the chain id and contract address reported by the info
// endpoint.
func (as *APIService) SetContract(chainID uint64, contract common.Address) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.chainID = chainID
	as.contract = contract
}

// Start begins the API server. It returns an error if the service is already
// running or if it fails to start.
func (as *APIService) Start(ctx context.Context) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.cancel != nil {
		return fmt.Errorf("service already running")
	}

	_, as.cancel = context.WithCancel(ctx)

	conf := &api.Config{
		Host:     as.host,
		Port:     as.port,
		Store:    as.store,
		Updates:  as.updates,
		ChainID:  as.chainID,
		Contract: as.contract,
	}
	if as.dispatch != nil {
		conf.Dispatcher = as.dispatch.Dispatcher
		conf.Recovery = as.dispatch.Recovery
	}
	if as.watcher != nil {
		conf.Watcher = as.watcher.Watcher
	}

	var err error
	as.API, err = api.New(conf)
	if err != nil {
		as.cancel = nil
		return fmt.Errorf("failed to create API server: %w", err)
	}
	if err := as.API.Start(); err != nil {
		as.cancel = nil
		as.API = nil
		return fmt.Errorf("failed to start API server: %w", err)
	}

	return nil
}

// Stop halts the API server. Admissions are refused as soon as it returns.
func (as *APIService) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.cancel == nil {
		return
	}
	if as.API != nil {
		if err := as.API.Stop(); err != nil {
			log.Warnw("api server stopped", "error", err)
		}
	}
	as.cancel()
	as.cancel = nil
}

// HostPort returns the host and port of the API server.
func (as *APIService) HostPort() (string, int) {
	return as.host, as.port
}
