// Package api exposes the dispatcher over HTTP: intent admission, status
// queries, the operator account surface and a long-poll update stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/hopchain/txdispatch/dispatcher"
	"github.com/hopchain/txdispatch/log"
	"github.com/hopchain/txdispatch/notify"
	"github.com/hopchain/txdispatch/store"
	"github.com/hopchain/txdispatch/watcher"
)

const (
	maxRequestBodyLog  = 512 // Maximum length of request body to log
	serverStopTimeout  = 5 * time.Second
	requestTimeout     = 45 * time.Second
	throttleLimit      = 100
	throttleBacklog    = 5000
	throttleRequests   = 40000
	throttleBacklogTTL = 60 * time.Second
)

// Config represents the configuration for the API HTTP server.
type Config struct {
	Host       string
	Port       int
	Store      store.Store
	Dispatcher *dispatcher.Dispatcher
	Recovery   *dispatcher.Recovery // Optional: recovery pool surface
	Watcher    *watcher.Watcher     // Optional: confirmation counters
	Updates    *notify.Registry     // Optional: enables the update stream
	ChainID    uint64
	Contract   common.Address
}

// API is the dispatcher HTTP server.
type API struct {
	router     *chi.Mux
	store      store.Store
	dispatcher *dispatcher.Dispatcher
	recovery   *dispatcher.Recovery
	watcher    *watcher.Watcher
	updates    *notify.Registry
	chainID    uint64
	contract   common.Address
	host       string
	port       int
	startedAt  time.Time

	srv *http.Server
	lis net.Listener
}

// New creates a new API instance with the given configuration. The server
// does not listen until Start is called.
func New(conf *Config) (*API, error) {
	if conf == nil {
		return nil, fmt.Errorf("missing API configuration")
	}
	if conf.Store == nil {
		return nil, fmt.Errorf("missing store instance")
	}
	if conf.Dispatcher == nil {
		return nil, fmt.Errorf("missing dispatcher instance")
	}
	a := &API{
		store:      conf.Store,
		dispatcher: conf.Dispatcher,
		recovery:   conf.Recovery,
		watcher:    conf.Watcher,
		updates:    conf.Updates,
		chainID:    conf.ChainID,
		contract:   conf.Contract,
		host:       conf.Host,
		port:       conf.Port,
		startedAt:  time.Now(),
	}
	a.initRouter()
	return a, nil
}

// Start binds the listener and begins serving requests.
func (a *API) Start() error {
	if a.srv != nil {
		return fmt.Errorf("API server already started")
	}
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", a.host, a.port))
	if err != nil {
		return fmt.Errorf("failed to bind API listener: %w", err)
	}
	a.lis = lis
	a.srv = &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infow("starting API server", "addr", lis.Addr().String())
		if err := a.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("failed to start the API server: %v", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests and closes the listener. Safe to call
// more than once.
func (a *API) Stop() error {
	if a.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), serverStopTimeout)
	defer cancel()
	err := a.srv.Shutdown(ctx)
	a.srv = nil
	log.Infow("API server stopped")
	return err
}

// Addr returns the bound listener address, empty before Start.
func (a *API) Addr() string {
	if a.lis == nil {
		return ""
	}
	return a.lis.Addr().String()
}

// Router returns the chi router for testing purposes
func (a *API) Router() *chi.Mux {
	return a.router
}

// registerHandlers registers all the HTTP handlers for the API endpoints.
func (a *API) registerHandlers() {
	log.Infow("register handler", "endpoint", PingEndpoint, "method", "GET")
	a.router.Get(PingEndpoint, func(w http.ResponseWriter, r *http.Request) {
		httpWriteOK(w)
	})
	// admission endpoints
	log.Infow("register handler", "endpoint", JumpEndpoint, "method", "POST")
	a.router.Post(JumpEndpoint, a.submitJump)
	log.Infow("register handler", "endpoint", GameOverEndpoint, "method", "POST")
	a.router.Post(GameOverEndpoint, a.submitGameOver)
	log.Infow("register handler", "endpoint", SetPlayerEndpoint, "method", "POST")
	a.router.Post(SetPlayerEndpoint, a.submitSetPlayer)
	// queue endpoints
	log.Infow("register handler", "endpoint", IntentStatusEndpoint, "method", "GET")
	a.router.Get(IntentStatusEndpoint, a.intentStatus)
	log.Infow("register handler", "endpoint", PendingCountEndpoint, "method", "GET")
	a.router.Get(PendingCountEndpoint, a.pendingCount)
	// account endpoints
	log.Infow("register handler", "endpoint", AccountsEndpoint, "method", "GET")
	a.router.Get(AccountsEndpoint, a.accounts)
	log.Infow("register handler", "endpoint", AccountResetEndpoint, "method", "POST")
	a.router.Post(AccountResetEndpoint, a.resetAccount)
	// update stream
	if a.updates != nil {
		log.Infow("register handler", "endpoint", UpdatesEndpoint, "method", "GET", "parameters", "player, game, wait")
		a.router.Get(UpdatesEndpoint, a.pollUpdates)
	}
	// info endpoints
	log.Infow("register handler", "endpoint", HealthEndpoint, "method", "GET")
	a.router.Get(HealthEndpoint, a.health)
	log.Infow("register handler", "endpoint", InfoEndpoint, "method", "GET")
	a.router.Get(InfoEndpoint, a.info)
}

// initRouter creates the router with all the routes and middleware.
func (a *API) initRouter() {
	a.router = chi.NewRouter()
	a.router.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)
	a.router.Use(loggingMiddleware(maxRequestBodyLog))
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Throttle(throttleLimit))
	a.router.Use(middleware.ThrottleBacklog(throttleBacklog, throttleRequests, throttleBacklogTTL))
	a.router.Use(middleware.Timeout(requestTimeout))

	a.registerHandlers()
}
