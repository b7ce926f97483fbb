// Package rpc provides a pool of web3 endpoints with round-robin rotation
// and a retrying client on top of it. Every RPC the dispatcher performs
// goes through this package; retry policy and endpoint failover live here
// and nowhere else.
package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// dialTimeout bounds the initial dial and chain ID discovery of a new
// endpoint.
const dialTimeout = 10 * time.Second

// Web3Pool holds one Web3Iterator per chain ID. Endpoints are grouped by
// the chain ID they report when added, so a single pool can serve clients
// for several networks at once.
type Web3Pool struct {
	endpoints map[uint64]*Web3Iterator
	mtx       sync.RWMutex
}

// NewWeb3Pool creates an empty pool.
func NewWeb3Pool() *Web3Pool {
	return &Web3Pool{
		endpoints: make(map[uint64]*Web3Iterator),
	}
}

// AddEndpoint dials the given URI, discovers its chain ID and puts the
// endpoint into rotation for that chain. It returns the discovered chain ID.
func (p *Web3Pool) AddEndpoint(uri string) (uint64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	rpcClient, err := gethrpc.DialContext(ctx, uri)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", uri, err)
	}
	client := ethclient.NewClient(rpcClient)
	chainID, err := client.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return 0, fmt.Errorf("chain id of %s: %w", uri, err)
	}

	endpoint := &Web3Endpoint{
		ChainID:   chainID.Uint64(),
		URI:       uri,
		client:    client,
		rpcClient: rpcClient,
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()
	if it, ok := p.endpoints[endpoint.ChainID]; ok {
		it.Add(endpoint)
	} else {
		p.endpoints[endpoint.ChainID] = NewWeb3Iterator(endpoint)
	}
	return endpoint.ChainID, nil
}

// Endpoint returns the next endpoint in rotation for the given chain ID.
func (p *Web3Pool) Endpoint(chainID uint64) (*Web3Endpoint, error) {
	p.mtx.RLock()
	it, ok := p.endpoints[chainID]
	p.mtx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no endpoints for chain ID %d", chainID)
	}
	return it.Next()
}

// DisableEndpoint takes the endpoint with the given URI out of rotation for
// the given chain ID. Unknown chain IDs and URIs are ignored.
func (p *Web3Pool) DisableEndpoint(chainID uint64, uri string) {
	p.mtx.RLock()
	it, ok := p.endpoints[chainID]
	p.mtx.RUnlock()
	if ok {
		it.Disable(uri)
	}
}

// NumberOfEndpoints returns the number of endpoints registered for the
// given chain ID. With onlyAvailable set, endpoints cooling down after a
// failure are not counted.
func (p *Web3Pool) NumberOfEndpoints(chainID uint64, onlyAvailable bool) int {
	p.mtx.RLock()
	it, ok := p.endpoints[chainID]
	p.mtx.RUnlock()
	if !ok {
		return 0
	}
	n := it.Available()
	if !onlyAvailable {
		n += it.Disabled()
	}
	return n
}

// Client returns a retrying client bound to the given chain ID.
func (p *Web3Pool) Client(chainID uint64) (*Client, error) {
	p.mtx.RLock()
	_, ok := p.endpoints[chainID]
	p.mtx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no endpoints for chain ID %d", chainID)
	}
	return &Client{w3p: p, chainID: chainID}, nil
}
