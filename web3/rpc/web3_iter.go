package rpc

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const (
	// endpointCooldownDuration is how long a disabled endpoint stays out of
	// rotation before it becomes eligible again.
	endpointCooldownDuration = 5 * time.Minute
)

// Web3Endpoint holds a single web3 provider and its dialed clients. The
// chain ID is discovered when the endpoint is added to the pool.
type Web3Endpoint struct {
	ChainID    uint64 `json:"chainId"`
	URI        string
	client     *ethclient.Client
	rpcClient  *gethrpc.Client
	disabledAt time.Time // zero if the endpoint was never disabled
}

// Web3Iterator hands out endpoints for a single chain in round-robin order.
// Failing endpoints can be disabled; they re-enter rotation after a cooldown,
// or immediately when no endpoint is left.
type Web3Iterator struct {
	nextIndex int
	available []*Web3Endpoint
	disabled  []*Web3Endpoint
	mtx       sync.Mutex
}

// NewWeb3Iterator creates a new Web3Iterator with the given endpoints.
func NewWeb3Iterator(endpoints ...*Web3Endpoint) *Web3Iterator {
	if endpoints == nil {
		endpoints = make([]*Web3Endpoint, 0)
	}
	return &Web3Iterator{
		available: endpoints,
		disabled:  make([]*Web3Endpoint, 0),
	}
}

// Available returns the number of endpoints currently in rotation.
func (it *Web3Iterator) Available() int {
	it.mtx.Lock()
	defer it.mtx.Unlock()
	return len(it.available)
}

// Disabled returns the number of endpoints currently out of rotation.
func (it *Web3Iterator) Disabled() int {
	it.mtx.Lock()
	defer it.mtx.Unlock()
	return len(it.disabled)
}

// Add puts new endpoints into rotation.
func (it *Web3Iterator) Add(endpoint ...*Web3Endpoint) {
	it.mtx.Lock()
	defer it.mtx.Unlock()
	it.available = append(it.available, endpoint...)
}

// Next returns the next endpoint in rotation. Disabled endpoints whose
// cooldown has expired are re-enabled first. Returns an error when no
// endpoint is registered at all.
func (it *Web3Iterator) Next() (*Web3Endpoint, error) {
	if it == nil {
		return nil, fmt.Errorf("nil Web3Iterator")
	}
	it.mtx.Lock()
	defer it.mtx.Unlock()

	it.checkCooldowns()

	l := len(it.available)
	if l == 0 {
		return nil, fmt.Errorf("no registered endpoints")
	}
	// nextIndex is kept in bounds by Disable and by the wrap below, so it
	// always addresses a live entry here.
	current := it.available[it.nextIndex]
	if it.nextIndex++; it.nextIndex >= l {
		it.nextIndex = 0
	}
	return current, nil
}

// checkCooldowns moves disabled endpoints whose cooldown has expired back to
// the available list. Caller must hold the mutex.
func (it *Web3Iterator) checkCooldowns() {
	if len(it.disabled) == 0 {
		return
	}

	now := time.Now()
	var stillDisabled []*Web3Endpoint
	for _, ep := range it.disabled {
		if now.Sub(ep.disabledAt) >= endpointCooldownDuration {
			ep.disabledAt = time.Time{}
			it.available = append(it.available, ep)
		} else {
			stillDisabled = append(stillDisabled, ep)
		}
	}
	it.disabled = stillDisabled
}

// Disable takes the endpoint with the given URI out of rotation and stamps
// it for cooldown tracking. When the last endpoint is disabled, the whole
// disabled set is put back into rotation so callers never starve.
func (it *Web3Iterator) Disable(uri string) {
	it.mtx.Lock()
	defer it.mtx.Unlock()

	index := -1
	for i, e := range it.available {
		if e.URI == uri {
			index = i
			break
		}
	}
	// Already disabled or never registered.
	if index == -1 {
		return
	}

	ep := it.available[index]
	ep.disabledAt = time.Now()
	it.available = append(it.available[:index], it.available[index+1:]...)
	it.disabled = append(it.disabled, ep)

	// Keep nextIndex pointing at the element that would have been next.
	if it.nextIndex == index {
		it.nextIndex++
	} else if it.nextIndex > index {
		it.nextIndex--
	}

	if len(it.available) == 0 {
		it.nextIndex = 0
		it.available = append(it.available, it.disabled...)
		it.disabled = make([]*Web3Endpoint, 0)
		for _, ep := range it.available {
			ep.disabledAt = time.Time{}
		}
	} else if it.nextIndex >= len(it.available) {
		it.nextIndex = 0
	}
}
