// Package notify fans intent transition updates out to in-process
// subscribers. Subscribers register for a player address, a game id, or
// both; delivery is buffered and non-blocking so a slow consumer can never
// stall the sender or watcher loops.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/hopchain/txdispatch/log"
	"github.com/hopchain/txdispatch/types"
)

// Notifier receives an update for every intent transition.
type Notifier interface {
	Notify(u *types.Update)
}

// Discard is a Notifier that drops every update.
type Discard struct{}

// Notify implements Notifier.
func (Discard) Notify(*types.Update) {}

// subscriberBuffer is the per-subscription channel depth. Updates beyond
// it are dropped for that subscriber.
const subscriberBuffer = 32

// Subscription is a live registration in the registry. Updates arrive on C
// until Unsubscribe closes it.
type Subscription struct {
	ID     uuid.UUID
	Player common.Address
	GameID string
	C      <-chan *types.Update

	ch chan *types.Update
}

// Registry indexes subscriptions by player address and game id and
// implements Notifier over them.
type Registry struct {
	mtx      sync.RWMutex
	subs     map[uuid.UUID]*Subscription
	byPlayer map[common.Address]map[uuid.UUID]*Subscription
	byGame   map[string]map[uuid.UUID]*Subscription
	dropped  atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		subs:     make(map[uuid.UUID]*Subscription),
		byPlayer: make(map[common.Address]map[uuid.UUID]*Subscription),
		byGame:   make(map[string]map[uuid.UUID]*Subscription),
	}
}

// Subscribe registers for updates matching the given keys. A zero player
// matches every player; an empty game id matches every game. Callers are
// expected to set at least one key.
func (r *Registry) Subscribe(player common.Address, gameID string) *Subscription {
	sub := &Subscription{
		ID:     uuid.New(),
		Player: player,
		GameID: gameID,
		ch:     make(chan *types.Update, subscriberBuffer),
	}
	sub.C = sub.ch

	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.subs[sub.ID] = sub
	if player != (common.Address{}) {
		if r.byPlayer[player] == nil {
			r.byPlayer[player] = make(map[uuid.UUID]*Subscription)
		}
		r.byPlayer[player][sub.ID] = sub
	}
	if gameID != "" {
		if r.byGame[gameID] == nil {
			r.byGame[gameID] = make(map[uuid.UUID]*Subscription)
		}
		r.byGame[gameID][sub.ID] = sub
	}
	return sub
}

// Unsubscribe removes the subscription and closes its channel. Unknown ids
// are ignored.
func (r *Registry) Unsubscribe(id uuid.UUID) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return
	}
	delete(r.subs, id)
	if m := r.byPlayer[sub.Player]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(r.byPlayer, sub.Player)
		}
	}
	if m := r.byGame[sub.GameID]; m != nil {
		delete(m, id)
		if len(m) == 0 {
			delete(r.byGame, sub.GameID)
		}
	}
	close(sub.ch)
}

// SubscriberCount returns the number of live subscriptions.
func (r *Registry) SubscriberCount() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return len(r.subs)
}

// Dropped returns the number of updates discarded because a subscriber
// buffer was full.
func (r *Registry) Dropped() uint64 {
	return r.dropped.Load()
}

// Notify delivers the update to every subscription matching its player and
// game id. Delivery never blocks; full buffers drop.
func (r *Registry) Notify(u *types.Update) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	// Candidates come from both indexes; a subscription registered under
	// both keys appears once.
	candidates := make(map[uuid.UUID]*Subscription)
	for id, sub := range r.byPlayer[u.Player] {
		candidates[id] = sub
	}
	for id, sub := range r.byGame[u.GameID] {
		candidates[id] = sub
	}

	for _, sub := range candidates {
		if sub.Player != (common.Address{}) && sub.Player != u.Player {
			continue
		}
		if sub.GameID != "" && sub.GameID != u.GameID {
			continue
		}
		select {
		case sub.ch <- u:
		default:
			r.dropped.Add(1)
			log.Debugw("update dropped, subscriber buffer full",
				"subscriber", sub.ID.String(), "intent", u.ID)
		}
	}
}

// Close unsubscribes everything. Pending buffered updates remain readable
// until each channel drains.
func (r *Registry) Close() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for id, sub := range r.subs {
		delete(r.subs, id)
		close(sub.ch)
	}
	r.byPlayer = make(map[common.Address]map[uuid.UUID]*Subscription)
	r.byGame = make(map[string]map[uuid.UUID]*Subscription)
}

var _ Notifier = (*Registry)(nil)
var _ Notifier = Discard{}
