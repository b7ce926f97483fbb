// Package memstore implements the queue store in process memory. It backs
// the dev mode without PostgreSQL and gives tests a deterministic store with
// the exact transition semantics of the durable one.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hopchain/txdispatch/store"
	"github.com/hopchain/txdispatch/types"
)

type session struct {
	player    common.Address
	startedAt time.Time
	lastSeen  time.Time
}

type gameEvent struct {
	intent      types.Intent
	blockNumber uint64
}

type leader struct {
	username  string
	bestScore uint64
	games     uint64
}

// Store keeps every table in maps guarded by one mutex. All returned Intents
// are copies; callers never observe later mutations.
type Store struct {
	mu       sync.RWMutex
	nextID   uint64
	intents  map[uint64]*types.Intent
	sessions map[string]session
	events   []gameEvent
	leaders  map[common.Address]leader
	closed   bool
}

var _ store.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		intents:  make(map[uint64]*types.Intent),
		sessions: make(map[string]session),
		leaders:  make(map[common.Address]leader),
	}
}

func cloneIntent(in *types.Intent) *types.Intent {
	out := *in
	out.Hash = bytes.Clone(in.Hash)
	return &out
}

// Insert persists a new pending Intent and returns its id.
func (s *Store) Insert(_ context.Context, in *types.Intent) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, store.ErrUnavailable
	}
	s.nextID++
	row := cloneIntent(in)
	row.ID = s.nextID
	row.Status = types.StatusPending
	row.Hash = nil
	row.AccountIndex = types.UnassignedAccount
	row.Retries = 0
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	s.intents[row.ID] = row
	return row.ID, nil
}

// Get returns one Intent by id.
func (s *Store) Get(_ context.Context, id uint64) (*types.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrUnavailable
	}
	row, ok := s.intents[id]
	if !ok {
		return nil, fmt.Errorf("get intent %d: %w", id, store.ErrNotFound)
	}
	return cloneIntent(row), nil
}

// MarkSent records the first successful chain submission.
func (s *Store) MarkSent(_ context.Context, id uint64, hash common.Hash, accountIndex uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrUnavailable
	}
	row, ok := s.intents[id]
	if !ok {
		return fmt.Errorf("mark sent %d: %w", id, store.ErrNotFound)
	}
	switch row.Status {
	case types.StatusPending, types.StatusFailed:
	case types.StatusSent:
		if bytes.Equal(row.Hash, hash.Bytes()) {
			return nil
		}
		fallthrough
	default:
		return fmt.Errorf("mark sent %d from %s: %w", id, row.Status, store.ErrBadTransition)
	}
	row.Status = types.StatusSent
	row.Hash = hash.Bytes()
	row.AccountIndex = int32(accountIndex)
	return nil
}

// MarkFailed moves a non-terminal Intent to failed and increments retries.
func (s *Store) MarkFailed(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrUnavailable
	}
	row, ok := s.intents[id]
	if !ok {
		return fmt.Errorf("mark failed %d: %w", id, store.ErrNotFound)
	}
	switch row.Status {
	case types.StatusPending, types.StatusSent:
		row.Status = types.StatusFailed
		row.Retries++
		return nil
	case types.StatusFailed:
		return nil
	default:
		return fmt.Errorf("mark failed %d from %s: %w", id, row.Status, store.ErrBadTransition)
	}
}

// MarkConfirmed finalizes a sent Intent according to its receipt.
func (s *Store) MarkConfirmed(_ context.Context, id uint64, target types.Status) error {
	if target != types.StatusConfirmed && target != types.StatusFailed {
		return fmt.Errorf("mark confirmed %d to %s: %w", id, target, store.ErrBadTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrUnavailable
	}
	row, ok := s.intents[id]
	if !ok {
		return fmt.Errorf("mark confirmed %d: %w", id, store.ErrNotFound)
	}
	if row.Status != types.StatusSent {
		if row.Status == target {
			return nil
		}
		return fmt.Errorf("mark confirmed %d from %s: %w", id, row.Status, store.ErrBadTransition)
	}
	row.Status = target
	if target == types.StatusFailed {
		row.Retries++
	}
	return nil
}

// BumpRetries increments the retry counter without touching status.
func (s *Store) BumpRetries(_ context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrUnavailable
	}
	row, ok := s.intents[id]
	if !ok {
		return fmt.Errorf("bump retries %d: %w", id, store.ErrNotFound)
	}
	row.Retries++
	return nil
}

// CountPending returns the number of pending rows.
func (s *Store) CountPending(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, store.ErrUnavailable
	}
	var count uint64
	for _, row := range s.intents {
		if row.Status == types.StatusPending {
			count++
		}
	}
	return count, nil
}

// ListSent returns up to limit sent rows, oldest first.
func (s *Store) ListSent(_ context.Context, limit int) ([]*types.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrUnavailable
	}
	out := []*types.Intent{}
	for _, row := range s.intents {
		if row.Status == types.StatusSent {
			out = append(out, cloneIntent(row))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListPending returns up to limit pending rows, oldest first.
func (s *Store) ListPending(_ context.Context, limit int) ([]*types.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrUnavailable
	}
	out := []*types.Intent{}
	for _, row := range s.intents {
		if row.Status == types.StatusPending {
			out = append(out, cloneIntent(row))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// NextRecoveryBatch selects failed rows eligible for another attempt, oldest
// client timestamp first.
func (s *Store) NextRecoveryBatch(_ context.Context, limit int, maxRetries uint32, ageCutoffMs int64) ([]*types.Intent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrUnavailable
	}
	out := []*types.Intent{}
	for _, row := range s.intents {
		if row.Status == types.StatusFailed && row.Retries < maxRetries && row.ClientTsMs > ageCutoffMs {
			out = append(out, cloneIntent(row))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientTsMs == out[j].ClientTsMs {
			return out[i].ID < out[j].ID
		}
		return out[i].ClientTsMs < out[j].ClientTsMs
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Housekeeping promotes stale pending rows to failed, fails sent rows whose
// transactions vanished from the chain, and deletes expired terminal rows.
// A dropped sent row burns one retry for its lost attempt; a promoted
// pending row never attempted anything, so its budget stays whole.
func (s *Store) Housekeeping(_ context.Context, stale, retention time.Duration) (store.HousekeepingResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res store.HousekeepingResult
	if s.closed {
		return res, store.ErrUnavailable
	}
	now := time.Now()
	for id, row := range s.intents {
		switch {
		case row.Status == types.StatusPending && now.Sub(row.CreatedAt) > stale:
			row.Status = types.StatusFailed
			res.PromotedStale++
		case row.Status == types.StatusSent && now.Sub(row.CreatedAt) > stale:
			row.Status = types.StatusFailed
			row.Retries++
			res.FailedDropped++
		case row.Status.Terminal() && now.Sub(row.CreatedAt) > retention:
			delete(s.intents, id)
			res.DeletedExpired++
		}
	}
	return res, nil
}

// TouchSession upserts the heartbeat row for a game session.
func (s *Store) TouchSession(_ context.Context, gameID string, player common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrUnavailable
	}
	now := time.Now()
	sess, ok := s.sessions[gameID]
	if !ok {
		sess = session{player: player, startedAt: now}
	}
	sess.lastSeen = now
	s.sessions[gameID] = sess
	return nil
}

// AppendGameEvent appends a confirmed Intent to the game events log.
func (s *Store) AppendGameEvent(_ context.Context, in *types.Intent, blockNumber uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrUnavailable
	}
	s.events = append(s.events, gameEvent{intent: *cloneIntent(in), blockNumber: blockNumber})
	return nil
}

// UpsertLeaderboard records a confirmed game-over score, keeping the best
// score per player.
func (s *Store) UpsertLeaderboard(_ context.Context, player common.Address, username string, score uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrUnavailable
	}
	entry := s.leaders[player]
	if score > entry.bestScore {
		entry.bestScore = score
	}
	if username != "" {
		entry.username = username
	}
	entry.games++
	s.leaders[player] = entry
	return nil
}

// GameEventCount reports how many events the log holds. Test helper.
func (s *Store) GameEventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// BestScore returns the leaderboard entry for a player. Test helper.
func (s *Store) BestScore(player common.Address) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.leaders[player]
	return entry.bestScore, ok
}

// Ping verifies the store is open.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrUnavailable
	}
	return nil
}

// Close marks the store unavailable. Subsequent operations fail with
// ErrUnavailable, mirroring a lost database connection.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
