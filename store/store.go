// Package store defines the durable queue store contract. The store is the
// system of record for every Intent: components coordinate exclusively
// through its atomic status transitions, never through in-process state.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hopchain/txdispatch/types"
)

var (
	// ErrNotFound is returned when the referenced Intent does not exist.
	ErrNotFound = errors.New("intent not found")
	// ErrUnavailable is returned on connectivity loss. Callers treat it as
	// transient and back off; admission surfaces it to the client.
	ErrUnavailable = errors.New("queue store unavailable")
	// ErrBadTransition is returned when a status change would violate the
	// intent state machine.
	ErrBadTransition = errors.New("illegal intent status transition")
)

// HousekeepingResult reports what a housekeeping pass changed.
type HousekeepingResult struct {
	PromotedStale  int64 // pending rows older than the stale threshold, now failed
	FailedDropped  int64 // sent rows past the threshold with no receipt, now failed
	DeletedExpired int64 // terminal rows older than the retention window, removed
}

// Store is the durable queue. All operations are safe for concurrent use and
// idempotent on replay. Implementations apply their own per-operation
// deadline on top of the caller context.
type Store interface {
	// Insert persists a new pending Intent and returns its monotonic id.
	Insert(ctx context.Context, in *types.Intent) (uint64, error)

	// MarkSent records the first successful chain submission. Allowed from
	// pending, and from failed for the recovery path.
	MarkSent(ctx context.Context, id uint64, hash common.Hash, accountIndex uint32) error

	// MarkFailed moves a non-terminal Intent to failed and increments its
	// retry counter.
	MarkFailed(ctx context.Context, id uint64) error

	// MarkConfirmed finalizes a sent Intent according to its receipt. Target
	// must be confirmed or failed.
	MarkConfirmed(ctx context.Context, id uint64, target types.Status) error

	// BumpRetries increments the retry counter without touching status. Used
	// by recovery when another attempt failed.
	BumpRetries(ctx context.Context, id uint64) error

	// Get returns one Intent by id.
	Get(ctx context.Context, id uint64) (*types.Intent, error)

	// CountPending returns the number of pending rows.
	CountPending(ctx context.Context) (uint64, error)

	// ListSent returns up to limit sent rows, oldest first, for the
	// confirmation watcher.
	ListSent(ctx context.Context, limit int) ([]*types.Intent, error)

	// ListPending returns up to limit pending rows, oldest first. The
	// dispatcher uses it to reload queued work after a restart and to pick
	// up rows whose scheduling was deferred.
	ListPending(ctx context.Context, limit int) ([]*types.Intent, error)

	// NextRecoveryBatch returns up to limit failed rows with
	// retries < maxRetries and client_ts_ms > ageCutoffMs, oldest client
	// timestamp first. The read is skip-locked so concurrent recovery
	// workers do not collide on the same rows.
	NextRecoveryBatch(ctx context.Context, limit int, maxRetries uint32, ageCutoffMs int64) ([]*types.Intent, error)

	// Housekeeping corrects rows the loops cannot reach on their own: pending
	// rows older than stale become failed, sent rows older than stale whose
	// receipts never arrived become failed so recovery resubmits them, and
	// terminal rows older than retention are deleted.
	Housekeeping(ctx context.Context, stale, retention time.Duration) (HousekeepingResult, error)

	// TouchSession refreshes the heartbeat row for a game session.
	TouchSession(ctx context.Context, gameID string, player common.Address) error

	// AppendGameEvent appends a confirmed Intent to the game events log.
	AppendGameEvent(ctx context.Context, in *types.Intent, blockNumber uint64) error

	// UpsertLeaderboard records a confirmed game-over score, keeping the
	// best score per player.
	UpsertLeaderboard(ctx context.Context, player common.Address, username string, score uint64) error

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying resources.
	Close()
}
