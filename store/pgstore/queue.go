package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/hopchain/txdispatch/store"
	"github.com/hopchain/txdispatch/types"
)

const intentColumns = `id, player, game_id, kind, score, height, username,
	client_ts_ms, status, hash, account_index, retries, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row rowScanner) (*types.Intent, error) {
	var (
		in           types.Intent
		player       string
		kind, status string
		hash         *string
		accountIndex *int32
	)
	err := row.Scan(&in.ID, &player, &in.GameID, &kind, &in.Score, &in.Height,
		&in.Username, &in.ClientTsMs, &status, &hash, &accountIndex,
		&in.Retries, &in.CreatedAt)
	if err != nil {
		return nil, err
	}
	in.Player = common.HexToAddress(player)
	in.Kind = types.Kind(kind)
	in.Status = types.Status(status)
	if hash != nil && *hash != "" {
		in.Hash = common.HexToHash(*hash).Bytes()
	}
	in.AccountIndex = types.UnassignedAccount
	if accountIndex != nil {
		in.AccountIndex = *accountIndex
	}
	return &in, nil
}

// Insert persists a new pending Intent and returns its id.
func (s *Store) Insert(ctx context.Context, in *types.Intent) (uint64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var id uint64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO intents (player, game_id, kind, score, height, username, client_ts_ms, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		RETURNING id`,
		types.AddressHex(in.Player), in.GameID, string(in.Kind),
		in.Score, in.Height, in.Username, in.ClientTsMs,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert intent: %w", wrapErr(err))
	}
	return id, nil
}

// Get returns one Intent by id.
func (s *Store) Get(ctx context.Context, id uint64) (*types.Intent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	in, err := scanIntent(s.pool.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM intents WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get intent %d: %w", id, wrapErr(err))
	}
	return in, nil
}

func (s *Store) currentStatus(ctx context.Context, id uint64) (types.Status, error) {
	var status string
	if err := s.pool.QueryRow(ctx,
		`SELECT status FROM intents WHERE id = $1`, id).Scan(&status); err != nil {
		return "", wrapErr(err)
	}
	return types.Status(status), nil
}

// MarkSent records the first successful chain submission. Allowed from
// pending, and from failed for the recovery path. Replays with the same hash
// are no-ops.
func (s *Store) MarkSent(ctx context.Context, id uint64, hash common.Hash, accountIndex uint32) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE intents SET status = 'sent', hash = $2, account_index = $3
		WHERE id = $1
		  AND (status IN ('pending', 'failed') OR (status = 'sent' AND hash = $2))`,
		id, hash.Hex(), int32(accountIndex))
	if err != nil {
		return fmt.Errorf("mark sent %d: %w", id, wrapErr(err))
	}
	if tag.RowsAffected() == 0 {
		cur, err := s.currentStatus(ctx, id)
		if err != nil {
			return fmt.Errorf("mark sent %d: %w", id, err)
		}
		return fmt.Errorf("mark sent %d from %s: %w", id, cur, store.ErrBadTransition)
	}
	return nil
}

// MarkFailed moves a non-terminal Intent to failed and increments retries.
// Replaying against an already failed row is a no-op.
func (s *Store) MarkFailed(ctx context.Context, id uint64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE intents SET status = 'failed', retries = retries + 1
		WHERE id = $1 AND status IN ('pending', 'sent')`, id)
	if err != nil {
		return fmt.Errorf("mark failed %d: %w", id, wrapErr(err))
	}
	if tag.RowsAffected() == 0 {
		cur, err := s.currentStatus(ctx, id)
		if err != nil {
			return fmt.Errorf("mark failed %d: %w", id, err)
		}
		if cur == types.StatusFailed {
			return nil
		}
		return fmt.Errorf("mark failed %d from %s: %w", id, cur, store.ErrBadTransition)
	}
	return nil
}

// MarkConfirmed finalizes a sent Intent according to its receipt. A failed
// receipt counts against the retry budget.
func (s *Store) MarkConfirmed(ctx context.Context, id uint64, target types.Status) error {
	if target != types.StatusConfirmed && target != types.StatusFailed {
		return fmt.Errorf("mark confirmed %d to %s: %w", id, target, store.ErrBadTransition)
	}
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		UPDATE intents
		SET status = $2,
		    retries = retries + CASE WHEN $2 = 'failed' THEN 1 ELSE 0 END
		WHERE id = $1 AND status = 'sent'`, id, string(target))
	if err != nil {
		return fmt.Errorf("mark confirmed %d: %w", id, wrapErr(err))
	}
	if tag.RowsAffected() == 0 {
		cur, err := s.currentStatus(ctx, id)
		if err != nil {
			return fmt.Errorf("mark confirmed %d: %w", id, err)
		}
		if cur == target {
			return nil
		}
		return fmt.Errorf("mark confirmed %d from %s: %w", id, cur, store.ErrBadTransition)
	}
	return nil
}

// BumpRetries increments the retry counter without touching status.
func (s *Store) BumpRetries(ctx context.Context, id uint64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tag, err := s.pool.Exec(ctx,
		`UPDATE intents SET retries = retries + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("bump retries %d: %w", id, wrapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bump retries %d: %w", id, store.ErrNotFound)
	}
	return nil
}

// CountPending returns the number of pending rows.
func (s *Store) CountPending(ctx context.Context) (uint64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var count uint64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM intents WHERE status = 'pending'`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending: %w", wrapErr(err))
	}
	return count, nil
}

// ListSent returns up to limit sent rows, oldest first.
func (s *Store) ListSent(ctx context.Context, limit int) ([]*types.Intent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT `+intentColumns+` FROM intents
		WHERE status = 'sent'
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sent: %w", wrapErr(err))
	}
	defer rows.Close()
	return collectIntents(rows)
}

// ListPending returns up to limit pending rows, oldest first.
func (s *Store) ListPending(ctx context.Context, limit int) ([]*types.Intent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT `+intentColumns+` FROM intents
		WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", wrapErr(err))
	}
	defer rows.Close()
	return collectIntents(rows)
}

// NextRecoveryBatch selects failed rows eligible for another attempt. The
// skip-locked read keeps concurrent recovery workers off each other's rows
// while their selections overlap.
func (s *Store) NextRecoveryBatch(ctx context.Context, limit int, maxRetries uint32, ageCutoffMs int64) ([]*types.Intent, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("recovery batch: %w", wrapErr(err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx, `
		SELECT `+intentColumns+` FROM intents
		WHERE status = 'failed' AND retries < $2 AND client_ts_ms > $3
		ORDER BY client_ts_ms ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit, int64(maxRetries), ageCutoffMs)
	if err != nil {
		return nil, fmt.Errorf("recovery batch: %w", wrapErr(err))
	}
	batch, err := collectIntents(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("recovery batch: %w", wrapErr(err))
	}
	return batch, nil
}

func collectIntents(rows pgx.Rows) ([]*types.Intent, error) {
	out := []*types.Intent{}
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan intent: %w", wrapErr(err))
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate intents: %w", wrapErr(err))
	}
	return out, nil
}

// Housekeeping promotes stale pending rows to failed, fails sent rows whose
// transactions vanished from the chain, and deletes expired terminal rows.
// A dropped sent row burns one retry for its lost attempt; a promoted
// pending row never attempted anything, so its budget stays whole.
func (s *Store) Housekeeping(ctx context.Context, stale, retention time.Duration) (store.HousekeepingResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var res store.HousekeepingResult
	tag, err := s.pool.Exec(ctx, `
		UPDATE intents SET status = 'failed'
		WHERE status = 'pending' AND created_at < NOW() - $1::interval`,
		pgInterval(stale))
	if err != nil {
		return res, fmt.Errorf("promote stale pending: %w", wrapErr(err))
	}
	res.PromotedStale = tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, `
		UPDATE intents SET status = 'failed', retries = retries + 1
		WHERE status = 'sent' AND created_at < NOW() - $1::interval`,
		pgInterval(stale))
	if err != nil {
		return res, fmt.Errorf("fail dropped sent: %w", wrapErr(err))
	}
	res.FailedDropped = tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, `
		DELETE FROM intents
		WHERE status IN ('confirmed', 'failed') AND created_at < NOW() - $1::interval`,
		pgInterval(retention))
	if err != nil {
		return res, fmt.Errorf("delete expired: %w", wrapErr(err))
	}
	res.DeletedExpired = tag.RowsAffected()
	return res, nil
}

func pgInterval(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}
