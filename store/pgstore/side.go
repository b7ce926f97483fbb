package pgstore

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hopchain/txdispatch/types"
)

// TouchSession upserts the heartbeat row for a game session.
func (s *Store) TouchSession(ctx context.Context, gameID string, player common.Address) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (game_id, player, last_seen)
		VALUES ($1, $2, NOW())
		ON CONFLICT (game_id) DO UPDATE SET last_seen = NOW()`,
		gameID, types.AddressHex(player))
	if err != nil {
		return fmt.Errorf("touch session %s: %w", gameID, wrapErr(err))
	}
	return nil
}

// AppendGameEvent appends a confirmed Intent to the game events log.
func (s *Store) AppendGameEvent(ctx context.Context, in *types.Intent, blockNumber uint64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO game_events (intent_id, player, game_id, kind, score, height, block_number, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		in.ID, types.AddressHex(in.Player), in.GameID, string(in.Kind),
		in.Score, in.Height, blockNumber, in.Hash.String())
	if err != nil {
		return fmt.Errorf("append game event %d: %w", in.ID, wrapErr(err))
	}
	return nil
}

// UpsertLeaderboard records a confirmed game-over score, keeping the best
// score per player and counting played games.
func (s *Store) UpsertLeaderboard(ctx context.Context, player common.Address, username string, score uint64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO leaderboard (player, username, best_score, games, updated_at)
		VALUES ($1, $2, $3, 1, NOW())
		ON CONFLICT (player) DO UPDATE SET
			best_score = GREATEST(leaderboard.best_score, EXCLUDED.best_score),
			username   = CASE WHEN EXCLUDED.username <> '' THEN EXCLUDED.username ELSE leaderboard.username END,
			games      = leaderboard.games + 1,
			updated_at = NOW()`,
		types.AddressHex(player), username, int64(score))
	if err != nil {
		return fmt.Errorf("upsert leaderboard %s: %w", types.AddressHex(player), wrapErr(err))
	}
	return nil
}
