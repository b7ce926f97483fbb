// Package pgstore implements the durable queue store on PostgreSQL. Row
// locking and conditional updates enforce the intent state machine, and the
// recovery batch read uses FOR UPDATE SKIP LOCKED so concurrent recovery
// workers never claim the same rows.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hopchain/txdispatch/log"
	"github.com/hopchain/txdispatch/store"
)

const defaultOpTimeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS intents (
	id            BIGSERIAL PRIMARY KEY,
	player        TEXT        NOT NULL,
	game_id       TEXT        NOT NULL,
	kind          TEXT        NOT NULL CHECK (kind IN ('jump', 'gameover', 'setplayer')),
	score         BIGINT      NOT NULL DEFAULT 0,
	height        BIGINT      NOT NULL DEFAULT 0,
	username      TEXT        NOT NULL DEFAULT '',
	client_ts_ms  BIGINT      NOT NULL,
	status        TEXT        NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'sent', 'confirmed', 'failed')),
	hash          TEXT,
	account_index INTEGER,
	retries       INTEGER     NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS intents_pending_idx  ON intents (created_at)   WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS intents_sent_idx     ON intents (created_at)   WHERE status = 'sent';
CREATE INDEX IF NOT EXISTS intents_recovery_idx ON intents (client_ts_ms) WHERE status = 'failed';

CREATE TABLE IF NOT EXISTS sessions (
	game_id    TEXT PRIMARY KEY,
	player     TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_seen  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS game_events (
	id           BIGSERIAL PRIMARY KEY,
	intent_id    BIGINT NOT NULL,
	player       TEXT   NOT NULL,
	game_id      TEXT   NOT NULL,
	kind         TEXT   NOT NULL,
	score        BIGINT NOT NULL DEFAULT 0,
	height       BIGINT NOT NULL DEFAULT 0,
	block_number BIGINT NOT NULL DEFAULT 0,
	hash         TEXT   NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS leaderboard (
	player     TEXT PRIMARY KEY,
	username   TEXT   NOT NULL DEFAULT '',
	best_score BIGINT NOT NULL DEFAULT 0,
	games      BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Options tunes the connection pool. Zero values take defaults.
type Options struct {
	MaxConns  int32         // pool size, pgxpool default when 0
	OpTimeout time.Duration // per-operation deadline, 5s when 0
}

// Store is the PostgreSQL-backed queue store.
type Store struct {
	pool      *pgxpool.Pool
	opTimeout time.Duration
}

var _ store.Store = (*Store)(nil)

// New connects to the database at url, applies the schema and returns the
// store. The caller owns Close.
func New(ctx context.Context, url string, opts Options) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	if opts.MaxConns > 0 {
		poolCfg.MaxConns = opts.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect store: %w: %w", store.ErrUnavailable, err)
	}

	opTimeout := opts.OpTimeout
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	s := &Store{pool: pool, opTimeout: opTimeout}

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.pool.Ping(initCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping store: %w: %w", store.ErrUnavailable, err)
	}
	if _, err := s.pool.Exec(initCtx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", wrapErr(err))
	}
	log.Infow("queue store ready", "maxConns", poolCfg.MaxConns)
	return s, nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping store: %w: %w", store.ErrUnavailable, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// wrapErr maps low-level driver failures onto the store error taxonomy. A
// PgError means the server answered, so the store is reachable; anything
// else on the wire counts as unavailable.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
}
