// Package cdr persists call detail records to PostgreSQL.
//
// A record is opened when a telephony connection completes its handshake and
// closed when the call ends, capturing the disconnect reason and the frame
// counters accumulated during the call. The store is optional: constructing
// it with an empty DSN yields a disabled store whose methods are no-ops, so
// callers never need to branch on whether CDR persistence is configured.
package cdr

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCallRecords = `
CREATE TABLE IF NOT EXISTS call_records (
    id           BIGSERIAL    PRIMARY KEY,
    channel_id   TEXT         NOT NULL,
    remote_addr  TEXT         NOT NULL DEFAULT '',
    started_at   TIMESTAMPTZ  NOT NULL,
    ended_at     TIMESTAMPTZ,
    reason       TEXT         NOT NULL DEFAULT '',
    frames_in    BIGINT       NOT NULL DEFAULT 0,
    frames_out   BIGINT       NOT NULL DEFAULT 0,
    queue_drops  BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_call_records_channel_id
    ON call_records (channel_id);

CREATE INDEX IF NOT EXISTS idx_call_records_started_at
    ON call_records (started_at DESC);
`

const (
	queryBeginCall = `
INSERT INTO call_records (channel_id, remote_addr, started_at)
VALUES ($1, $2, $3)`

	queryFinishCall = `
UPDATE call_records
SET ended_at = $1, reason = $2, frames_in = $3, frames_out = $4, queue_drops = $5
WHERE channel_id = $6 AND ended_at IS NULL`
)

// Store writes call detail records to a PostgreSQL database. All operations
// are safe for concurrent use.
//
// A disabled Store (constructed with an empty DSN) is valid: every method
// succeeds without touching a database.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the PostgreSQL database at dsn, verifies the
// connection and ensures the call_records table exists.
//
// An empty dsn disables persistence entirely and returns a no-op store.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return &Store{}, nil
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("cdr: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("cdr: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cdr: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, ddlCallRecords); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cdr: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Enabled reports whether the store persists records. It is false for stores
// constructed with an empty DSN.
func (s *Store) Enabled() bool {
	return s != nil && s.pool != nil
}

// Begin opens a call record for channelID. remoteAddr is the peer address of
// the telephony connection.
func (s *Store) Begin(ctx context.Context, channelID, remoteAddr string, startedAt time.Time) error {
	if !s.Enabled() {
		return nil
	}
	if _, err := s.pool.Exec(ctx, queryBeginCall, channelID, remoteAddr, startedAt); err != nil {
		return fmt.Errorf("cdr: begin call %q: %w", channelID, err)
	}
	return nil
}

// Finish closes the open call record for channelID, recording the disconnect
// reason and the frame counters accumulated during the call. Finishing a
// channel with no open record is not an error.
func (s *Store) Finish(ctx context.Context, channelID, reason string, framesIn, framesOut, queueDrops uint64, endedAt time.Time) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.pool.Exec(ctx, queryFinishCall,
		endedAt, reason, int64(framesIn), int64(framesOut), int64(queueDrops), channelID)
	if err != nil {
		return fmt.Errorf("cdr: finish call %q: %w", channelID, err)
	}
	return nil
}

// Ping verifies database connectivity. It always succeeds on a disabled store.
func (s *Store) Ping(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("cdr: ping: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool. It is safe to call on a
// disabled store.
func (s *Store) Close() {
	if s.Enabled() {
		s.pool.Close()
	}
}
