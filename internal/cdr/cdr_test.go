package cdr_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/javierd009/agente-portero-sub000/internal/cdr"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if PORTERO_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("PORTERO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PORTERO_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh store against a clean call_records table and
// registers cleanup to close it.
func newTestStore(t *testing.T) *cdr.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS call_records"); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	store, err := cdr.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestDisabledStore_AllOperationsSucceed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store, err := cdr.NewStore(ctx, "")
	if err != nil {
		t.Fatalf("NewStore with empty DSN: %v", err)
	}
	defer store.Close()

	if store.Enabled() {
		t.Error("Enabled() = true for store with empty DSN, want false")
	}
	if err := store.Begin(ctx, "chan-1", "10.0.0.1:4573", time.Now()); err != nil {
		t.Errorf("Begin on disabled store: %v", err)
	}
	if err := store.Finish(ctx, "chan-1", "hangup", 10, 20, 0, time.Now()); err != nil {
		t.Errorf("Finish on disabled store: %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping on disabled store: %v", err)
	}
}

func TestNilStore_AllOperationsSucceed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var store *cdr.Store
	if store.Enabled() {
		t.Error("Enabled() = true for nil store, want false")
	}
	if err := store.Begin(ctx, "chan-1", "", time.Now()); err != nil {
		t.Errorf("Begin on nil store: %v", err)
	}
	if err := store.Finish(ctx, "chan-1", "hangup", 0, 0, 0, time.Now()); err != nil {
		t.Errorf("Finish on nil store: %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping on nil store: %v", err)
	}
}

func TestNewStore_InvalidDSN(t *testing.T) {
	t.Parallel()

	if _, err := cdr.NewStore(context.Background(), "not a dsn ://"); err == nil {
		t.Fatal("NewStore with malformed DSN succeeded, want error")
	}
}

func TestBeginFinish_Roundtrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Millisecond)
	if err := store.Begin(ctx, "chan-42", "10.0.0.1:4573", started); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	ended := started.Add(90 * time.Second)
	if err := store.Finish(ctx, "chan-42", "hangup", 4500, 4400, 3, ended); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	pool, err := pgxpool.New(ctx, testDSN(t))
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	defer pool.Close()

	var (
		reason              string
		framesIn, framesOut int64
		drops               int64
		endedAt             time.Time
	)
	row := pool.QueryRow(ctx,
		"SELECT reason, frames_in, frames_out, queue_drops, ended_at FROM call_records WHERE channel_id = $1",
		"chan-42")
	if err := row.Scan(&reason, &framesIn, &framesOut, &drops, &endedAt); err != nil {
		t.Fatalf("scan record: %v", err)
	}
	if reason != "hangup" {
		t.Errorf("reason = %q, want %q", reason, "hangup")
	}
	if framesIn != 4500 || framesOut != 4400 || drops != 3 {
		t.Errorf("counters = (%d, %d, %d), want (4500, 4400, 3)", framesIn, framesOut, drops)
	}
	if !endedAt.UTC().Truncate(time.Millisecond).Equal(ended) {
		t.Errorf("ended_at = %v, want %v", endedAt, ended)
	}
}

func TestFinish_UnknownChannelIsNotAnError(t *testing.T) {
	store := newTestStore(t)

	if err := store.Finish(context.Background(), "never-began", "hangup", 0, 0, 0, time.Now()); err != nil {
		t.Fatalf("Finish for unknown channel: %v", err)
	}
}
