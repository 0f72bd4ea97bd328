package db

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewTestPool connects to the database named by SPROUT_TEST_DATABASE_URL,
// applies the schema and truncates all game tables. Tests that need a real
// database are skipped when the variable is unset.
func NewTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	url := strings.TrimSpace(os.Getenv("SPROUT_TEST_DATABASE_URL"))
	if url == "" {
		t.Skip("SPROUT_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := Connect(ctx, url)
	if err != nil {
		t.Fatalf("connect test database: %v", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("migrate test database: %v", err)
	}
	_, err = pool.Exec(ctx, `
		TRUNCATE game.wallets, game.inventories, game.trade_items,
		         game.trade_currencies, game.trades, game.listings,
		         game.trade_logs, game.idempotency_keys
		RESTART IDENTITY CASCADE
	`)
	if err != nil {
		pool.Close()
		t.Fatalf("truncate test database: %v", err)
	}

	t.Cleanup(pool.Close)
	return pool
}
