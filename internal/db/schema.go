package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is applied with IF NOT EXISTS guards so Migrate is safe to run on
// every startup.
const Schema = `
CREATE SCHEMA IF NOT EXISTS game;

CREATE TABLE IF NOT EXISTS game.wallets (
	user_id    text PRIMARY KEY,
	gold       bigint NOT NULL DEFAULT 0 CHECK (gold >= 0),
	gems       bigint NOT NULL DEFAULT 0 CHECK (gems >= 0),
	updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS game.inventories (
	user_id    text NOT NULL,
	item_type  text NOT NULL,
	amount     bigint NOT NULL CHECK (amount >= 0),
	updated_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, item_type)
);

CREATE TABLE IF NOT EXISTS game.trades (
	id                 bigserial PRIMARY KEY,
	sender_id          text NOT NULL,
	receiver_id        text NOT NULL,
	pair_key           text NOT NULL,
	status             text NOT NULL DEFAULT 'pending',
	sender_confirmed   boolean NOT NULL DEFAULT false,
	receiver_confirmed boolean NOT NULL DEFAULT false,
	expires_at         timestamptz NOT NULL,
	created_at         timestamptz NOT NULL DEFAULT now(),
	updated_at         timestamptz NOT NULL DEFAULT now(),
	CHECK (sender_id <> receiver_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS trades_active_pair_idx
	ON game.trades (pair_key)
	WHERE status IN ('pending', 'accepted');

CREATE TABLE IF NOT EXISTS game.trade_items (
	trade_id  bigint NOT NULL REFERENCES game.trades (id),
	owner_id  text NOT NULL,
	item_type text NOT NULL,
	amount    bigint NOT NULL CHECK (amount > 0),
	PRIMARY KEY (trade_id, owner_id, item_type)
);

CREATE TABLE IF NOT EXISTS game.trade_currencies (
	trade_id bigint NOT NULL REFERENCES game.trades (id),
	owner_id text NOT NULL,
	currency text NOT NULL,
	amount   bigint NOT NULL CHECK (amount > 0),
	PRIMARY KEY (trade_id, owner_id, currency)
);

CREATE TABLE IF NOT EXISTS game.listings (
	id         bigserial PRIMARY KEY,
	seller_id  text NOT NULL,
	item_type  text NOT NULL,
	amount     bigint NOT NULL CHECK (amount > 0),
	price_gold bigint CHECK (price_gold > 0),
	price_gem  bigint CHECK (price_gem > 0),
	status     text NOT NULL DEFAULT 'active',
	buyer_id   text,
	sold_at    timestamptz,
	created_at timestamptz NOT NULL DEFAULT now(),
	CHECK (price_gold IS NOT NULL OR price_gem IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS listings_active_idx
	ON game.listings (item_type, created_at)
	WHERE status = 'active';

CREATE TABLE IF NOT EXISTS game.trade_logs (
	id         bigserial PRIMARY KEY,
	kind       text NOT NULL,
	party_a    text NOT NULL,
	party_b    text NOT NULL,
	detail     jsonb NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS trade_logs_party_idx
	ON game.trade_logs (party_a, created_at DESC);

CREATE TABLE IF NOT EXISTS game.idempotency_keys (
	user_id    text NOT NULL,
	key        text NOT NULL,
	action     text NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, key)
);
`

func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
