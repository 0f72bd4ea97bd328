package trade

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"sprout/internal/db"
	"sprout/internal/ledger"
)

func newTestService(t *testing.T) (*Service, *pgxpool.Pool) {
	t.Helper()
	pool := db.NewTestPool(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(pool, logger, time.Minute), pool
}

func seedItem(t *testing.T, pool *pgxpool.Pool, userID, itemType string, amount int64) {
	t.Helper()
	if err := ledger.CreditItem(context.Background(), pool, userID, itemType, amount); err != nil {
		t.Fatalf("seed item: %v", err)
	}
}

func seedGold(t *testing.T, pool *pgxpool.Pool, userID string, amount int64) {
	t.Helper()
	if err := ledger.CreditCurrency(context.Background(), pool, userID, ledger.Gold, amount); err != nil {
		t.Fatalf("seed gold: %v", err)
	}
}

func openAccepted(t *testing.T, svc *Service, sender, receiver string) TradeView {
	t.Helper()
	ctx := context.Background()
	v, err := svc.CreateTradeRequest(ctx, CreateTradeInput{
		SenderID:       sender,
		ReceiverID:     receiver,
		IdempotencyKey: sender + "-" + receiver + "-open",
	})
	if err != nil {
		t.Fatalf("create trade: %v", err)
	}
	v, err = svc.AcceptTradeRequest(ctx, receiver, v.ID)
	if err != nil {
		t.Fatalf("accept trade: %v", err)
	}
	return v
}

func TestTradeLifecycleSettles(t *testing.T) {
	svc, pool := newTestService(t)
	ctx := context.Background()

	seedItem(t, pool, "alice", "FRUIT", 10)
	seedGold(t, pool, "bob", 100)

	v := openAccepted(t, svc, "alice", "bob")

	if _, err := svc.AddItem(ctx, ItemOfferInput{UserID: "alice", TradeID: v.ID, ItemType: "FRUIT", Amount: 10}); err != nil {
		t.Fatalf("add item: %v", err)
	}
	if _, err := svc.AddCurrency(ctx, CurrencyOfferInput{UserID: "bob", TradeID: v.ID, Currency: ledger.Gold, Amount: 100}); err != nil {
		t.Fatalf("add currency: %v", err)
	}

	res, err := svc.ConfirmTrade(ctx, "alice", v.ID)
	if err != nil {
		t.Fatalf("alice confirm: %v", err)
	}
	if res.Completed {
		t.Fatalf("trade must not settle on the first confirmation")
	}

	res, err = svc.ConfirmTrade(ctx, "bob", v.ID)
	if err != nil {
		t.Fatalf("bob confirm: %v", err)
	}
	if !res.Completed {
		t.Fatalf("trade must settle on the second confirmation")
	}
	if res.Trade.Status != StatusCompleted {
		t.Fatalf("status = %q, want completed", res.Trade.Status)
	}

	bobFruit, err := ledger.ItemBalance(ctx, pool, "bob", "FRUIT")
	if err != nil {
		t.Fatalf("bob balance: %v", err)
	}
	if bobFruit != 10 {
		t.Fatalf("bob FRUIT = %d, want 10", bobFruit)
	}
	aliceFruit, err := ledger.ItemBalance(ctx, pool, "alice", "FRUIT")
	if err != nil {
		t.Fatalf("alice balance: %v", err)
	}
	if aliceFruit != 0 {
		t.Fatalf("alice FRUIT = %d, want 0", aliceFruit)
	}
	aliceGold, err := ledger.CurrencyBalance(ctx, pool, "alice", ledger.Gold)
	if err != nil {
		t.Fatalf("alice gold: %v", err)
	}
	if aliceGold != 100 {
		t.Fatalf("alice gold = %d, want 100", aliceGold)
	}
	bobGold, err := ledger.CurrencyBalance(ctx, pool, "bob", ledger.Gold)
	if err != nil {
		t.Fatalf("bob gold: %v", err)
	}
	if bobGold != 0 {
		t.Fatalf("bob gold = %d, want 0", bobGold)
	}

	history, err := svc.TradeHistory(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history entries = %d, want 1", len(history))
	}
}

func TestAddItemRejectsOvercommit(t *testing.T) {
	svc, pool := newTestService(t)
	ctx := context.Background()

	seedItem(t, pool, "alice", "FRUIT", 10)
	v := openAccepted(t, svc, "alice", "bob")

	if _, err := svc.AddItem(ctx, ItemOfferInput{UserID: "alice", TradeID: v.ID, ItemType: "FRUIT", Amount: 15}); err != ledger.ErrInsufficientItems {
		t.Fatalf("expected ErrInsufficientItems, got %v", err)
	}

	view, err := svc.GetTrade(ctx, "alice", v.ID)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if len(view.SenderOffer.Items) != 0 {
		t.Fatalf("rejected commit must leave no entry")
	}

	// Committing in two steps past the balance fails the same way.
	if _, err := svc.AddItem(ctx, ItemOfferInput{UserID: "alice", TradeID: v.ID, ItemType: "FRUIT", Amount: 8}); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if _, err := svc.AddItem(ctx, ItemOfferInput{UserID: "alice", TradeID: v.ID, ItemType: "FRUIT", Amount: 8}); err != ledger.ErrInsufficientItems {
		t.Fatalf("expected ErrInsufficientItems on topped-up commit, got %v", err)
	}
}

func TestOneActiveTradePerPair(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateTradeRequest(ctx, CreateTradeInput{
		SenderID: "alice", ReceiverID: "bob", IdempotencyKey: "k1",
	}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	// Same pair from the other direction still collides.
	if _, err := svc.CreateTradeRequest(ctx, CreateTradeInput{
		SenderID: "bob", ReceiverID: "alice", IdempotencyKey: "k2",
	}); err != ErrActiveTradeExists {
		t.Fatalf("expected ErrActiveTradeExists, got %v", err)
	}
	// A different pair is unaffected.
	if _, err := svc.CreateTradeRequest(ctx, CreateTradeInput{
		SenderID: "alice", ReceiverID: "carol", IdempotencyKey: "k3",
	}); err != nil {
		t.Fatalf("different pair: %v", err)
	}
}

func TestDuplicateIdempotencyKey(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateTradeRequest(ctx, CreateTradeInput{
		SenderID: "alice", ReceiverID: "bob", IdempotencyKey: "same-key",
	}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := svc.CreateTradeRequest(ctx, CreateTradeInput{
		SenderID: "alice", ReceiverID: "carol", IdempotencyKey: "same-key",
	}); err != ErrDuplicateIdempotency {
		t.Fatalf("expected ErrDuplicateIdempotency, got %v", err)
	}
}

func TestOfferMutationResetsConfirmations(t *testing.T) {
	svc, pool := newTestService(t)
	ctx := context.Background()

	seedItem(t, pool, "alice", "FRUIT", 10)
	seedItem(t, pool, "bob", "STONE", 5)
	v := openAccepted(t, svc, "alice", "bob")

	if _, err := svc.AddItem(ctx, ItemOfferInput{UserID: "alice", TradeID: v.ID, ItemType: "FRUIT", Amount: 3}); err != nil {
		t.Fatalf("alice add: %v", err)
	}
	if _, err := svc.ConfirmTrade(ctx, "alice", v.ID); err != nil {
		t.Fatalf("alice confirm: %v", err)
	}

	view, err := svc.AddItem(ctx, ItemOfferInput{UserID: "bob", TradeID: v.ID, ItemType: "STONE", Amount: 2})
	if err != nil {
		t.Fatalf("bob add: %v", err)
	}
	if view.SenderConfirmed || view.ReceiverConfirmed {
		t.Fatalf("offer change must void both confirmations, got sender=%t receiver=%t",
			view.SenderConfirmed, view.ReceiverConfirmed)
	}
}

func TestUnconfirmClearsOwnFlagOnly(t *testing.T) {
	svc, pool := newTestService(t)
	ctx := context.Background()

	seedItem(t, pool, "alice", "FRUIT", 1)
	v := openAccepted(t, svc, "alice", "bob")

	if _, err := svc.AddItem(ctx, ItemOfferInput{UserID: "alice", TradeID: v.ID, ItemType: "FRUIT", Amount: 1}); err != nil {
		t.Fatalf("add item: %v", err)
	}
	if _, err := svc.ConfirmTrade(ctx, "alice", v.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	view, err := svc.UnconfirmTrade(ctx, "alice", v.ID)
	if err != nil {
		t.Fatalf("unconfirm: %v", err)
	}
	if view.SenderConfirmed {
		t.Fatalf("sender flag must be cleared")
	}
	if view.Status != StatusAccepted {
		t.Fatalf("status = %q, want accepted", view.Status)
	}
}

func TestAcceptExpiredRequest(t *testing.T) {
	svc, pool := newTestService(t)
	ctx := context.Background()

	v, err := svc.CreateTradeRequest(ctx, CreateTradeInput{
		SenderID: "alice", ReceiverID: "bob", IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		UPDATE game.trades SET expires_at = now() - interval '1 minute' WHERE id = $1
	`, v.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	if _, err := svc.AcceptTradeRequest(ctx, "bob", v.ID); err != ErrTradeExpired {
		t.Fatalf("expected ErrTradeExpired, got %v", err)
	}
	view, err := svc.GetTrade(ctx, "bob", v.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Status != StatusExpired {
		t.Fatalf("status = %q, want expired", view.Status)
	}

	// The expired session no longer blocks the pair.
	if _, err := svc.CreateTradeRequest(ctx, CreateTradeInput{
		SenderID: "alice", ReceiverID: "bob", IdempotencyKey: "k2",
	}); err != nil {
		t.Fatalf("re-open pair: %v", err)
	}
}

func TestSettlementAbortsWhenBalanceDrained(t *testing.T) {
	svc, pool := newTestService(t)
	ctx := context.Background()

	seedItem(t, pool, "alice", "FRUIT", 10)
	v := openAccepted(t, svc, "alice", "bob")

	if _, err := svc.AddItem(ctx, ItemOfferInput{UserID: "alice", TradeID: v.ID, ItemType: "FRUIT", Amount: 10}); err != nil {
		t.Fatalf("add item: %v", err)
	}
	if _, err := svc.ConfirmTrade(ctx, "alice", v.ID); err != nil {
		t.Fatalf("alice confirm: %v", err)
	}

	// Alice's inventory shrinks after she confirmed.
	if _, err := pool.Exec(ctx, `
		UPDATE game.inventories SET amount = 2 WHERE user_id = 'alice' AND item_type = 'FRUIT'
	`); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if _, err := svc.ConfirmTrade(ctx, "bob", v.ID); err != ledger.ErrInsufficientItems {
		t.Fatalf("expected ErrInsufficientItems, got %v", err)
	}

	view, err := svc.GetTrade(ctx, "bob", v.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Status != StatusAccepted {
		t.Fatalf("aborted settlement must keep the session accepted, got %q", view.Status)
	}
	if view.SenderConfirmed || view.ReceiverConfirmed {
		t.Fatalf("aborted settlement must clear both confirmations")
	}

	bobFruit, err := ledger.ItemBalance(ctx, pool, "bob", "FRUIT")
	if err != nil {
		t.Fatalf("bob balance: %v", err)
	}
	if bobFruit != 0 {
		t.Fatalf("no partial transfer allowed, bob FRUIT = %d", bobFruit)
	}
}

func TestCancelTrade(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	v, err := svc.CreateTradeRequest(ctx, CreateTradeInput{
		SenderID: "alice", ReceiverID: "bob", IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	view, err := svc.CancelTrade(ctx, "bob", v.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if view.Status != StatusCancelled {
		t.Fatalf("status = %q, want cancelled", view.Status)
	}
	if _, err := svc.CancelTrade(ctx, "alice", v.ID); err != ErrTradeClosed {
		t.Fatalf("expected ErrTradeClosed, got %v", err)
	}
	if _, err := svc.CancelTrade(ctx, "carol", v.ID); err != ErrNotParty {
		t.Fatalf("expected ErrNotParty for outsider, got %v", err)
	}
}

func TestAcceptRequiresReceiver(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	v, err := svc.CreateTradeRequest(ctx, CreateTradeInput{
		SenderID: "alice", ReceiverID: "bob", IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.AcceptTradeRequest(ctx, "alice", v.ID); err != ErrNotReceiver {
		t.Fatalf("expected ErrNotReceiver, got %v", err)
	}
	if _, err := svc.AcceptTradeRequest(ctx, "carol", v.ID); err != ErrNotParty {
		t.Fatalf("expected ErrNotParty, got %v", err)
	}
}

func TestExpireStaleSweep(t *testing.T) {
	svc, pool := newTestService(t)
	ctx := context.Background()

	v, err := svc.CreateTradeRequest(ctx, CreateTradeInput{
		SenderID: "alice", ReceiverID: "bob", IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	accepted := openAccepted(t, svc, "carol", "dave")

	if _, err := pool.Exec(ctx, `
		UPDATE game.trades SET expires_at = now() - interval '1 minute'
	`); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	n, err := svc.ExpireStale(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("swept %d sessions, want 2", n)
	}

	for _, tc := range []struct {
		user string
		id   int64
	}{{"alice", v.ID}, {"carol", accepted.ID}} {
		view, err := svc.GetTrade(ctx, tc.user, tc.id)
		if err != nil {
			t.Fatalf("get %d: %v", tc.id, err)
		}
		if view.Status != StatusExpired {
			t.Fatalf("trade %d status = %q, want expired", tc.id, view.Status)
		}
	}
}
