package market

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"sprout/internal/db"
	"sprout/internal/ledger"
)

func newTestService(t *testing.T) (*Service, *pgxpool.Pool) {
	t.Helper()
	pool := db.NewTestPool(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(pool, logger), pool
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

func goldPrice(v int64) *int64 { return &v }

func TestCreateListingValidation(t *testing.T) {
	svc := NewService(nil, nil)
	ctx := context.Background()

	if _, err := svc.CreateListing(ctx, CreateListingInput{
		SellerID: "seller", ItemType: "SEED_RARE", Amount: 5,
	}); err != ErrNoPrice {
		t.Fatalf("expected ErrNoPrice, got %v", err)
	}
	if _, err := svc.CreateListing(ctx, CreateListingInput{
		SellerID: "seller", ItemType: "seed", Amount: 5, PriceGold: goldPrice(100),
	}); err != ledger.ErrInvalidItemType {
		t.Fatalf("expected ErrInvalidItemType, got %v", err)
	}
	if _, err := svc.CreateListing(ctx, CreateListingInput{
		SellerID: "seller", ItemType: "SEED_RARE", Amount: 0, PriceGold: goldPrice(100),
	}); err != ledger.ErrInvalidAmount {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := svc.CreateListing(ctx, CreateListingInput{
		SellerID: "seller", ItemType: "SEED_RARE", Amount: 5, PriceGold: goldPrice(-1),
	}); err != ledger.ErrInvalidAmount {
		t.Fatalf("expected ErrInvalidAmount for negative price, got %v", err)
	}
}

func TestListingEscrowAndBuy(t *testing.T) {
	svc, pool := newTestService(t)
	ctx := context.Background()

	seedItem(t, pool, "seller", "SEED_RARE", 5)
	seedGold(t, pool, "buyer", 100)

	listing, err := svc.CreateListing(ctx, CreateListingInput{
		SellerID: "seller", ItemType: "SEED_RARE", Amount: 5,
		PriceGold: goldPrice(100), IdempotencyKey: "list-1",
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	// Items left the seller's inventory at listing time.
	sellerItems, err := ledger.ItemBalance(ctx, pool, "seller", "SEED_RARE")
	if err != nil {
		t.Fatalf("seller balance: %v", err)
	}
	if sellerItems != 0 {
		t.Fatalf("seller SEED_RARE = %d, want 0 (escrowed)", sellerItems)
	}

	bought, err := svc.BuyListing(ctx, BuyListingInput{
		BuyerID: "buyer", ListingID: listing.ID, IdempotencyKey: "buy-1",
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if bought.Status != StatusSold {
		t.Fatalf("status = %q, want sold", bought.Status)
	}
	if bought.BuyerID == nil || *bought.BuyerID != "buyer" {
		t.Fatalf("buyer not recorded on listing")
	}

	buyerItems, err := ledger.ItemBalance(ctx, pool, "buyer", "SEED_RARE")
	if err != nil {
		t.Fatalf("buyer items: %v", err)
	}
	if buyerItems != 5 {
		t.Fatalf("buyer SEED_RARE = %d, want 5", buyerItems)
	}
	buyerGold, err := ledger.CurrencyBalance(ctx, pool, "buyer", ledger.Gold)
	if err != nil {
		t.Fatalf("buyer gold: %v", err)
	}
	if buyerGold != 0 {
		t.Fatalf("buyer gold = %d, want 0", buyerGold)
	}
	sellerGold, err := ledger.CurrencyBalance(ctx, pool, "seller", ledger.Gold)
	if err != nil {
		t.Fatalf("seller gold: %v", err)
	}
	if sellerGold != 100 {
		t.Fatalf("seller gold = %d, want 100", sellerGold)
	}
}

func TestCancelRestoresEscrow(t *testing.T) {
	svc, pool := newTestService(t)
	ctx := context.Background()

	seedItem(t, pool, "seller", "SEED_RARE", 5)
	listing, err := svc.CreateListing(ctx, CreateListingInput{
		SellerID: "seller", ItemType: "SEED_RARE", Amount: 5,
		PriceGold: goldPrice(100), IdempotencyKey: "list-1",
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	if _, err := svc.CancelListing(ctx, "other", listing.ID); err != ErrNotSeller {
		t.Fatalf("expected ErrNotSeller, got %v", err)
	}

	view, err := svc.CancelListing(ctx, "seller", listing.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if view.Status != StatusCancelled {
		t.Fatalf("status = %q, want cancelled", view.Status)
	}

	sellerItems, err := ledger.ItemBalance(ctx, pool, "seller", "SEED_RARE")
	if err != nil {
		t.Fatalf("seller balance: %v", err)
	}
	if sellerItems != 5 {
		t.Fatalf("seller SEED_RARE = %d, want 5 back from escrow", sellerItems)
	}

	if _, err := svc.CancelListing(ctx, "seller", listing.ID); err != ErrListingClosed {
		t.Fatalf("second cancel: expected ErrListingClosed, got %v", err)
	}
}

func TestDoubleBuyRejected(t *testing.T) {
	svc, pool := newTestService(t)
	ctx := context.Background()

	seedItem(t, pool, "seller", "SEED_RARE", 1)
	seedGold(t, pool, "first", 50)
	seedGold(t, pool, "second", 50)

	listing, err := svc.CreateListing(ctx, CreateListingInput{
		SellerID: "seller", ItemType: "SEED_RARE", Amount: 1,
		PriceGold: goldPrice(50), IdempotencyKey: "list-1",
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	if _, err := svc.BuyListing(ctx, BuyListingInput{
		BuyerID: "first", ListingID: listing.ID, IdempotencyKey: "buy-1",
	}); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	if _, err := svc.BuyListing(ctx, BuyListingInput{
		BuyerID: "second", ListingID: listing.ID, IdempotencyKey: "buy-2",
	}); err != ErrListingClosed {
		t.Fatalf("expected ErrListingClosed, got %v", err)
	}

	// The loser paid nothing.
	secondGold, err := ledger.CurrencyBalance(ctx, pool, "second", ledger.Gold)
	if err != nil {
		t.Fatalf("second gold: %v", err)
	}
	if secondGold != 50 {
		t.Fatalf("second gold = %d, want 50", secondGold)
	}
}

func TestBuyRejections(t *testing.T) {
	svc, pool := newTestService(t)
	ctx := context.Background()

	seedItem(t, pool, "seller", "SEED_RARE", 1)
	seedGold(t, pool, "buyer", 10)

	listing, err := svc.CreateListing(ctx, CreateListingInput{
		SellerID: "seller", ItemType: "SEED_RARE", Amount: 1,
		PriceGold: goldPrice(50), IdempotencyKey: "list-1",
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	if _, err := svc.BuyListing(ctx, BuyListingInput{
		BuyerID: "seller", ListingID: listing.ID, IdempotencyKey: "buy-self",
	}); err != ErrSelfPurchase {
		t.Fatalf("expected ErrSelfPurchase, got %v", err)
	}
	if _, err := svc.BuyListing(ctx, BuyListingInput{
		BuyerID: "buyer", ListingID: listing.ID, PayWithGem: true, IdempotencyKey: "buy-gem",
	}); err != ErrPriceNotSet {
		t.Fatalf("expected ErrPriceNotSet for gem purchase, got %v", err)
	}
	if _, err := svc.BuyListing(ctx, BuyListingInput{
		BuyerID: "buyer", ListingID: listing.ID, IdempotencyKey: "buy-poor",
	}); err != ledger.ErrInsufficientFunds {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := svc.BuyListing(ctx, BuyListingInput{
		BuyerID: "buyer", ListingID: 9999, IdempotencyKey: "buy-missing",
	}); err != ErrListingNotFound {
		t.Fatalf("expected ErrListingNotFound, got %v", err)
	}
}

func TestListingsFilter(t *testing.T) {
	svc, pool := newTestService(t)
	ctx := context.Background()

	seedItem(t, pool, "seller", "SEED_RARE", 5)
	seedItem(t, pool, "seller", "FRUIT", 5)
	if _, err := svc.CreateListing(ctx, CreateListingInput{
		SellerID: "seller", ItemType: "SEED_RARE", Amount: 5,
		PriceGold: goldPrice(10), IdempotencyKey: "l1",
	}); err != nil {
		t.Fatalf("listing 1: %v", err)
	}
	cancelled, err := svc.CreateListing(ctx, CreateListingInput{
		SellerID: "seller", ItemType: "FRUIT", Amount: 5,
		PriceGold: goldPrice(10), IdempotencyKey: "l2",
	})
	if err != nil {
		t.Fatalf("listing 2: %v", err)
	}
	if _, err := svc.CancelListing(ctx, "seller", cancelled.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	all, err := svc.Listings(ctx, ListingFilter{})
	if err != nil {
		t.Fatalf("listings: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("active listings = %d, want 1 (cancelled excluded)", len(all))
	}

	filtered, err := svc.Listings(ctx, ListingFilter{ItemType: "FRUIT"})
	if err != nil {
		t.Fatalf("filtered: %v", err)
	}
	if len(filtered) != 0 {
		t.Fatalf("FRUIT listings = %d, want 0", len(filtered))
	}

	mine, err := svc.MyListings(ctx, "seller")
	if err != nil {
		t.Fatalf("mine: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("my listings = %d, want 2 (all statuses)", len(mine))
	}
}
