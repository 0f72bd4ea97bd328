package ledger

import (
	"context"
	"errors"
	"testing"

	"sprout/internal/db"
)

func TestParseCurrency(t *testing.T) {
	for _, s := range []string{"gold", "GOLD", " Gem "} {
		if _, err := ParseCurrency(s); err != nil {
			t.Errorf("expected %q to parse: %v", s, err)
		}
	}
	for _, s := range []string{"", "silver", "goldgem"} {
		if _, err := ParseCurrency(s); err == nil {
			t.Errorf("expected %q to fail", s)
		}
	}
}

func TestValidateItemType(t *testing.T) {
	valid := []string{"FRUIT", "SEED_RARE", "X", "WOOD2"}
	for _, s := range valid {
		if err := ValidateItemType(s); err != nil {
			t.Errorf("expected %q to be valid: %v", s, err)
		}
	}
	invalid := []string{"", "fruit", "_FRUIT", "1FRUIT", "TOO LONG"}
	for _, s := range invalid {
		if err := ValidateItemType(s); err == nil {
			t.Errorf("expected %q to fail", s)
		}
	}
}

func TestItemDebitCredit(t *testing.T) {
	pool := db.NewTestPool(t)
	ctx := context.Background()

	if err := CreditItem(ctx, pool, "alice", "FRUIT", 10); err != nil {
		t.Fatalf("CreditItem: %v", err)
	}
	if err := DebitItem(ctx, pool, "alice", "FRUIT", 4); err != nil {
		t.Fatalf("DebitItem: %v", err)
	}
	bal, err := ItemBalance(ctx, pool, "alice", "FRUIT")
	if err != nil {
		t.Fatalf("ItemBalance: %v", err)
	}
	if bal != 6 {
		t.Errorf("expected balance 6, got %d", bal)
	}

	err = DebitItem(ctx, pool, "alice", "FRUIT", 7)
	if !errors.Is(err, ErrInsufficientItems) {
		t.Errorf("expected ErrInsufficientItems, got %v", err)
	}
	bal, _ = ItemBalance(ctx, pool, "alice", "FRUIT")
	if bal != 6 {
		t.Errorf("failed debit must not change balance, got %d", bal)
	}
}

func TestCurrencyDebitCredit(t *testing.T) {
	pool := db.NewTestPool(t)
	ctx := context.Background()

	if err := CreditCurrency(ctx, pool, "bob", Gold, 150); err != nil {
		t.Fatalf("CreditCurrency gold: %v", err)
	}
	if err := CreditCurrency(ctx, pool, "bob", Gem, 5); err != nil {
		t.Fatalf("CreditCurrency gem: %v", err)
	}
	if err := DebitCurrency(ctx, pool, "bob", Gold, 100); err != nil {
		t.Fatalf("DebitCurrency: %v", err)
	}

	w, err := GetWallet(ctx, pool, "bob")
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if w.Gold != 50 || w.Gems != 5 {
		t.Errorf("expected wallet 50/5, got %+v", w)
	}

	err = DebitCurrency(ctx, pool, "bob", Gem, 6)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestDebitMissingWallet(t *testing.T) {
	pool := db.NewTestPool(t)
	ctx := context.Background()

	err := DebitCurrency(ctx, pool, "nobody", Gold, 1)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds for missing wallet, got %v", err)
	}
	bal, err := CurrencyBalance(ctx, pool, "nobody", Gold)
	if err != nil || bal != 0 {
		t.Errorf("expected zero balance for missing wallet, got %d err=%v", bal, err)
	}
}

func TestRejectsNonPositiveAmounts(t *testing.T) {
	pool := db.NewTestPool(t)
	ctx := context.Background()

	for _, amount := range []int64{0, -5} {
		if err := CreditItem(ctx, pool, "alice", "FRUIT", amount); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("CreditItem(%d): expected ErrInvalidAmount, got %v", amount, err)
		}
		if err := DebitCurrency(ctx, pool, "alice", Gold, amount); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("DebitCurrency(%d): expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}
