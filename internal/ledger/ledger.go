package ledger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, so every operation
// here can run inside a caller's transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Currency string

const (
	Gold Currency = "gold"
	Gem  Currency = "gem"
)

var (
	ErrInvalidCurrency   = errors.New("currency must be gold or gem")
	ErrInvalidItemType   = errors.New("item type must be uppercase letters, digits or underscores")
	ErrInvalidAmount     = errors.New("amount must be > 0")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInsufficientItems = errors.New("insufficient items")
)

var itemTypeRE = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,31}$`)

func ParseCurrency(s string) (Currency, error) {
	switch Currency(strings.ToLower(strings.TrimSpace(s))) {
	case Gold:
		return Gold, nil
	case Gem:
		return Gem, nil
	default:
		return "", ErrInvalidCurrency
	}
}

func ValidateItemType(itemType string) error {
	if !itemTypeRE.MatchString(itemType) {
		return ErrInvalidItemType
	}
	return nil
}

type Wallet struct {
	Gold int64 `json:"gold"`
	Gems int64 `json:"gems"`
}

type ItemStack struct {
	ItemType string `json:"item_type"`
	Amount   int64  `json:"amount"`
}

func ItemBalance(ctx context.Context, q Querier, userID, itemType string) (int64, error) {
	var amount int64
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM game.inventories
		WHERE user_id = $1 AND item_type = $2
	`, userID, itemType).Scan(&amount)
	if err != nil {
		return 0, err
	}
	return amount, nil
}

func CurrencyBalance(ctx context.Context, q Querier, userID string, cur Currency) (int64, error) {
	col, err := currencyColumn(cur)
	if err != nil {
		return 0, err
	}
	var amount int64
	err = q.QueryRow(ctx, `SELECT `+col+` FROM game.wallets WHERE user_id = $1`, userID).Scan(&amount)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return amount, nil
}

func Inventory(ctx context.Context, q Querier, userID string) ([]ItemStack, error) {
	rows, err := q.Query(ctx, `
		SELECT item_type, amount
		FROM game.inventories
		WHERE user_id = $1 AND amount > 0
		ORDER BY item_type
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ItemStack, 0)
	for rows.Next() {
		var s ItemStack
		if err := rows.Scan(&s.ItemType, &s.Amount); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func GetWallet(ctx context.Context, q Querier, userID string) (Wallet, error) {
	var w Wallet
	err := q.QueryRow(ctx, `SELECT gold, gems FROM game.wallets WHERE user_id = $1`, userID).Scan(&w.Gold, &w.Gems)
	if err == pgx.ErrNoRows {
		return Wallet{}, nil
	}
	if err != nil {
		return Wallet{}, err
	}
	return w, nil
}

func CreditItem(ctx context.Context, q Querier, userID, itemType string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	_, err := q.Exec(ctx, `
		INSERT INTO game.inventories (user_id, item_type, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, item_type)
		DO UPDATE SET amount = inventories.amount + EXCLUDED.amount,
		              updated_at = now()
	`, userID, itemType, amount)
	return err
}

// DebitItem removes amount from the user's inventory. The balance check and
// the write are one conditional UPDATE so there is no gap between them.
func DebitItem(ctx context.Context, q Querier, userID, itemType string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	cmd, err := q.Exec(ctx, `
		UPDATE game.inventories
		SET amount = amount - $3, updated_at = now()
		WHERE user_id = $1 AND item_type = $2 AND amount >= $3
	`, userID, itemType, amount)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrInsufficientItems, itemType)
	}
	return nil
}

func CreditCurrency(ctx context.Context, q Querier, userID string, cur Currency, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	col, err := currencyColumn(cur)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, `
		INSERT INTO game.wallets (user_id, `+col+`)
		VALUES ($1, $2)
		ON CONFLICT (user_id)
		DO UPDATE SET `+col+` = wallets.`+col+` + EXCLUDED.`+col+`,
		              updated_at = now()
	`, userID, amount)
	return err
}

func DebitCurrency(ctx context.Context, q Querier, userID string, cur Currency, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	col, err := currencyColumn(cur)
	if err != nil {
		return err
	}
	cmd, err := q.Exec(ctx, `
		UPDATE game.wallets
		SET `+col+` = `+col+` - $2, updated_at = now()
		WHERE user_id = $1 AND `+col+` >= $2
	`, userID, amount)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, cur)
	}
	return nil
}

// currencyColumn maps a validated currency onto its wallet column. Only the
// two fixed names can ever be interpolated into SQL.
func currencyColumn(cur Currency) (string, error) {
	switch cur {
	case Gold:
		return "gold", nil
	case Gem:
		return "gems", nil
	default:
		return "", ErrInvalidCurrency
	}
}
