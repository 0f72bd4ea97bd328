package trade

import (
	"context"

	"github.com/jackc/pgx/v5"

	"sprout/internal/ledger"
)

// AddItem commits more of one item type to the caller's side of an accepted
// session. The committed total is validated against the live inventory
// balance, and any change voids both confirmations in the same transaction.
func (s *Service) AddItem(ctx context.Context, in ItemOfferInput) (TradeView, error) {
	if err := ledger.ValidateItemType(in.ItemType); err != nil {
		return TradeView{}, err
	}
	if in.Amount <= 0 {
		return TradeView{}, ledger.ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return TradeView{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := lockAcceptedFor(ctx, tx, in.TradeID, in.UserID); err != nil {
		return TradeView{}, err
	}

	var committed int64
	err = tx.QueryRow(ctx, `
		SELECT amount FROM game.trade_items
		WHERE trade_id = $1 AND owner_id = $2 AND item_type = $3
	`, in.TradeID, in.UserID, in.ItemType).Scan(&committed)
	if err != nil && err != pgx.ErrNoRows {
		return TradeView{}, err
	}

	balance, err := ledger.ItemBalance(ctx, tx, in.UserID, in.ItemType)
	if err != nil {
		return TradeView{}, err
	}
	if committed+in.Amount > balance {
		return TradeView{}, ledger.ErrInsufficientItems
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO game.trade_items (trade_id, owner_id, item_type, amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (trade_id, owner_id, item_type)
		DO UPDATE SET amount = trade_items.amount + EXCLUDED.amount
	`, in.TradeID, in.UserID, in.ItemType, in.Amount); err != nil {
		return TradeView{}, err
	}

	if err := resetConfirmations(ctx, tx, in.TradeID); err != nil {
		return TradeView{}, err
	}
	view, err := loadView(ctx, tx, in.TradeID)
	if err != nil {
		return TradeView{}, err
	}
	return view, tx.Commit(ctx)
}

// RemoveItem takes back part or all of a committed item entry. Removing at
// least the committed amount deletes the entry.
func (s *Service) RemoveItem(ctx context.Context, in ItemOfferInput) (TradeView, error) {
	if in.Amount <= 0 {
		return TradeView{}, ledger.ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return TradeView{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := lockAcceptedFor(ctx, tx, in.TradeID, in.UserID); err != nil {
		return TradeView{}, err
	}

	var committed int64
	err = tx.QueryRow(ctx, `
		SELECT amount FROM game.trade_items
		WHERE trade_id = $1 AND owner_id = $2 AND item_type = $3
	`, in.TradeID, in.UserID, in.ItemType).Scan(&committed)
	if err == pgx.ErrNoRows {
		return TradeView{}, ErrEntryNotFound
	}
	if err != nil {
		return TradeView{}, err
	}

	if in.Amount >= committed {
		_, err = tx.Exec(ctx, `
			DELETE FROM game.trade_items
			WHERE trade_id = $1 AND owner_id = $2 AND item_type = $3
		`, in.TradeID, in.UserID, in.ItemType)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE game.trade_items
			SET amount = amount - $4
			WHERE trade_id = $1 AND owner_id = $2 AND item_type = $3
		`, in.TradeID, in.UserID, in.ItemType, in.Amount)
	}
	if err != nil {
		return TradeView{}, err
	}

	if err := resetConfirmations(ctx, tx, in.TradeID); err != nil {
		return TradeView{}, err
	}
	view, err := loadView(ctx, tx, in.TradeID)
	if err != nil {
		return TradeView{}, err
	}
	return view, tx.Commit(ctx)
}

func (s *Service) AddCurrency(ctx context.Context, in CurrencyOfferInput) (TradeView, error) {
	cur, err := ledger.ParseCurrency(string(in.Currency))
	if err != nil {
		return TradeView{}, err
	}
	if in.Amount <= 0 {
		return TradeView{}, ledger.ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return TradeView{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := lockAcceptedFor(ctx, tx, in.TradeID, in.UserID); err != nil {
		return TradeView{}, err
	}

	var committed int64
	err = tx.QueryRow(ctx, `
		SELECT amount FROM game.trade_currencies
		WHERE trade_id = $1 AND owner_id = $2 AND currency = $3
	`, in.TradeID, in.UserID, string(cur)).Scan(&committed)
	if err != nil && err != pgx.ErrNoRows {
		return TradeView{}, err
	}

	balance, err := ledger.CurrencyBalance(ctx, tx, in.UserID, cur)
	if err != nil {
		return TradeView{}, err
	}
	if committed+in.Amount > balance {
		return TradeView{}, ledger.ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO game.trade_currencies (trade_id, owner_id, currency, amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (trade_id, owner_id, currency)
		DO UPDATE SET amount = trade_currencies.amount + EXCLUDED.amount
	`, in.TradeID, in.UserID, string(cur), in.Amount); err != nil {
		return TradeView{}, err
	}

	if err := resetConfirmations(ctx, tx, in.TradeID); err != nil {
		return TradeView{}, err
	}
	view, err := loadView(ctx, tx, in.TradeID)
	if err != nil {
		return TradeView{}, err
	}
	return view, tx.Commit(ctx)
}

func (s *Service) RemoveCurrency(ctx context.Context, in CurrencyOfferInput) (TradeView, error) {
	cur, err := ledger.ParseCurrency(string(in.Currency))
	if err != nil {
		return TradeView{}, err
	}
	if in.Amount <= 0 {
		return TradeView{}, ledger.ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return TradeView{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := lockAcceptedFor(ctx, tx, in.TradeID, in.UserID); err != nil {
		return TradeView{}, err
	}

	var committed int64
	err = tx.QueryRow(ctx, `
		SELECT amount FROM game.trade_currencies
		WHERE trade_id = $1 AND owner_id = $2 AND currency = $3
	`, in.TradeID, in.UserID, string(cur)).Scan(&committed)
	if err == pgx.ErrNoRows {
		return TradeView{}, ErrEntryNotFound
	}
	if err != nil {
		return TradeView{}, err
	}

	if in.Amount >= committed {
		_, err = tx.Exec(ctx, `
			DELETE FROM game.trade_currencies
			WHERE trade_id = $1 AND owner_id = $2 AND currency = $3
		`, in.TradeID, in.UserID, string(cur))
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE game.trade_currencies
			SET amount = amount - $4
			WHERE trade_id = $1 AND owner_id = $2 AND currency = $3
		`, in.TradeID, in.UserID, string(cur), in.Amount)
	}
	if err != nil {
		return TradeView{}, err
	}

	if err := resetConfirmations(ctx, tx, in.TradeID); err != nil {
		return TradeView{}, err
	}
	view, err := loadView(ctx, tx, in.TradeID)
	if err != nil {
		return TradeView{}, err
	}
	return view, tx.Commit(ctx)
}

// resetConfirmations voids trust established by earlier confirmations. It
// runs inside the mutation's own transaction so a stale confirmation can
// never race the offer change into settlement.
func resetConfirmations(ctx context.Context, tx pgx.Tx, tradeID int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE game.trades
		SET sender_confirmed = false, receiver_confirmed = false, updated_at = now()
		WHERE id = $1
	`, tradeID)
	return err
}
