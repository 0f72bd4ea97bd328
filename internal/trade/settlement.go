package trade

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"sprout/internal/ledger"
	"sprout/internal/tradelog"
)

// ConfirmTrade sets the caller's confirmation flag. When both parties are
// confirmed the swap executes synchronously inside the same transaction, so
// the flag update, the re-validation and the transfers commit or roll back
// as one unit.
func (s *Service) ConfirmTrade(ctx context.Context, userID string, tradeID int64) (ConfirmResult, error) {
	const maxAttempts = 8
	retryDelay := 75 * time.Millisecond

	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := s.confirmOnce(ctx, userID, tradeID)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, ledger.ErrInsufficientItems) || errors.Is(err, ledger.ErrInsufficientFunds) {
			// The swap aborted because a balance moved underneath a
			// confirmation. The session stays accepted; both confirmations
			// are now stale and must be cleared.
			if resetErr := s.resetConfirmationsStandalone(ctx, tradeID); resetErr != nil {
				s.log.Error("reset stale confirmations failed", "trade_id", tradeID, "err", resetErr)
			}
			return ConfirmResult{}, err
		}
		if !isSerializationError(err) {
			return ConfirmResult{}, err
		}
		if attempt == maxAttempts-1 {
			return ConfirmResult{}, ErrTxConflict
		}
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return ConfirmResult{}, err
		}
		if retryDelay < 1200*time.Millisecond {
			retryDelay *= 2
		}
	}
	return ConfirmResult{}, ErrTxConflict
}

func (s *Service) confirmOnce(ctx context.Context, userID string, tradeID int64) (ConfirmResult, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return ConfirmResult{}, err
	}
	defer tx.Rollback(ctx)

	t, err := lockAcceptedFor(ctx, tx, tradeID, userID)
	if err != nil {
		return ConfirmResult{}, err
	}

	column := "sender_confirmed"
	if userID == t.ReceiverID {
		column = "receiver_confirmed"
	}
	if _, err := tx.Exec(ctx, `
		UPDATE game.trades SET `+column+` = true, updated_at = now() WHERE id = $1
	`, tradeID); err != nil {
		return ConfirmResult{}, err
	}

	if userID == t.SenderID {
		t.SenderConfirmed = true
	} else {
		t.ReceiverConfirmed = true
	}
	if !t.SenderConfirmed || !t.ReceiverConfirmed {
		view, err := loadView(ctx, tx, tradeID)
		if err != nil {
			return ConfirmResult{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return ConfirmResult{}, err
		}
		return ConfirmResult{Completed: false, Trade: view}, nil
	}

	if err := executeSwap(ctx, tx, t); err != nil {
		return ConfirmResult{}, err
	}
	view, err := loadView(ctx, tx, tradeID)
	if err != nil {
		return ConfirmResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ConfirmResult{}, err
	}
	s.log.Info("trade settled", "trade_id", tradeID, "sender", t.SenderID, "receiver", t.ReceiverID)
	return ConfirmResult{Completed: true, Trade: view}, nil
}

// UnconfirmTrade clears the caller's flag. No other side effect.
func (s *Service) UnconfirmTrade(ctx context.Context, userID string, tradeID int64) (TradeView, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return TradeView{}, err
	}
	defer tx.Rollback(ctx)

	t, err := lockSession(ctx, tx, tradeID)
	if err != nil {
		return TradeView{}, err
	}
	if !t.party(userID) {
		return TradeView{}, ErrNotParty
	}
	if t.Status != StatusAccepted {
		if t.Status.Terminal() {
			return TradeView{}, ErrTradeClosed
		}
		return TradeView{}, ErrTradeNotAccepted
	}

	column := "sender_confirmed"
	if userID == t.ReceiverID {
		column = "receiver_confirmed"
	}
	if _, err := tx.Exec(ctx, `
		UPDATE game.trades SET `+column+` = false, updated_at = now() WHERE id = $1
	`, tradeID); err != nil {
		return TradeView{}, err
	}
	view, err := loadView(ctx, tx, tradeID)
	if err != nil {
		return TradeView{}, err
	}
	return view, tx.Commit(ctx)
}

// executeSwap re-validates every committed entry against live balances,
// moves the goods both directions, clears the entries, completes the session
// and writes the audit record. Debits are conditional updates, so the
// re-validation and the transfer are the same statement; any shortfall
// aborts the whole transaction with no partial swap observable.
func executeSwap(ctx context.Context, tx pgx.Tx, t session) error {
	items, err := loadItemEntries(ctx, tx, t.ID)
	if err != nil {
		return err
	}
	currencies, err := loadCurrencyEntries(ctx, tx, t.ID)
	if err != nil {
		return err
	}

	detail := tradelog.TradeDetail{
		TradeID:    t.ID,
		SenderID:   t.SenderID,
		ReceiverID: t.ReceiverID,
	}

	for _, e := range items {
		to := t.ReceiverID
		if e.OwnerID == t.ReceiverID {
			to = t.SenderID
		}
		if err := ledger.DebitItem(ctx, tx, e.OwnerID, e.ItemType, e.Amount); err != nil {
			return err
		}
		if err := ledger.CreditItem(ctx, tx, to, e.ItemType, e.Amount); err != nil {
			return err
		}
		stack := ledger.ItemStack{ItemType: e.ItemType, Amount: e.Amount}
		if e.OwnerID == t.SenderID {
			detail.SenderItems = append(detail.SenderItems, stack)
		} else {
			detail.ReceiverItems = append(detail.ReceiverItems, stack)
		}
	}

	for _, e := range currencies {
		to := t.ReceiverID
		if e.OwnerID == t.ReceiverID {
			to = t.SenderID
		}
		if err := ledger.DebitCurrency(ctx, tx, e.OwnerID, e.Currency, e.Amount); err != nil {
			return err
		}
		if err := ledger.CreditCurrency(ctx, tx, to, e.Currency, e.Amount); err != nil {
			return err
		}
		if e.OwnerID == t.SenderID {
			if detail.SenderCurrency == nil {
				detail.SenderCurrency = make(map[string]int64)
			}
			detail.SenderCurrency[string(e.Currency)] += e.Amount
		} else {
			if detail.ReceiverCurrency == nil {
				detail.ReceiverCurrency = make(map[string]int64)
			}
			detail.ReceiverCurrency[string(e.Currency)] += e.Amount
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM game.trade_items WHERE trade_id = $1`, t.ID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM game.trade_currencies WHERE trade_id = $1`, t.ID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE game.trades
		SET status = 'completed', updated_at = now()
		WHERE id = $1
	`, t.ID); err != nil {
		return err
	}
	return tradelog.Append(ctx, tx, tradelog.KindTrade, t.SenderID, t.ReceiverID, detail)
}

func (s *Service) resetConfirmationsStandalone(ctx context.Context, tradeID int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE game.trades
		SET sender_confirmed = false, receiver_confirmed = false, updated_at = now()
		WHERE id = $1 AND status = 'accepted'
	`, tradeID)
	return err
}
