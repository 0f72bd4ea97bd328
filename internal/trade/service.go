package trade

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"sprout/internal/idem"
	"sprout/internal/ledger"
	"sprout/internal/tradelog"
)

type Service struct {
	db  *pgxpool.Pool
	log *slog.Logger
	ttl time.Duration
}

func NewService(db *pgxpool.Pool, logger *slog.Logger, requestTTL time.Duration) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if requestTTL <= 0 {
		requestTTL = DefaultRequestTTL
	}
	return &Service{db: db, log: logger, ttl: requestTTL}
}

// session mirrors one game.trades row while it is locked inside a
// transaction.
type session struct {
	ID                int64
	SenderID          string
	ReceiverID        string
	Status            Status
	SenderConfirmed   bool
	ReceiverConfirmed bool
	ExpiresAt         time.Time
	CreatedAt         time.Time
}

func (t session) party(userID string) bool {
	return userID == t.SenderID || userID == t.ReceiverID
}

func (t session) expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

func (s *Service) CreateTradeRequest(ctx context.Context, in CreateTradeInput) (TradeView, error) {
	if in.SenderID == in.ReceiverID {
		return TradeView{}, ErrSelfTrade
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return TradeView{}, err
	}
	defer tx.Rollback(ctx)

	if err := idem.Claim(ctx, tx, in.SenderID, in.IdempotencyKey, "trade_request"); err != nil {
		if errors.Is(err, idem.ErrDuplicate) {
			return TradeView{}, ErrDuplicateIdempotency
		}
		return TradeView{}, err
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO game.trades (sender_id, receiver_id, pair_key, status, expires_at)
		VALUES ($1, $2, $3, 'pending', now() + $4)
		RETURNING id
	`, in.SenderID, in.ReceiverID, PairKey(in.SenderID, in.ReceiverID), s.ttl).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return TradeView{}, ErrActiveTradeExists
		}
		return TradeView{}, err
	}

	view, err := loadView(ctx, tx, id)
	if err != nil {
		return TradeView{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return TradeView{}, err
	}
	s.log.Info("trade request created", "trade_id", id, "sender", in.SenderID, "receiver", in.ReceiverID)
	return view, nil
}

func (s *Service) AcceptTradeRequest(ctx context.Context, userID string, tradeID int64) (TradeView, error) {
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
	if userID != t.ReceiverID {
		return TradeView{}, ErrNotReceiver
	}
	if t.Status != StatusPending {
		if t.Status.Terminal() {
			return TradeView{}, ErrTradeClosed
		}
		return TradeView{}, ErrTradeNotPending
	}
	if t.expired(time.Now()) {
		// The request lapsed: record the expiry, then fail the accept.
		if _, err := tx.Exec(ctx, `
			UPDATE game.trades SET status = 'expired', updated_at = now() WHERE id = $1
		`, tradeID); err != nil {
			return TradeView{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return TradeView{}, err
		}
		return TradeView{}, ErrTradeExpired
	}

	if _, err := tx.Exec(ctx, `
		UPDATE game.trades SET status = 'accepted', updated_at = now() WHERE id = $1
	`, tradeID); err != nil {
		return TradeView{}, err
	}
	view, err := loadView(ctx, tx, tradeID)
	if err != nil {
		return TradeView{}, err
	}
	return view, tx.Commit(ctx)
}

func (s *Service) CancelTrade(ctx context.Context, userID string, tradeID int64) (TradeView, error) {
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
	if t.Status == StatusCompleted || t.Status == StatusCancelled {
		return TradeView{}, ErrTradeClosed
	}

	// Offers are not escrowed, so cancellation touches no balances.
	if _, err := tx.Exec(ctx, `
		UPDATE game.trades SET status = 'cancelled', updated_at = now() WHERE id = $1
	`, tradeID); err != nil {
		return TradeView{}, err
	}
	view, err := loadView(ctx, tx, tradeID)
	if err != nil {
		return TradeView{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return TradeView{}, err
	}
	s.log.Info("trade cancelled", "trade_id", tradeID, "by", userID)
	return view, nil
}

func (s *Service) GetTrade(ctx context.Context, userID string, tradeID int64) (TradeView, error) {
	view, err := loadView(ctx, s.db, tradeID)
	if err != nil {
		return TradeView{}, err
	}
	if userID != view.SenderID && userID != view.ReceiverID {
		return TradeView{}, ErrNotParty
	}
	return view, nil
}

func (s *Service) ListActiveTrades(ctx context.Context, userID string) ([]TradeView, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM game.trades
		WHERE (sender_id = $1 OR receiver_id = $1)
		  AND status IN ('pending', 'accepted')
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]TradeView, 0, len(ids))
	for _, id := range ids {
		view, err := loadView(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		out = append(out, view)
	}
	return out, nil
}

// TradeHistory returns the user's completed exchanges, most recent first.
func (s *Service) TradeHistory(ctx context.Context, userID string, limit int) ([]tradelog.Entry, error) {
	return tradelog.ListForUser(ctx, s.db, userID, limit)
}

// ExpireStale flips sessions past their deadline to expired, releasing the
// one-active-trade-per-pair slot. Called by the sweep worker; request paths
// only reconcile lazily.
func (s *Service) ExpireStale(ctx context.Context) (int64, error) {
	cmd, err := s.db.Exec(ctx, `
		UPDATE game.trades
		SET status = 'expired', updated_at = now()
		WHERE status IN ('pending', 'accepted') AND expires_at < now()
	`)
	if err != nil {
		return 0, err
	}
	if n := cmd.RowsAffected(); n > 0 {
		s.log.Info("expired stale trades", "count", n)
		return n, nil
	}
	return 0, nil
}

func lockSession(ctx context.Context, tx pgx.Tx, tradeID int64) (session, error) {
	var t session
	var status string
	err := tx.QueryRow(ctx, `
		SELECT id, sender_id, receiver_id, status, sender_confirmed, receiver_confirmed,
		       expires_at, created_at
		FROM game.trades
		WHERE id = $1
		FOR UPDATE
	`, tradeID).Scan(&t.ID, &t.SenderID, &t.ReceiverID, &status,
		&t.SenderConfirmed, &t.ReceiverConfirmed, &t.ExpiresAt, &t.CreatedAt)
	if err == pgx.ErrNoRows {
		return t, ErrTradeNotFound
	}
	if err != nil {
		return t, err
	}
	t.Status = Status(status)
	return t, nil
}

// lockAcceptedFor is the shared prologue of every offer mutation and the
// confirmation path: the session must exist, include the caller, be accepted
// and still be inside its window.
func lockAcceptedFor(ctx context.Context, tx pgx.Tx, tradeID int64, userID string) (session, error) {
	t, err := lockSession(ctx, tx, tradeID)
	if err != nil {
		return t, err
	}
	if !t.party(userID) {
		return t, ErrNotParty
	}
	if t.Status != StatusAccepted {
		if t.Status.Terminal() {
			return t, ErrTradeClosed
		}
		return t, ErrTradeNotAccepted
	}
	if t.expired(time.Now()) {
		return t, ErrTradeExpired
	}
	return t, nil
}

func loadView(ctx context.Context, q ledger.Querier, tradeID int64) (TradeView, error) {
	var v TradeView
	var status string
	err := q.QueryRow(ctx, `
		SELECT id, sender_id, receiver_id, status, sender_confirmed, receiver_confirmed,
		       expires_at, created_at
		FROM game.trades
		WHERE id = $1
	`, tradeID).Scan(&v.ID, &v.SenderID, &v.ReceiverID, &status,
		&v.SenderConfirmed, &v.ReceiverConfirmed, &v.ExpiresAt, &v.CreatedAt)
	if err == pgx.ErrNoRows {
		return v, ErrTradeNotFound
	}
	if err != nil {
		return v, err
	}
	v.Status = Status(status)

	items, err := loadItemEntries(ctx, q, tradeID)
	if err != nil {
		return v, err
	}
	for _, e := range items {
		stack := ledger.ItemStack{ItemType: e.ItemType, Amount: e.Amount}
		if e.OwnerID == v.SenderID {
			v.SenderOffer.Items = append(v.SenderOffer.Items, stack)
		} else {
			v.ReceiverOffer.Items = append(v.ReceiverOffer.Items, stack)
		}
	}

	currencies, err := loadCurrencyEntries(ctx, q, tradeID)
	if err != nil {
		return v, err
	}
	for _, e := range currencies {
		ca := CurrencyAmount{Currency: e.Currency, Amount: e.Amount}
		if e.OwnerID == v.SenderID {
			v.SenderOffer.Currencies = append(v.SenderOffer.Currencies, ca)
		} else {
			v.ReceiverOffer.Currencies = append(v.ReceiverOffer.Currencies, ca)
		}
	}
	return v, nil
}

type itemEntry struct {
	OwnerID  string
	ItemType string
	Amount   int64
}

type currencyEntry struct {
	OwnerID  string
	Currency ledger.Currency
	Amount   int64
}

func loadItemEntries(ctx context.Context, q ledger.Querier, tradeID int64) ([]itemEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT owner_id, item_type, amount
		FROM game.trade_items
		WHERE trade_id = $1
		ORDER BY owner_id, item_type
	`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]itemEntry, 0)
	for rows.Next() {
		var e itemEntry
		if err := rows.Scan(&e.OwnerID, &e.ItemType, &e.Amount); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func loadCurrencyEntries(ctx context.Context, q ledger.Querier, tradeID int64) ([]currencyEntry, error) {
	rows, err := q.Query(ctx, `
		SELECT owner_id, currency, amount
		FROM game.trade_currencies
		WHERE trade_id = $1
		ORDER BY owner_id, currency
	`, tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]currencyEntry, 0)
	for rows.Next() {
		var e currencyEntry
		var cur string
		if err := rows.Scan(&e.OwnerID, &cur, &e.Amount); err != nil {
			return nil, err
		}
		e.Currency = ledger.Currency(cur)
		out = append(out, e)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
