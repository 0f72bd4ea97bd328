package market

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
}

func NewService(db *pgxpool.Pool, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, log: logger}
}

// CreateListing debits the offered goods into escrow and opens the listing
// in the same transaction: while the listing is active the seller cannot
// spend those units anywhere else.
func (s *Service) CreateListing(ctx context.Context, in CreateListingInput) (ListingView, error) {
	if err := ledger.ValidateItemType(in.ItemType); err != nil {
		return ListingView{}, err
	}
	if in.Amount <= 0 {
		return ListingView{}, ledger.ErrInvalidAmount
	}
	if in.PriceGold == nil && in.PriceGem == nil {
		return ListingView{}, ErrNoPrice
	}
	if in.PriceGold != nil && *in.PriceGold <= 0 {
		return ListingView{}, ledger.ErrInvalidAmount
	}
	if in.PriceGem != nil && *in.PriceGem <= 0 {
		return ListingView{}, ledger.ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return ListingView{}, err
	}
	defer tx.Rollback(ctx)

	if err := idem.Claim(ctx, tx, in.SellerID, in.IdempotencyKey, "create_listing"); err != nil {
		if errors.Is(err, idem.ErrDuplicate) {
			return ListingView{}, ErrDuplicateIdempotency
		}
		return ListingView{}, err
	}

	if err := ledger.DebitItem(ctx, tx, in.SellerID, in.ItemType, in.Amount); err != nil {
		return ListingView{}, err
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO game.listings (seller_id, item_type, amount, price_gold, price_gem, status)
		VALUES ($1, $2, $3, $4, $5, 'active')
		RETURNING id
	`, in.SellerID, in.ItemType, in.Amount, in.PriceGold, in.PriceGem).Scan(&id)
	if err != nil {
		return ListingView{}, err
	}

	view, err := loadListing(ctx, tx, id)
	if err != nil {
		return ListingView{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ListingView{}, err
	}
	s.log.Info("listing created", "listing_id", id, "seller", in.SellerID, "item", in.ItemType, "amount", in.Amount)
	return view, nil
}

// CancelListing releases the escrowed goods back to the seller.
func (s *Service) CancelListing(ctx context.Context, sellerID string, listingID int64) (ListingView, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return ListingView{}, err
	}
	defer tx.Rollback(ctx)

	l, err := lockListing(ctx, tx, listingID)
	if err != nil {
		return ListingView{}, err
	}
	if l.SellerID != sellerID {
		return ListingView{}, ErrNotSeller
	}
	if l.Status != StatusActive {
		return ListingView{}, ErrListingClosed
	}

	if err := ledger.CreditItem(ctx, tx, l.SellerID, l.ItemType, l.Amount); err != nil {
		return ListingView{}, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE game.listings SET status = 'cancelled' WHERE id = $1
	`, listingID); err != nil {
		return ListingView{}, err
	}

	view, err := loadListing(ctx, tx, listingID)
	if err != nil {
		return ListingView{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ListingView{}, err
	}
	s.log.Info("listing cancelled", "listing_id", listingID, "seller", sellerID)
	return view, nil
}

// BuyListing pays the seller and hands the escrowed goods to the buyer in
// one transaction. A listing that is already sold or cancelled cannot be
// bought again, which makes replays harmless.
func (s *Service) BuyListing(ctx context.Context, in BuyListingInput) (ListingView, error) {
	const maxAttempts = 8
	retryDelay := 75 * time.Millisecond

	for attempt := 0; attempt < maxAttempts; attempt++ {
		view, err := s.buyOnce(ctx, in)
		if err == nil {
			return view, nil
		}
		if !isSerializationError(err) {
			return ListingView{}, err
		}
		if attempt == maxAttempts-1 {
			return ListingView{}, ErrTxConflict
		}
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return ListingView{}, err
		}
		if retryDelay < 1200*time.Millisecond {
			retryDelay *= 2
		}
	}
	return ListingView{}, ErrTxConflict
}

func (s *Service) buyOnce(ctx context.Context, in BuyListingInput) (ListingView, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return ListingView{}, err
	}
	defer tx.Rollback(ctx)

	if err := idem.Claim(ctx, tx, in.BuyerID, in.IdempotencyKey, "buy_listing"); err != nil {
		if errors.Is(err, idem.ErrDuplicate) {
			return ListingView{}, ErrDuplicateIdempotency
		}
		return ListingView{}, err
	}

	l, err := lockListing(ctx, tx, in.ListingID)
	if err != nil {
		return ListingView{}, err
	}
	if l.Status != StatusActive {
		return ListingView{}, ErrListingClosed
	}
	if l.SellerID == in.BuyerID {
		return ListingView{}, ErrSelfPurchase
	}

	cur := ledger.Gold
	price := l.PriceGold
	if in.PayWithGem {
		cur = ledger.Gem
		price = l.PriceGem
	}
	if price == nil {
		return ListingView{}, ErrPriceNotSet
	}

	if err := ledger.DebitCurrency(ctx, tx, in.BuyerID, cur, *price); err != nil {
		return ListingView{}, err
	}
	if err := ledger.CreditCurrency(ctx, tx, l.SellerID, cur, *price); err != nil {
		return ListingView{}, err
	}
	if err := ledger.CreditItem(ctx, tx, in.BuyerID, l.ItemType, l.Amount); err != nil {
		return ListingView{}, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE game.listings
		SET status = 'sold', buyer_id = $2, sold_at = now()
		WHERE id = $1
	`, in.ListingID, in.BuyerID); err != nil {
		return ListingView{}, err
	}

	detail := tradelog.PurchaseDetail{
		ListingID: l.ID,
		SellerID:  l.SellerID,
		BuyerID:   in.BuyerID,
		ItemType:  l.ItemType,
		Amount:    l.Amount,
		Currency:  string(cur),
		Price:     *price,
	}
	if err := tradelog.Append(ctx, tx, tradelog.KindPurchase, l.SellerID, in.BuyerID, detail); err != nil {
		return ListingView{}, err
	}

	view, err := loadListing(ctx, tx, in.ListingID)
	if err != nil {
		return ListingView{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ListingView{}, err
	}
	s.log.Info("listing sold", "listing_id", l.ID, "seller", l.SellerID, "buyer", in.BuyerID, "currency", cur, "price", *price)
	return view, nil
}

func (s *Service) Listings(ctx context.Context, filter ListingFilter) ([]ListingView, error) {
	query := `
		SELECT id, seller_id, item_type, amount, price_gold, price_gem, status,
		       buyer_id, sold_at, created_at
		FROM game.listings
		WHERE status = 'active'
	`
	args := []any{}
	if filter.ItemType != "" {
		args = append(args, filter.ItemType)
		query += ` AND item_type = $1`
	}
	if filter.SellerID != "" {
		args = append(args, filter.SellerID)
		if len(args) == 1 {
			query += ` AND seller_id = $1`
		} else {
			query += ` AND seller_id = $2`
		}
	}
	query += ` ORDER BY created_at DESC LIMIT 100`
	return s.queryListings(ctx, query, args...)
}

func (s *Service) MyListings(ctx context.Context, sellerID string) ([]ListingView, error) {
	return s.queryListings(ctx, `
		SELECT id, seller_id, item_type, amount, price_gold, price_gem, status,
		       buyer_id, sold_at, created_at
		FROM game.listings
		WHERE seller_id = $1
		ORDER BY created_at DESC
		LIMIT 200
	`, sellerID)
}

func (s *Service) queryListings(ctx context.Context, query string, args ...any) ([]ListingView, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ListingView, 0)
	for rows.Next() {
		var v ListingView
		var status string
		if err := rows.Scan(&v.ID, &v.SellerID, &v.ItemType, &v.Amount, &v.PriceGold,
			&v.PriceGem, &status, &v.BuyerID, &v.SoldAt, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.Status = Status(status)
		out = append(out, v)
	}
	return out, rows.Err()
}

func lockListing(ctx context.Context, tx pgx.Tx, listingID int64) (ListingView, error) {
	var v ListingView
	var status string
	err := tx.QueryRow(ctx, `
		SELECT id, seller_id, item_type, amount, price_gold, price_gem, status,
		       buyer_id, sold_at, created_at
		FROM game.listings
		WHERE id = $1
		FOR UPDATE
	`, listingID).Scan(&v.ID, &v.SellerID, &v.ItemType, &v.Amount, &v.PriceGold,
		&v.PriceGem, &status, &v.BuyerID, &v.SoldAt, &v.CreatedAt)
	if err == pgx.ErrNoRows {
		return v, ErrListingNotFound
	}
	if err != nil {
		return v, err
	}
	v.Status = Status(status)
	return v, nil
}

func loadListing(ctx context.Context, q ledger.Querier, listingID int64) (ListingView, error) {
	var v ListingView
	var status string
	err := q.QueryRow(ctx, `
		SELECT id, seller_id, item_type, amount, price_gold, price_gem, status,
		       buyer_id, sold_at, created_at
		FROM game.listings
		WHERE id = $1
	`, listingID).Scan(&v.ID, &v.SellerID, &v.ItemType, &v.Amount, &v.PriceGold,
		&v.PriceGem, &status, &v.BuyerID, &v.SoldAt, &v.CreatedAt)
	if err == pgx.ErrNoRows {
		return v, ErrListingNotFound
	}
	if err != nil {
		return v, err
	}
	v.Status = Status(status)
	return v, nil
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
