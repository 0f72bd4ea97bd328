// Package tradelog persists the append-only audit trail of completed
// exchanges. Entries are written inside the same transaction that settles a
// trade or a marketplace purchase and are never updated afterwards.
package tradelog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"sprout/internal/ledger"
)

type Kind string

const (
	KindTrade    Kind = "trade"
	KindPurchase Kind = "purchase"
)

// TradeDetail captures the full bidirectional exchange of a settled P2P
// trade: what each party gave up, in items and in currency.
type TradeDetail struct {
	TradeID          int64              `json:"trade_id"`
	SenderID         string             `json:"sender_id"`
	ReceiverID       string             `json:"receiver_id"`
	SenderItems      []ledger.ItemStack `json:"sender_items,omitempty"`
	ReceiverItems    []ledger.ItemStack `json:"receiver_items,omitempty"`
	SenderCurrency   map[string]int64   `json:"sender_currency,omitempty"`
	ReceiverCurrency map[string]int64   `json:"receiver_currency,omitempty"`
}

type PurchaseDetail struct {
	ListingID int64  `json:"listing_id"`
	SellerID  string `json:"seller_id"`
	BuyerID   string `json:"buyer_id"`
	ItemType  string `json:"item_type"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Price     int64  `json:"price"`
}

type Entry struct {
	ID        int64           `json:"id"`
	Kind      Kind            `json:"kind"`
	PartyA    string          `json:"party_a"`
	PartyB    string          `json:"party_b"`
	Detail    json.RawMessage `json:"detail"`
	CreatedAt time.Time       `json:"created_at"`
}

func Append(ctx context.Context, q ledger.Querier, kind Kind, partyA, partyB string, detail any) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal trade log detail: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO game.trade_logs (kind, party_a, party_b, detail)
		VALUES ($1, $2, $3, $4::jsonb)
	`, string(kind), partyA, partyB, string(raw))
	if err != nil {
		return fmt.Errorf("append trade log: %w", err)
	}
	return nil
}

// ListForUser returns the user's completed exchanges, most recent first.
func ListForUser(ctx context.Context, q ledger.Querier, userID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := q.Query(ctx, `
		SELECT id, kind, party_a, party_b, detail, created_at
		FROM game.trade_logs
		WHERE party_a = $1 OR party_b = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var kind string
		if err := rows.Scan(&e.ID, &kind, &e.PartyA, &e.PartyB, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}
