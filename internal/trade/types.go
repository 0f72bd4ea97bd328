package trade

import (
	"time"

	"sprout/internal/ledger"
)

type CurrencyAmount struct {
	Currency ledger.Currency `json:"currency"`
	Amount   int64           `json:"amount"`
}

// Offer is the set of entries one party has committed to a session.
type Offer struct {
	Items      []ledger.ItemStack `json:"items"`
	Currencies []CurrencyAmount   `json:"currencies"`
}

type TradeView struct {
	ID                int64     `json:"id"`
	SenderID          string    `json:"sender_id"`
	ReceiverID        string    `json:"receiver_id"`
	Status            Status    `json:"status"`
	SenderConfirmed   bool      `json:"sender_confirmed"`
	ReceiverConfirmed bool      `json:"receiver_confirmed"`
	ExpiresAt         time.Time `json:"expires_at"`
	CreatedAt         time.Time `json:"created_at"`
	SenderOffer       Offer     `json:"sender_offer"`
	ReceiverOffer     Offer     `json:"receiver_offer"`
}

type CreateTradeInput struct {
	SenderID       string
	ReceiverID     string
	IdempotencyKey string
}

type ItemOfferInput struct {
	UserID   string
	TradeID  int64
	ItemType string
	Amount   int64
}

type CurrencyOfferInput struct {
	UserID   string
	TradeID  int64
	Currency ledger.Currency
	Amount   int64
}

type ConfirmResult struct {
	Completed bool      `json:"completed"`
	Trade     TradeView `json:"trade"`
}
