package market

import "time"

type ListingView struct {
	ID        int64      `json:"id"`
	SellerID  string     `json:"seller_id"`
	ItemType  string     `json:"item_type"`
	Amount    int64      `json:"amount"`
	PriceGold *int64     `json:"price_gold,omitempty"`
	PriceGem  *int64     `json:"price_gem,omitempty"`
	Status    Status     `json:"status"`
	BuyerID   *string    `json:"buyer_id,omitempty"`
	SoldAt    *time.Time `json:"sold_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type CreateListingInput struct {
	SellerID       string
	ItemType       string
	Amount         int64
	PriceGold      *int64
	PriceGem       *int64
	IdempotencyKey string
}

type BuyListingInput struct {
	BuyerID        string
	ListingID      int64
	PayWithGem     bool
	IdempotencyKey string
}

type ListingFilter struct {
	ItemType string
	SellerID string
}
