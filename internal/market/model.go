package market

import "errors"

type Status string

const (
	StatusActive    Status = "active"
	StatusSold      Status = "sold"
	StatusCancelled Status = "cancelled"
)

var (
	ErrListingNotFound      = errors.New("listing not found")
	ErrNotSeller            = errors.New("only the seller can cancel this listing")
	ErrSelfPurchase         = errors.New("cannot buy your own listing")
	ErrNoPrice              = errors.New("listing needs a gold or gem price")
	ErrPriceNotSet          = errors.New("listing is not priced in that currency")
	ErrListingClosed        = errors.New("listing is no longer active")
	ErrDuplicateIdempotency = errors.New("duplicate idempotency key")
	ErrTxConflict           = errors.New("transaction conflict, retry")
)
