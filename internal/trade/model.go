package trade

import (
	"errors"
	"time"
)

// DefaultRequestTTL bounds how long a trade request stays open for the
// receiver to accept.
const DefaultRequestTTL = 10 * time.Minute

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether the session can never be mutated again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

var (
	ErrSelfTrade            = errors.New("cannot trade with yourself")
	ErrTradeNotFound        = errors.New("trade not found")
	ErrNotParty             = errors.New("user is not a party to this trade")
	ErrNotReceiver          = errors.New("only the receiver can accept a trade request")
	ErrActiveTradeExists    = errors.New("an active trade already exists between these users")
	ErrTradeNotPending      = errors.New("trade is not pending")
	ErrTradeNotAccepted     = errors.New("trade is not accepted")
	ErrTradeClosed          = errors.New("trade is already closed")
	ErrTradeExpired         = errors.New("trade has expired")
	ErrEntryNotFound        = errors.New("no such offer entry")
	ErrDuplicateIdempotency = errors.New("duplicate idempotency key")
	ErrTxConflict           = errors.New("transaction conflict, retry")
)

// PairKey normalizes an unordered user pair into a single index key. The
// partial unique index on (pair_key, active status) enforces the
// one-active-trade-per-pair invariant without scanning.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}
