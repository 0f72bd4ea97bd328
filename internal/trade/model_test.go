package trade

import (
	"context"
	"testing"
)

func TestPairKey(t *testing.T) {
	if PairKey("alice", "bob") != PairKey("bob", "alice") {
		t.Fatalf("pair key must not depend on argument order")
	}
	if PairKey("alice", "bob") == PairKey("alice", "carol") {
		t.Fatalf("different pairs must produce different keys")
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusCancelled, StatusExpired}
	for _, st := range terminal {
		if !st.Terminal() {
			t.Fatalf("expected %q to be terminal", st)
		}
	}
	open := []Status{StatusPending, StatusAccepted}
	for _, st := range open {
		if st.Terminal() {
			t.Fatalf("expected %q to be open", st)
		}
	}
}

func TestSelfTradeRejected(t *testing.T) {
	svc := NewService(nil, nil, 0)
	_, err := svc.CreateTradeRequest(context.Background(), CreateTradeInput{
		SenderID:       "alice",
		ReceiverID:     "alice",
		IdempotencyKey: "k",
	})
	if err != ErrSelfTrade {
		t.Fatalf("expected ErrSelfTrade, got %v", err)
	}
}
