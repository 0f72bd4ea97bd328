// Package idem guards mutating operations against client replays. A key is
// claimed inside the same transaction as the mutation, so a replayed request
// either sees the duplicate or the original rolled back with it.
package idem

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sprout/internal/ledger"
)

var ErrDuplicate = errors.New("duplicate idempotency key")

func Claim(ctx context.Context, q ledger.Querier, userID, key, action string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("idempotency key is required")
	}
	cmd, err := q.Exec(ctx, `
		INSERT INTO game.idempotency_keys (user_id, key, action, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, key) DO NOTHING
	`, userID, key, action)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}
