package shared

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrIdempotencyConflict reports a key that was already claimed.
var ErrIdempotencyConflict = errors.New("idempotent request already processed")

// IdempotencyStore claims batch keys in PostgreSQL so side effects such as
// stock debits run at most once per order.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// CheckAndInsert claims key for module. A key claimed before yields
// ErrIdempotencyConflict.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if s == nil || s.pool == nil {
		return errors.New("idempotency store not initialised")
	}
	if key == "" || module == "" {
		return errors.New("idempotency key and module required")
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO idempotency_keys (key, module, created_at)
VALUES ($1, $2, NOW())
ON CONFLICT (key) DO NOTHING`, key, module)
	if err != nil {
		return fmt.Errorf("shared: claim %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIdempotencyConflict
	}
	return nil
}

// Delete releases a claimed key so a failed batch can be applied again.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	if s == nil || s.pool == nil {
		return nil
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key); err != nil {
		return fmt.Errorf("shared: release %s: %w", key, err)
	}
	return nil
}
