package storage

import (
	"context"
	"fmt"
	"time"
)

// IncrementCounter records an increment of by for key. Counters are a
// derived read: there is no single mutable cell, only the raw increment log
// plus the rollup the sweeper maintains.
func (s *Store) IncrementCounter(ctx context.Context, key string, by int64) error {
	return s.incrementCounter(ctx, key, by, nil)
}

// IncrementCounterWithTTL records an increment that the expiration sweep
// drops once now + ttl passes.
func (s *Store) IncrementCounterWithTTL(ctx context.Context, key string, by int64, ttl time.Duration) error {
	expireAt := s.now().UTC().Add(ttl)
	return s.incrementCounter(ctx, key, by, expireAt)
}

// DecrementCounter records a decrement of one.
func (s *Store) DecrementCounter(ctx context.Context, key string) error {
	return s.incrementCounter(ctx, key, -1, nil)
}

func (s *Store) incrementCounter(ctx context.Context, key string, by int64, expireAt any) error {
	if key == "" {
		return fmt.Errorf("increment counter: key is empty: %w", ErrInvalidArgument)
	}
	query, args, err := s.builder().
		Insert(s.table("counter")).
		Columns("key", "value", "expire_at").
		Values(key, by, expireAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("increment counter: build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("increment counter: %w", err)
	}
	return nil
}

// GetCounterTotal sums the raw increment log and the pre-aggregated rollup
// for key, defaulting to zero when neither exists.
func (s *Store) GetCounterTotal(ctx context.Context, key string) (int64, error) {
	if key == "" {
		return 0, fmt.Errorf("get counter total: key is empty: %w", ErrInvalidArgument)
	}
	query := fmt.Sprintf(`
		SELECT COALESCE((SELECT sum(value) FROM %s WHERE key = $1), 0)
		     + COALESCE((SELECT value FROM %s WHERE key = $1), 0)`,
		s.table("counter"), s.table("aggregated_counter"))
	var total int64
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&total); err != nil {
		return 0, fmt.Errorf("get counter total: %w", err)
	}
	return total, nil
}
