package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// AcquireLock takes the lease lock on resource for owner, valid for ttl.
// The acquire is one atomic insert-or-steal: it succeeds when the resource
// is free, its previous lease has expired, or owner already holds it (which
// extends the lease). Returns false without error when another owner holds
// a live lease. Expiry rather than explicit release makes the lock crash
// tolerant: a dead owner's lease becomes stealable on its own.
func (s *Store) AcquireLock(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	if resource == "" {
		return false, fmt.Errorf("acquire lock: resource is empty: %w", ErrInvalidArgument)
	}
	if owner == "" {
		return false, fmt.Errorf("acquire lock: owner is empty: %w", ErrInvalidArgument)
	}
	if ttl <= 0 {
		return false, fmt.Errorf("acquire lock: non-positive ttl %v: %w", ttl, ErrInvalidArgument)
	}

	now := s.now().UTC()
	// ON CONFLICT references the target row by unqualified name.
	query := fmt.Sprintf(`
		INSERT INTO %s (resource, owner, expire_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (resource) DO UPDATE
		SET owner = EXCLUDED.owner, expire_at = EXCLUDED.expire_at
		WHERE lock.expire_at < $4 OR lock.owner = EXCLUDED.owner`,
		s.table("lock"))

	res, err := s.db.ExecContext(ctx, query, resource, owner, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: %w", resource, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: rows affected: %w", resource, err)
	}
	return n > 0, nil
}

// ReleaseLock drops the lease if owner still holds it. Releasing a lease
// that expired and was stolen is a silent no-op.
func (s *Store) ReleaseLock(ctx context.Context, resource, owner string) error {
	if resource == "" {
		return fmt.Errorf("release lock: resource is empty: %w", ErrInvalidArgument)
	}
	if owner == "" {
		return fmt.Errorf("release lock: owner is empty: %w", ErrInvalidArgument)
	}
	query, args, err := s.builder().
		Delete(s.table("lock")).
		Where(sq.Eq{"resource": resource, "owner": owner}).
		ToSql()
	if err != nil {
		return fmt.Errorf("release lock: build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("release lock %q: %w", resource, err)
	}
	return nil
}
