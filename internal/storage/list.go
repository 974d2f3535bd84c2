package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// PushToList appends value to the list under key. Lists model a recency
// view: reads return most-recently-inserted first.
func (s *Store) PushToList(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("push to list: key is empty: %w", ErrInvalidArgument)
	}
	query, args, err := s.builder().
		Insert(s.table("list")).
		Columns("key", "value").
		Values(key, value).
		ToSql()
	if err != nil {
		return fmt.Errorf("push to list: build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("push to list: %w", err)
	}
	return nil
}

// RemoveFromList deletes every occurrence of value under key.
func (s *Store) RemoveFromList(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("remove from list: key is empty: %w", ErrInvalidArgument)
	}
	query, args, err := s.builder().
		Delete(s.table("list")).
		Where(sq.Eq{"key": key, "value": value}).
		ToSql()
	if err != nil {
		return fmt.Errorf("remove from list: build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("remove from list: %w", err)
	}
	return nil
}

// TrimList keeps only the entries between the inclusive recency positions
// keepStartingFrom and keepEndingAt (0 = most recent) and deletes the rest.
func (s *Store) TrimList(ctx context.Context, key string, keepStartingFrom, keepEndingAt int64) error {
	if key == "" {
		return fmt.Errorf("trim list: key is empty: %w", ErrInvalidArgument)
	}
	if keepStartingFrom < 0 || keepEndingAt < keepStartingFrom {
		return fmt.Errorf("trim list: bad range [%d, %d]: %w", keepStartingFrom, keepEndingAt, ErrInvalidArgument)
	}

	query := fmt.Sprintf(`
		DELETE FROM %[1]s
		WHERE key = $1 AND id NOT IN (
			SELECT id FROM %[1]s
			WHERE key = $1
			ORDER BY id DESC
			OFFSET $2 LIMIT $3
		)`, s.table("list"))
	_, err := s.db.ExecContext(ctx, query, key, keepStartingFrom, keepEndingAt-keepStartingFrom+1)
	if err != nil {
		return fmt.Errorf("trim list: %w", err)
	}
	return nil
}

// GetAllItemsFromList returns every entry under key, most recent first, or
// (nil, nil) when the list is empty.
func (s *Store) GetAllItemsFromList(ctx context.Context, key string) ([]string, error) {
	if key == "" {
		return nil, fmt.Errorf("get list items: key is empty: %w", ErrInvalidArgument)
	}
	query, args, err := s.builder().
		Select("value").
		From(s.table("list")).
		Where(sq.Eq{"key": key}).
		OrderBy("id DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("get list items: build query: %w", err)
	}
	return s.scanValues(ctx, query, args, "get list items")
}

// GetRangeFromList returns entries between the inclusive recency positions
// startingFrom and endingAt, most recent first.
func (s *Store) GetRangeFromList(ctx context.Context, key string, startingFrom, endingAt int64) ([]string, error) {
	if key == "" {
		return nil, fmt.Errorf("get list range: key is empty: %w", ErrInvalidArgument)
	}
	if startingFrom < 0 || endingAt < startingFrom {
		return nil, fmt.Errorf("get list range: bad range [%d, %d]: %w", startingFrom, endingAt, ErrInvalidArgument)
	}

	query, args, err := s.builder().
		Select("value").
		From(s.table("list")).
		Where(sq.Eq{"key": key}).
		OrderBy("id DESC").
		Offset(uint64(startingFrom)).
		Limit(uint64(endingAt - startingFrom + 1)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("get list range: build query: %w", err)
	}
	return s.scanValues(ctx, query, args, "get list range")
}

// GetListCount returns the number of entries under key.
func (s *Store) GetListCount(ctx context.Context, key string) (int64, error) {
	return s.countRows(ctx, "list", key, "get list count")
}

// GetListTtl returns the time until the earliest-expiring entry, or
// NoExpiration.
func (s *Store) GetListTtl(ctx context.Context, key string) (time.Duration, error) {
	return s.keyTtl(ctx, "list", key, "get list ttl")
}

// ExpireList stamps every entry under key with an expiration of now + in.
func (s *Store) ExpireList(ctx context.Context, key string, in time.Duration) error {
	return s.expireKey(ctx, "list", key, in, "expire list")
}

// PersistList clears the expiration from every entry under key.
func (s *Store) PersistList(ctx context.Context, key string) error {
	return s.persistKey(ctx, "list", key, "persist list")
}
