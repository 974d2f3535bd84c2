package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// AddToSet upserts value into the set under key with the given score. An
// existing member keeps its insertion-order position; only the score moves.
func (s *Store) AddToSet(ctx context.Context, key, value string, score float64) error {
	if key == "" {
		return fmt.Errorf("add to set: key is empty: %w", ErrInvalidArgument)
	}
	if value == "" {
		return fmt.Errorf("add to set: value is empty: %w", ErrInvalidArgument)
	}

	query, args, err := s.builder().
		Insert(s.table("set")).
		Columns("key", "value", "score").
		Values(key, value, score).
		Suffix("ON CONFLICT (key, value) DO UPDATE SET score = EXCLUDED.score").
		ToSql()
	if err != nil {
		return fmt.Errorf("add to set: build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("add to set: %w", err)
	}
	return nil
}

// AddRangeToSet adds all values with score zero inside one transaction.
func (s *Store) AddRangeToSet(ctx context.Context, key string, values []string) error {
	if key == "" {
		return fmt.Errorf("add range to set: key is empty: %w", ErrInvalidArgument)
	}
	if values == nil {
		return fmt.Errorf("add range to set: values is nil: %w", ErrInvalidArgument)
	}

	return s.InTransaction(ctx, func(tx *sql.Tx) error {
		for _, value := range values {
			query, args, err := s.builder().
				Insert(s.table("set")).
				Columns("key", "value", "score").
				Values(key, value, 0).
				Suffix("ON CONFLICT (key, value) DO NOTHING").
				ToSql()
			if err != nil {
				return fmt.Errorf("add range to set: build query: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("add range to set %q: %w", value, err)
			}
		}
		return nil
	})
}

// RemoveFromSet deletes the member if present.
func (s *Store) RemoveFromSet(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("remove from set: key is empty: %w", ErrInvalidArgument)
	}
	query, args, err := s.builder().
		Delete(s.table("set")).
		Where(sq.Eq{"key": key, "value": value}).
		ToSql()
	if err != nil {
		return fmt.Errorf("remove from set: build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("remove from set: %w", err)
	}
	return nil
}

// GetAllItemsFromSet returns the members of key with no ordering guarantee,
// or (nil, nil) when the set is empty.
func (s *Store) GetAllItemsFromSet(ctx context.Context, key string) ([]string, error) {
	if key == "" {
		return nil, fmt.Errorf("get set items: key is empty: %w", ErrInvalidArgument)
	}
	query, args, err := s.builder().
		Select("value").
		From(s.table("set")).
		Where(sq.Eq{"key": key}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("get set items: build query: %w", err)
	}
	return s.scanValues(ctx, query, args, "get set items")
}

// GetFirstByLowestScoreFromSet returns the member with the lowest score in
// [fromScore, toScore], or (nil, nil) when no member falls in the range.
// toScore < fromScore is an invalid argument.
func (s *Store) GetFirstByLowestScoreFromSet(ctx context.Context, key string, fromScore, toScore float64) (*string, error) {
	if key == "" {
		return nil, fmt.Errorf("get first by score: key is empty: %w", ErrInvalidArgument)
	}
	if toScore < fromScore {
		return nil, fmt.Errorf("get first by score: toScore %v < fromScore %v: %w", toScore, fromScore, ErrInvalidArgument)
	}

	query, args, err := s.builder().
		Select("value").
		From(s.table("set")).
		Where(sq.Eq{"key": key}).
		Where(sq.GtOrEq{"score": fromScore}).
		Where(sq.LtOrEq{"score": toScore}).
		OrderBy("score ASC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("get first by score: build query: %w", err)
	}
	var value string
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get first by score: %w", err)
	}
	return &value, nil
}

// GetRangeFromSet returns members between the inclusive insertion-order
// positions startingFrom and endingAt, ascending — the set's stable FIFO
// view, in contrast to the list's recency view.
func (s *Store) GetRangeFromSet(ctx context.Context, key string, startingFrom, endingAt int64) ([]string, error) {
	if key == "" {
		return nil, fmt.Errorf("get set range: key is empty: %w", ErrInvalidArgument)
	}
	if startingFrom < 0 || endingAt < startingFrom {
		return nil, fmt.Errorf("get set range: bad range [%d, %d]: %w", startingFrom, endingAt, ErrInvalidArgument)
	}

	query, args, err := s.builder().
		Select("value").
		From(s.table("set")).
		Where(sq.Eq{"key": key}).
		OrderBy("id ASC").
		Offset(uint64(startingFrom)).
		Limit(uint64(endingAt - startingFrom + 1)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("get set range: build query: %w", err)
	}
	return s.scanValues(ctx, query, args, "get set range")
}

// GetSetCount returns the number of members under key.
func (s *Store) GetSetCount(ctx context.Context, key string) (int64, error) {
	return s.countRows(ctx, "set", key, "get set count")
}

// GetSetTtl returns the time until the earliest-expiring member, or
// NoExpiration.
func (s *Store) GetSetTtl(ctx context.Context, key string) (time.Duration, error) {
	return s.keyTtl(ctx, "set", key, "get set ttl")
}

// ExpireSet stamps every member under key with an expiration of now + in.
func (s *Store) ExpireSet(ctx context.Context, key string, in time.Duration) error {
	return s.expireKey(ctx, "set", key, in, "expire set")
}

// PersistSet clears the expiration from every member under key.
func (s *Store) PersistSet(ctx context.Context, key string) error {
	return s.persistKey(ctx, "set", key, "persist set")
}

// scanValues collects a single text column into a slice, nil when empty.
func (s *Store) scanValues(ctx context.Context, query string, args []any, op string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close() //nolint:errcheck

	var result []string
	for rows.Next() {
		var value sql.NullString
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		result = append(result, value.String)
	}
	return result, rows.Err()
}
