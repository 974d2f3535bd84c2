package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// SetRangeInHash upserts every field/value pair under key inside one
// transaction: a failure anywhere rolls back all pairs. Each pair is a
// single atomic ON CONFLICT upsert, so concurrent writers to the same field
// cannot race into duplicate-insert conflicts.
func (s *Store) SetRangeInHash(ctx context.Context, key string, fields map[string]string) error {
	if key == "" {
		return fmt.Errorf("set hash range: key is empty: %w", ErrInvalidArgument)
	}
	if fields == nil {
		return fmt.Errorf("set hash range: fields map is nil: %w", ErrInvalidArgument)
	}
	for field := range fields {
		if field == "" {
			return fmt.Errorf("set hash range: field name is empty: %w", ErrInvalidArgument)
		}
	}

	return s.InTransaction(ctx, func(tx *sql.Tx) error {
		for field, value := range fields {
			query, args, err := s.builder().
				Insert(s.table("hash")).
				Columns("key", "field", "value").
				Values(key, field, value).
				Suffix("ON CONFLICT (key, field) DO UPDATE SET value = EXCLUDED.value").
				ToSql()
			if err != nil {
				return fmt.Errorf("set hash range: build upsert: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("set hash range %q/%q: %w", key, field, err)
			}
		}
		return nil
	})
}

// GetAllEntriesFromHash returns the field→value map for key, or (nil, nil)
// when the key has no fields — a nil map distinguishes "no key" from a key
// whose fields happen to be empty strings.
func (s *Store) GetAllEntriesFromHash(ctx context.Context, key string) (map[string]string, error) {
	if key == "" {
		return nil, fmt.Errorf("get hash entries: key is empty: %w", ErrInvalidArgument)
	}

	query, args, err := s.builder().
		Select("field", "value").
		From(s.table("hash")).
		Where(sq.Eq{"key": key}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("get hash entries: build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get hash entries: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var result map[string]string
	for rows.Next() {
		var field string
		var value sql.NullString
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("get hash entries: scan: %w", err)
		}
		if result == nil {
			result = make(map[string]string)
		}
		result[field] = value.String
	}
	return result, rows.Err()
}

// GetValueFromHash returns one field's value, or (nil, nil) when absent.
func (s *Store) GetValueFromHash(ctx context.Context, key, field string) (*string, error) {
	if key == "" {
		return nil, fmt.Errorf("get hash value: key is empty: %w", ErrInvalidArgument)
	}
	if field == "" {
		return nil, fmt.Errorf("get hash value: field is empty: %w", ErrInvalidArgument)
	}

	query, args, err := s.builder().
		Select("value").
		From(s.table("hash")).
		Where(sq.Eq{"key": key, "field": field}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("get hash value: build query: %w", err)
	}
	var value sql.NullString
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get hash value: %w", err)
	}
	return &value.String, nil
}

// GetHashCount returns the number of fields stored under key.
func (s *Store) GetHashCount(ctx context.Context, key string) (int64, error) {
	return s.countRows(ctx, "hash", key, "get hash count")
}

// GetHashTtl returns the time until the earliest-expiring field, or
// NoExpiration when the key is absent or nothing under it expires.
func (s *Store) GetHashTtl(ctx context.Context, key string) (time.Duration, error) {
	return s.keyTtl(ctx, "hash", key, "get hash ttl")
}

// RemoveHash deletes every field under key.
func (s *Store) RemoveHash(ctx context.Context, key string) error {
	return s.removeKey(ctx, "hash", key, "remove hash")
}

// ExpireHash stamps every field under key with an expiration of now + in.
func (s *Store) ExpireHash(ctx context.Context, key string, in time.Duration) error {
	return s.expireKey(ctx, "hash", key, in, "expire hash")
}

// PersistHash clears the expiration from every field under key.
func (s *Store) PersistHash(ctx context.Context, key string) error {
	return s.persistKey(ctx, "hash", key, "persist hash")
}

// ── shared key-addressed helpers ──────────────────────────────────────────────

// countRows counts the rows stored under key in one of the structured
// tables.
func (s *Store) countRows(ctx context.Context, tableName, key, op string) (int64, error) {
	if key == "" {
		return 0, fmt.Errorf("%s: key is empty: %w", op, ErrInvalidArgument)
	}
	query, args, err := s.builder().
		Select("count(*)").
		From(s.table(tableName)).
		Where(sq.Eq{"key": key}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("%s: build query: %w", op, err)
	}
	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return count, nil
}

// keyTtl implements the shared TTL policy: minimum expire_at minus now, or
// the NoExpiration sentinel when there are no rows or no expirations —
// never a failure.
func (s *Store) keyTtl(ctx context.Context, tableName, key, op string) (time.Duration, error) {
	if key == "" {
		return 0, fmt.Errorf("%s: key is empty: %w", op, ErrInvalidArgument)
	}
	query, args, err := s.builder().
		Select("min(expire_at)").
		From(s.table(tableName)).
		Where(sq.Eq{"key": key}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("%s: build query: %w", op, err)
	}
	var min sql.NullTime
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&min); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if !min.Valid {
		return NoExpiration, nil
	}
	return min.Time.Sub(s.now().UTC()), nil
}

func (s *Store) removeKey(ctx context.Context, tableName, key, op string) error {
	if key == "" {
		return fmt.Errorf("%s: key is empty: %w", op, ErrInvalidArgument)
	}
	query, args, err := s.builder().
		Delete(s.table(tableName)).
		Where(sq.Eq{"key": key}).
		ToSql()
	if err != nil {
		return fmt.Errorf("%s: build query: %w", op, err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Store) expireKey(ctx context.Context, tableName, key string, in time.Duration, op string) error {
	if key == "" {
		return fmt.Errorf("%s: key is empty: %w", op, ErrInvalidArgument)
	}
	return s.setKeyExpiration(ctx, tableName, key, s.now().UTC().Add(in), op)
}

func (s *Store) persistKey(ctx context.Context, tableName, key, op string) error {
	if key == "" {
		return fmt.Errorf("%s: key is empty: %w", op, ErrInvalidArgument)
	}
	return s.setKeyExpiration(ctx, tableName, key, nil, op)
}

func (s *Store) setKeyExpiration(ctx context.Context, tableName, key string, expireAt any, op string) error {
	query, args, err := s.builder().
		Update(s.table(tableName)).
		Set("expire_at", expireAt).
		Where(sq.Eq{"key": key}).
		ToSql()
	if err != nil {
		return fmt.Errorf("%s: build query: %w", op, err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
