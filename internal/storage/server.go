package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// ServerEntry is one registered worker process.
type ServerEntry struct {
	ID            string
	Data          string
	LastHeartbeat time.Time
}

// AnnounceServer upserts the server row by id and stamps its heartbeat.
// Re-announcing replaces the metadata, so restarts converge on one row per
// server id.
func (s *Store) AnnounceServer(ctx context.Context, id, data string) error {
	if id == "" {
		return fmt.Errorf("announce server: id is empty: %w", ErrInvalidArgument)
	}
	query, args, err := s.builder().
		Insert(s.table("server")).
		Columns("id", "data", "last_heartbeat").
		Values(id, data, s.now().UTC()).
		Suffix("ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, last_heartbeat = EXCLUDED.last_heartbeat").
		ToSql()
	if err != nil {
		return fmt.Errorf("announce server: build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("announce server: %w", err)
	}
	return nil
}

// Heartbeat refreshes only the server's heartbeat timestamp. An unknown id
// is a silent no-op.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("heartbeat: server id is empty: %w", ErrInvalidArgument)
	}
	query, args, err := s.builder().
		Update(s.table("server")).
		Set("last_heartbeat", s.now().UTC()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("heartbeat: build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// RemoveServer deletes the server row.
func (s *Store) RemoveServer(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("remove server: id is empty: %w", ErrInvalidArgument)
	}
	query, args, err := s.builder().
		Delete(s.table("server")).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("remove server: build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("remove server: %w", err)
	}
	return nil
}

// RemoveTimedOutServers deletes every server whose heartbeat is older than
// now - threshold and returns the number removed. A negative threshold is
// an invalid argument.
func (s *Store) RemoveTimedOutServers(ctx context.Context, threshold time.Duration) (int64, error) {
	if threshold < 0 {
		return 0, fmt.Errorf("remove timed out servers: negative threshold %v: %w", threshold, ErrInvalidArgument)
	}
	query, args, err := s.builder().
		Delete(s.table("server")).
		Where(sq.Lt{"last_heartbeat": s.now().UTC().Add(-threshold)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("remove timed out servers: build query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("remove timed out servers: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("remove timed out servers: rows affected: %w", err)
	}
	return n, nil
}

// Servers lists all registered servers ordered by id.
func (s *Store) Servers(ctx context.Context) ([]ServerEntry, error) {
	query, args, err := s.builder().
		Select("id", "data", "last_heartbeat").
		From(s.table("server")).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("list servers: build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var result []ServerEntry
	for rows.Next() {
		var entry ServerEntry
		var data sql.NullString
		if err := rows.Scan(&entry.ID, &data, &entry.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("list servers: scan: %w", err)
		}
		entry.Data = data.String
		result = append(result, entry)
	}
	return result, rows.Err()
}
