package storage

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// RemoveExpired deletes every structured-store row whose expiration has
// passed, plus expired jobs (cascading their parameters and state history)
// and queue rows that reference jobs which no longer exist. A job with an
// active claim — fetched within the invisibility window — is skipped even
// when expired, so a worker never loses the row under its feet. Returns the
// total rows removed.
func (s *Store) RemoveExpired(ctx context.Context) (int64, error) {
	now := s.now().UTC()
	var total int64

	for _, tableName := range []string{"hash", "set", "list", "counter", "aggregated_counter", "lock"} {
		query, args, err := s.builder().
			Delete(s.table(tableName)).
			Where(sq.Lt{"expire_at": now}).
			ToSql()
		if err != nil {
			return total, fmt.Errorf("remove expired: build %s delete: %w", tableName, err)
		}
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("remove expired: %s: %w", tableName, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	// Expired jobs go only when no claim on them is still live.
	jobQuery := fmt.Sprintf(`
		DELETE FROM %s j
		WHERE j.expire_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM %s q
			WHERE q.job_id = j.id AND q.fetched_at IS NOT NULL AND q.fetched_at >= $2
		  )`, s.table("job"), s.table("jobqueue"))
	res, err := s.db.ExecContext(ctx, jobQuery, now, now.Add(-s.invisibility))
	if err != nil {
		return total, fmt.Errorf("remove expired: job: %w", err)
	}
	n, _ := res.RowsAffected()
	total += n

	// The queue carries no foreign key to job; reconcile orphans here.
	orphanQuery := fmt.Sprintf(`
		DELETE FROM %s q
		WHERE NOT EXISTS (SELECT 1 FROM %s j WHERE j.id = q.job_id)`,
		s.table("jobqueue"), s.table("job"))
	res, err = s.db.ExecContext(ctx, orphanQuery)
	if err != nil {
		return total, fmt.Errorf("remove expired: orphan claims: %w", err)
	}
	n, _ = res.RowsAffected()
	total += n

	return total, nil
}

// AggregateCounters folds up to batch raw increment rows into the rollup
// table and deletes them, all in one transaction. Reads keep summing both
// tables, so the fold never changes an observable total. Returns the number
// of raw rows folded; call repeatedly until it reports zero to drain.
func (s *Store) AggregateCounters(ctx context.Context, batch int) (int64, error) {
	if batch <= 0 {
		return 0, fmt.Errorf("aggregate counters: non-positive batch %d: %w", batch, ErrInvalidArgument)
	}

	var folded int64
	err := s.InTransaction(ctx, func(tx *sql.Tx) error {
		query, args, err := s.builder().
			Select("id", "key", "value", "expire_at").
			From(s.table("counter")).
			OrderBy("id").
			Limit(uint64(batch)).
			Suffix("FOR UPDATE SKIP LOCKED").
			ToSql()
		if err != nil {
			return fmt.Errorf("build select: %w", err)
		}
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("select counters: %w", err)
		}
		defer rows.Close() //nolint:errcheck

		// A never-expiring raw row pins the whole rollup: expire_at stays
		// NULL once any folded increment has no expiration, otherwise the
		// sweep would delete counts that must survive it.
		type rollup struct {
			sum      int64
			never    bool
			expireAt sql.NullTime
		}
		var ids []int64
		sums := make(map[string]*rollup)
		for rows.Next() {
			var (
				id       int64
				key      string
				value    int64
				expireAt sql.NullTime
			)
			if err := rows.Scan(&id, &key, &value, &expireAt); err != nil {
				return fmt.Errorf("scan counter: %w", err)
			}
			ids = append(ids, id)
			r := sums[key]
			if r == nil {
				r = &rollup{}
				sums[key] = r
			}
			r.sum += value
			if !expireAt.Valid {
				r.never = true
			} else if !r.expireAt.Valid || expireAt.Time.After(r.expireAt.Time) {
				r.expireAt = expireAt
			}
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("read counters: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		for key, r := range sums {
			var expireAt any
			if r.expireAt.Valid && !r.never {
				expireAt = r.expireAt.Time
			}
			query, args, err := s.builder().
				Insert(s.table("aggregated_counter")).
				Columns("key", "value", "expire_at").
				Values(key, r.sum, expireAt).
				// ON CONFLICT references the target row by unqualified name.
				// GREATEST ignores NULLs, so spell out that a NULL on either
				// side (never expires) wins over any expiry.
				Suffix("ON CONFLICT (key) DO UPDATE SET value = aggregated_counter.value + EXCLUDED.value, " +
					"expire_at = CASE WHEN aggregated_counter.expire_at IS NULL OR EXCLUDED.expire_at IS NULL " +
					"THEN NULL ELSE GREATEST(aggregated_counter.expire_at, EXCLUDED.expire_at) END").
				ToSql()
			if err != nil {
				return fmt.Errorf("build rollup upsert: %w", err)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("upsert rollup %q: %w", key, err)
			}
		}

		query, args, err = s.builder().
			Delete(s.table("counter")).
			Where(sq.Eq{"id": ids}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("delete folded counters: %w", err)
		}
		folded = int64(len(ids))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("aggregate counters: %w", err)
	}
	return folded, nil
}
