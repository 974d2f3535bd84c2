// Package monitor provides the read-only aggregation queries a dashboard
// sits on: counts by state, queue lengths, paginated job listings. It never
// writes; slightly stale reads are acceptable by contract.
package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/june-it/emberq/internal/storage"
)

// Statistics is the snapshot the dashboard front page shows.
type Statistics struct {
	Enqueued   int64
	Processing int64
	Succeeded  int64
	Failed     int64
	Servers    int64
	Recurring  int64
	// Queues maps queue name to total claim rows, including claimed ones.
	Queues map[string]int64
}

// JobSummary is one row of a paginated job listing.
type JobSummary struct {
	ID        string
	StateName string
	CreatedAt time.Time
}

// QueuedJob is one row of a queue listing.
type QueuedJob struct {
	JobID     string
	Queue     string
	FetchedAt *time.Time
}

// Monitor reads aggregate views of a Store's tables.
type Monitor struct {
	db     *sql.DB
	schema string
}

// New creates a Monitor over st's database.
func New(st *storage.Store) *Monitor {
	return &Monitor{db: st.DB(), schema: st.Schema()}
}

func (m *Monitor) table(name string) string {
	return m.schema + "." + name
}

func (m *Monitor) builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
}

// GetStatistics aggregates the front-page counters in one round trip per
// table.
func (m *Monitor) GetStatistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{Queues: make(map[string]int64)}

	query, args, err := m.builder().
		Select("state_name", "count(*)").
		From(m.table("job")).
		Where(sq.NotEq{"state_name": nil}).
		GroupBy("state_name").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("statistics: build state query: %w", err)
	}
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("statistics: states: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("statistics: scan state: %w", err)
		}
		switch state {
		case storage.StateEnqueued:
			stats.Enqueued = count
		case storage.StateProcessing:
			stats.Processing = count
		case storage.StateSucceeded:
			stats.Succeeded = count
		case storage.StateFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("statistics: states: %w", err)
	}

	if err := m.scalar(ctx, m.builder().Select("count(*)").From(m.table("server")), &stats.Servers, "servers"); err != nil {
		return nil, err
	}
	if err := m.scalar(ctx, m.builder().
		Select("count(*)").
		From(m.table("set")).
		Where(sq.Eq{"key": "recurring-jobs"}), &stats.Recurring, "recurring"); err != nil {
		return nil, err
	}

	query, args, err = m.builder().
		Select("queue", "count(*)").
		From(m.table("jobqueue")).
		GroupBy("queue").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("statistics: build queue query: %w", err)
	}
	qrows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("statistics: queues: %w", err)
	}
	defer qrows.Close() //nolint:errcheck
	for qrows.Next() {
		var queue string
		var count int64
		if err := qrows.Scan(&queue, &count); err != nil {
			return nil, fmt.Errorf("statistics: scan queue: %w", err)
		}
		stats.Queues[queue] = count
	}
	return stats, qrows.Err()
}

// JobsByState returns one page of jobs in the named state, newest first.
func (m *Monitor) JobsByState(ctx context.Context, state string, offset, limit int64) ([]JobSummary, error) {
	if state == "" {
		return nil, fmt.Errorf("jobs by state: state is empty: %w", storage.ErrInvalidArgument)
	}
	if offset < 0 || limit <= 0 {
		return nil, fmt.Errorf("jobs by state: bad page [%d, %d]: %w", offset, limit, storage.ErrInvalidArgument)
	}

	query, args, err := m.builder().
		Select("id", "state_name", "created_at").
		From(m.table("job")).
		Where(sq.Eq{"state_name": state}).
		OrderBy("id DESC").
		Offset(uint64(offset)).
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("jobs by state: build query: %w", err)
	}
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobs by state: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var result []JobSummary
	for rows.Next() {
		var s JobSummary
		if err := rows.Scan(&s.ID, &s.StateName, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("jobs by state: scan: %w", err)
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// QueuedJobs returns one page of the named queue's claim rows in insertion
// order, claimed or not.
func (m *Monitor) QueuedJobs(ctx context.Context, queue string, offset, limit int64) ([]QueuedJob, error) {
	if queue == "" {
		return nil, fmt.Errorf("queued jobs: queue is empty: %w", storage.ErrInvalidArgument)
	}
	if offset < 0 || limit <= 0 {
		return nil, fmt.Errorf("queued jobs: bad page [%d, %d]: %w", offset, limit, storage.ErrInvalidArgument)
	}

	query, args, err := m.builder().
		Select("job_id", "queue", "fetched_at").
		From(m.table("jobqueue")).
		Where(sq.Eq{"queue": queue}).
		OrderBy("id ASC").
		Offset(uint64(offset)).
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("queued jobs: build query: %w", err)
	}
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queued jobs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var result []QueuedJob
	for rows.Next() {
		var (
			jobID     int64
			q         string
			fetchedAt sql.NullTime
		)
		if err := rows.Scan(&jobID, &q, &fetchedAt); err != nil {
			return nil, fmt.Errorf("queued jobs: scan: %w", err)
		}
		entry := QueuedJob{JobID: fmt.Sprintf("%d", jobID), Queue: q}
		if fetchedAt.Valid {
			t := fetchedAt.Time
			entry.FetchedAt = &t
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

// scalar runs a single-value count query into dst.
func (m *Monitor) scalar(ctx context.Context, b sq.SelectBuilder, dst *int64, what string) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("statistics: build %s query: %w", what, err)
	}
	if err := m.db.QueryRowContext(ctx, query, args...).Scan(dst); err != nil {
		return fmt.Errorf("statistics: %s: %w", what, err)
	}
	return nil
}
