package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

// ClaimedJob is one dequeued queue position. The claim is a soft lease: if
// neither Complete nor Requeue is called within the invisibility window,
// another worker may steal the row, so handlers must be idempotent.
type ClaimedJob struct {
	ID    int64
	JobID string
	Queue string

	store    *Store
	terminal bool
}

// Enqueue inserts an unclaimed queue row for the job. The queue does not
// forbid duplicate positions for the same job; callers are responsible for
// not double-enqueuing.
func (s *Store) Enqueue(ctx context.Context, queue, jobID string) error {
	if queue == "" {
		return fmt.Errorf("enqueue: queue name is empty: %w", ErrInvalidArgument)
	}
	id, err := parseJobID(jobID)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	query, args, err := s.builder().
		Insert(s.table("jobqueue")).
		Columns("job_id", "queue").
		Values(id, queue).
		ToSql()
	if err != nil {
		return fmt.Errorf("enqueue: build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Dequeue blocks until a queue row in one of the named queues becomes
// claimable, claims it, and returns the handle. It polls: each scan claims
// at most one row whose fetched_at is null or older than the invisibility
// window, in insertion order; when nothing is claimable it sleeps for one
// jittered poll interval and retries. Cancellation is checked before every
// sleep and on every wake and surfaces as ctx.Err(), never as a nil handle.
func (s *Store) Dequeue(ctx context.Context, queues []string) (*ClaimedJob, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("dequeue: queue list is empty: %w", ErrInvalidArgument)
	}
	for _, q := range queues {
		if q == "" {
			return nil, fmt.Errorf("dequeue: queue name is empty: %w", ErrInvalidArgument)
		}
	}

	for {
		claimed, err := s.claimOne(ctx, queues)
		if err != nil {
			return nil, fmt.Errorf("dequeue: %w", err)
		}
		if claimed != nil {
			return claimed, nil
		}
		if err := s.sleepPoll(ctx); err != nil {
			return nil, fmt.Errorf("dequeue: %w", err)
		}
	}
}

// claimOne runs the atomic claim statement once. The inner SELECT takes a
// row lock with SKIP LOCKED, so concurrent workers racing for the same row
// serialize at the store: exactly one UPDATE marks it fetched, the rest see
// zero rows and return to the poll loop.
func (s *Store) claimOne(ctx context.Context, queues []string) (*ClaimedJob, error) {
	now := s.now().UTC()
	stale := now.Add(-s.invisibility)

	query := fmt.Sprintf(`
		UPDATE %[1]s SET fetched_at = $1
		WHERE id = (
			SELECT id FROM %[1]s
			WHERE queue = ANY($2) AND (fetched_at IS NULL OR fetched_at < $3)
			ORDER BY id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, job_id, queue`, s.table("jobqueue"))

	var (
		id    int64
		jobID int64
		queue string
	)
	err := s.pool.QueryRow(ctx, query, now, queues, stale).Scan(&id, &jobID, &queue)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	return &ClaimedJob{
		ID:    id,
		JobID: strconv.FormatInt(jobID, 10),
		Queue: queue,
		store: s,
	}, nil
}

// sleepPoll waits one jittered poll interval or until ctx is cancelled.
func (s *Store) sleepPoll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// ±25% jitter spreads polling across workers so they do not stampede
	// the queue table in lockstep.
	jitter := 0.75 + rand.Float64()*0.5
	timer := time.NewTimer(time.Duration(float64(s.pollInterval) * jitter))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Complete deletes the claim row; the job is no longer associated with any
// queue. Calling it again, or after Requeue, is a no-op.
func (j *ClaimedJob) Complete(ctx context.Context) error {
	if j.terminal {
		return nil
	}
	query, args, err := j.store.builder().
		Delete(j.store.table("jobqueue")).
		Where(sq.Eq{"id": j.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("complete claim: build query: %w", err)
	}
	if _, err := j.store.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("complete claim %d: %w", j.ID, err)
	}
	j.terminal = true
	return nil
}

// Requeue clears fetched_at so the row is immediately claimable again
// without waiting out the invisibility window. Calling it again, or after
// Complete, is a no-op.
func (j *ClaimedJob) Requeue(ctx context.Context) error {
	if j.terminal {
		return nil
	}
	query, args, err := j.store.builder().
		Update(j.store.table("jobqueue")).
		Set("fetched_at", nil).
		Where(sq.Eq{"id": j.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("requeue claim: build query: %w", err)
	}
	if _, err := j.store.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("requeue claim %d: %w", j.ID, err)
	}
	j.terminal = true
	return nil
}
