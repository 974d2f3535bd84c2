// Integration tests for the queue claim protocol: mutual exclusion, lease
// expiry, requeue and cancellation. Uses testutil.NewTestStore; each test
// runs against its own container (t.Parallel).
package storage_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/june-it/emberq/internal/storage"
	"github.com/june-it/emberq/internal/testutil"
)

// newJob inserts a minimal job and returns its id.
func newJob(t *testing.T, s *storage.Store) string {
	t.Helper()
	id, err := s.CreateJob(context.Background(),
		&storage.InvocationData{Type: "report", Method: "Generate"},
		[]string{"42"}, nil, time.Now().UTC(), time.Hour)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return id
}

func TestDequeue_ExactlyOneClaim(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestStore(t, storage.Options{})
	ctx := context.Background()

	jobID := newJob(t, s)
	if err := s.Enqueue(ctx, "default", jobID); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Eight workers race for one job; exactly one claim must succeed, the
	// rest must time out empty-handed.
	const workers = 8
	dequeueCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var claimed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := s.Dequeue(dequeueCtx, []string{"default"})
			if err != nil {
				return // context deadline: lost the race
			}
			claimed.Add(1)
			if job.JobID != jobID {
				t.Errorf("claimed job %q, want %q", job.JobID, jobID)
			}
		}()
	}
	wg.Wait()

	if n := claimed.Load(); n != 1 {
		t.Fatalf("claims = %d, want exactly 1", n)
	}
}

func TestDequeue_LeaseExpiry(t *testing.T) {
	t.Parallel()
	// Tiny invisibility window so a stalled claim becomes stealable fast.
	s := testutil.NewTestStore(t, storage.Options{InvisibilityTimeout: 200 * time.Millisecond})
	ctx := context.Background()

	jobID := newJob(t, s)
	if err := s.Enqueue(ctx, "default", jobID); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	first, err := s.Dequeue(ctx, []string{"default"})
	if err != nil {
		t.Fatalf("first Dequeue: %v", err)
	}

	// Without Requeue the row must become claimable again once the window
	// elapses.
	time.Sleep(300 * time.Millisecond)

	stealCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	second, err := s.Dequeue(stealCtx, []string{"default"})
	if err != nil {
		t.Fatalf("second Dequeue after lease expiry: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("stole claim %d, want %d", second.ID, first.ID)
	}
}

func TestClaim_CompleteRemovesFromQueue(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestStore(t, storage.Options{})
	ctx := context.Background()

	jobID := newJob(t, s)
	if err := s.Enqueue(ctx, "default", jobID); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := s.Dequeue(ctx, []string{"default"})
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := job.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	// Complete is idempotent once terminal.
	if err := job.Complete(ctx); err != nil {
		t.Fatalf("Complete (second call): %v", err)
	}
	if err := job.Requeue(ctx); err != nil {
		t.Fatalf("Requeue after Complete should be a no-op: %v", err)
	}

	// Queue is empty now: a bounded Dequeue must be cancelled, never return
	// a nil handle.
	waitCtx, cancel := context.WithTimeout(ctx, 400*time.Millisecond)
	defer cancel()
	got, err := s.Dequeue(waitCtx, []string{"default"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Dequeue on empty queue: err = %v, want deadline exceeded", err)
	}
	if got != nil {
		t.Errorf("Dequeue returned a handle alongside cancellation")
	}
}

func TestClaim_RequeueIsImmediatelyClaimable(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestStore(t, storage.Options{})
	ctx := context.Background()

	jobID := newJob(t, s)
	if err := s.Enqueue(ctx, "default", jobID); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := s.Dequeue(ctx, []string{"default"})
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := job.Requeue(ctx); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	// No invisibility wait needed after an explicit requeue.
	reCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	again, err := s.Dequeue(reCtx, []string{"default"})
	if err != nil {
		t.Fatalf("Dequeue after Requeue: %v", err)
	}
	if again.JobID != jobID {
		t.Errorf("re-dequeued job %q, want %q", again.JobID, jobID)
	}
}

func TestDequeue_Cancellation(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestStore(t, storage.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := s.Dequeue(ctx, []string{"default"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	// Cancellation must be observed within one poll-interval granularity.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancellation took %v, should be within one poll interval", elapsed)
	}
}

func TestDequeue_EmptyQueueListIsInvalid(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestStore(t, storage.Options{})

	_, err := s.Dequeue(context.Background(), nil)
	if !errors.Is(err, storage.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestDequeue_InsertionOrderTiebreak(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestStore(t, storage.Options{})
	ctx := context.Background()

	first := newJob(t, s)
	second := newJob(t, s)
	for _, id := range []string{first, second} {
		if err := s.Enqueue(ctx, "default", id); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	got, err := s.Dequeue(ctx, []string{"default"})
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if got.JobID != first {
		t.Errorf("dequeued %q first, want %q (insertion order)", got.JobID, first)
	}
}

func TestDequeue_MultipleQueues(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestStore(t, storage.Options{})
	ctx := context.Background()

	jobID := newJob(t, s)
	if err := s.Enqueue(ctx, "critical", jobID); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got, err := s.Dequeue(ctx, []string{"default", "critical"})
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if got.Queue != "critical" {
		t.Errorf("claimed from %q, want %q", got.Queue, "critical")
	}
}
