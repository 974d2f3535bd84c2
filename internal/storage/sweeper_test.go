// Integration tests for the expiration sweep.
package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/june-it/emberq/internal/storage"
	"github.com/june-it/emberq/internal/testutil"
)

func TestRemoveExpiredDropsStructuredRows(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestStore(t, storage.Options{})
	ctx := context.Background()

	if err := s.SetRangeInHash(ctx, "gone", map[string]string{"f": "v"}); err != nil {
		t.Fatalf("SetRangeInHash: %v", err)
	}
	if err := s.ExpireHash(ctx, "gone", -time.Minute); err != nil {
		t.Fatalf("ExpireHash: %v", err)
	}
	if err := s.SetRangeInHash(ctx, "kept", map[string]string{"f": "v"}); err != nil {
		t.Fatalf("SetRangeInHash (kept): %v", err)
	}
	if err := s.PushToList(ctx, "gone-list", "item"); err != nil {
		t.Fatalf("PushToList: %v", err)
	}
	if err := s.ExpireList(ctx, "gone-list", -time.Minute); err != nil {
		t.Fatalf("ExpireList: %v", err)
	}

	n, err := s.RemoveExpired(ctx)
	if err != nil {
		t.Fatalf("RemoveExpired: %v", err)
	}
	if n != 2 {
		t.Errorf("removed = %d, want 2", n)
	}

	h, err := s.GetAllEntriesFromHash(ctx, "gone")
	if err != nil {
		t.Fatalf("GetAllEntriesFromHash: %v", err)
	}
	if h != nil {
		t.Errorf("expired hash survived the sweep: %v", h)
	}
	h, err = s.GetAllEntriesFromHash(ctx, "kept")
	if err != nil {
		t.Fatalf("GetAllEntriesFromHash (kept): %v", err)
	}
	if h == nil {
		t.Error("unexpired hash was swept")
	}
	l, err := s.GetAllItemsFromList(ctx, "gone-list")
	if err != nil {
		t.Fatalf("GetAllItemsFromList: %v", err)
	}
	if l != nil {
		t.Errorf("expired list survived the sweep: %v", l)
	}
}

func TestRemoveExpiredSkipsActivelyClaimedJob(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestStore(t, storage.Options{})
	ctx := context.Background()

	// An already-expired job sitting on the queue.
	id, err := s.CreateJob(ctx,
		&storage.InvocationData{Type: "report", Method: "Generate"},
		nil, nil, time.Now().UTC().Add(-2*time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.Enqueue(ctx, "default", id); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Claim it: a live claim shields the job from the sweep.
	claimCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	claim, err := s.Dequeue(claimCtx, []string{"default"})
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	if _, err := s.RemoveExpired(ctx); err != nil {
		t.Fatalf("RemoveExpired: %v", err)
	}
	job, err := s.GetJobData(ctx, id)
	if err != nil {
		t.Fatalf("GetJobData: %v", err)
	}
	if job == nil {
		t.Fatal("claimed job was swept away")
	}

	// Completing the claim lifts the shield.
	if err := claim.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := s.RemoveExpired(ctx); err != nil {
		t.Fatalf("RemoveExpired (second): %v", err)
	}
	job, err = s.GetJobData(ctx, id)
	if err != nil {
		t.Fatalf("GetJobData after sweep: %v", err)
	}
	if job != nil {
		t.Error("expired job survived after its claim completed")
	}
}

func TestRemoveExpiredReconcilesOrphanClaims(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestStore(t, storage.Options{})
	ctx := context.Background()

	id, err := s.CreateJob(ctx,
		&storage.InvocationData{Type: "report", Method: "Generate"},
		nil, nil, time.Now().UTC().Add(-2*time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.Enqueue(ctx, "default", id); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// The unclaimed expired job and its queue row both go.
	n, err := s.RemoveExpired(ctx)
	if err != nil {
		t.Fatalf("RemoveExpired: %v", err)
	}
	if n != 2 {
		t.Errorf("removed = %d, want job plus orphan claim", n)
	}

	claimCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	claim, err := s.Dequeue(claimCtx, []string{"default"})
	if err == nil || claim != nil {
		t.Errorf("Dequeue after sweep = (%v, %v), want timeout with no claim", claim, err)
	}
}
