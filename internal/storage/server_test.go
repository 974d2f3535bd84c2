// Integration tests for the server registry.
package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/june-it/emberq/internal/storage"
	"github.com/june-it/emberq/internal/testutil"
)

func TestAnnounceServerUpserts(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestStore(t, storage.Options{})
	ctx := context.Background()

	if err := s.AnnounceServer(ctx, "srv-1", `{"queues":["default"]}`); err != nil {
		t.Fatalf("AnnounceServer: %v", err)
	}
	// Re-announcing replaces metadata instead of duplicating the row.
	if err := s.AnnounceServer(ctx, "srv-1", `{"queues":["default","critical"]}`); err != nil {
		t.Fatalf("AnnounceServer (second): %v", err)
	}

	servers, err := s.Servers(ctx)
	if err != nil {
		t.Fatalf("Servers: %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("servers = %d, want 1", len(servers))
	}
	if servers[0].Data != `{"queues":["default","critical"]}` {
		t.Errorf("metadata = %q, want replaced value", servers[0].Data)
	}
}

func TestHeartbeatRefreshesTimestamp(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestStore(t, storage.Options{})
	ctx := context.Background()

	if err := s.AnnounceServer(ctx, "srv-1", ""); err != nil {
		t.Fatalf("AnnounceServer: %v", err)
	}
	servers, err := s.Servers(ctx)
	if err != nil {
		t.Fatalf("Servers: %v", err)
	}
	before := servers[0].LastHeartbeat

	time.Sleep(20 * time.Millisecond)
	if err := s.Heartbeat(ctx, "srv-1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	servers, err = s.Servers(ctx)
	if err != nil {
		t.Fatalf("Servers: %v", err)
	}
	if !servers[0].LastHeartbeat.After(before) {
		t.Errorf("heartbeat did not advance: %v -> %v", before, servers[0].LastHeartbeat)
	}

	// Unknown id is a silent no-op.
	if err := s.Heartbeat(ctx, "nobody"); err != nil {
		t.Errorf("Heartbeat(unknown): %v", err)
	}
}

func TestRemoveTimedOutServers(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestStore(t, storage.Options{})
	ctx := context.Background()

	if err := s.AnnounceServer(ctx, "stale", ""); err != nil {
		t.Fatalf("AnnounceServer: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := s.AnnounceServer(ctx, "fresh", ""); err != nil {
		t.Fatalf("AnnounceServer: %v", err)
	}

	// A threshold between the two heartbeats removes only the stale one.
	n, err := s.RemoveTimedOutServers(ctx, 25*time.Millisecond)
	if err != nil {
		t.Fatalf("RemoveTimedOutServers: %v", err)
	}
	if n != 1 {
		t.Errorf("removed = %d, want 1", n)
	}

	servers, err := s.Servers(ctx)
	if err != nil {
		t.Fatalf("Servers: %v", err)
	}
	if len(servers) != 1 || servers[0].ID != "fresh" {
		t.Errorf("remaining servers = %+v, want only fresh", servers)
	}

	// Negative threshold fails fast.
	if _, err := s.RemoveTimedOutServers(ctx, -time.Second); !errors.Is(err, storage.ErrInvalidArgument) {
		t.Errorf("negative threshold: err = %v, want ErrInvalidArgument", err)
	}
}

func TestRemoveServer(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestStore(t, storage.Options{})
	ctx := context.Background()

	if err := s.AnnounceServer(ctx, "srv-1", ""); err != nil {
		t.Fatalf("AnnounceServer: %v", err)
	}
	if err := s.RemoveServer(ctx, "srv-1"); err != nil {
		t.Fatalf("RemoveServer: %v", err)
	}

	servers, err := s.Servers(ctx)
	if err != nil {
		t.Fatalf("Servers: %v", err)
	}
	if len(servers) != 0 {
		t.Errorf("servers = %+v, want none", servers)
	}
}
