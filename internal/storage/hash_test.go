// Integration tests for the hash primitive and the shared TTL policy.
package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/june-it/emberq/internal/storage"
	"github.com/june-it/emberq/internal/testutil"
)

func TestHashSetRangeAndGetAll(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestStore(t, storage.Options{})
	ctx := context.Background()

	if err := s.SetRangeInHash(ctx, "h", map[string]string{"a": "1", "b": "2"}); err != nil {
		t.Fatalf("SetRangeInHash: %v", err)
	}
	// Upserting again overwrites in place.
	if err := s.SetRangeInHash(ctx, "h", map[string]string{"b": "22", "c": "3"}); err != nil {
		t.Fatalf("SetRangeInHash (second): %v", err)
	}

	got, err := s.GetAllEntriesFromHash(ctx, "h")
	if err != nil {
		t.Fatalf("GetAllEntriesFromHash: %v", err)
	}
	want := map[string]string{"a": "1", "b": "22", "c": "3"}
	if len(got) != len(want) {
		t.Fatalf("entries = %v, want %v", got, want)
	}
	for field, value := range want {
		if got[field] != value {
			t.Errorf("field %q = %q, want %q", field, got[field], value)
		}
	}

	count, err := s.GetHashCount(ctx, "h")
	if err != nil {
		t.Fatalf("GetHashCount: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}

	v, err := s.GetValueFromHash(ctx, "h", "b")
	if err != nil {
		t.Fatalf("GetValueFromHash: %v", err)
	}
	if v == nil || *v != "22" {
		t.Errorf("value = %v, want 22", v)
	}
}

func TestHashAbsentKeyIsNilNotEmpty(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestStore(t, storage.Options{})
	ctx := context.Background()

	got, err := s.GetAllEntriesFromHash(ctx, "missing")
	if err != nil {
		t.Fatalf("GetAllEntriesFromHash: %v", err)
	}
	if got != nil {
		t.Errorf("absent key should return a nil map, got %v", got)
	}

	v, err := s.GetValueFromHash(ctx, "missing", "f")
	if err != nil {
		t.Fatalf("GetValueFromHash: %v", err)
	}
	if v != nil {
		t.Error("absent field should return nil, not an error")
	}
}

func TestHashWriteRollsBackAtomically(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestStore(t, storage.Options{})
	ctx := context.Background()

	// Postgres text columns reject NUL bytes, so one pair of the batch is
	// guaranteed to fail its upsert whatever order the map iterates in. The
	// pairs written before the failure must roll back with it.
	err := s.SetRangeInHash(ctx, "atomic", map[string]string{
		"a":      "1",
		"b":      "2",
		"poison": "x\x00y",
	})
	if err == nil {
		t.Fatal("SetRangeInHash with a NUL value should fail")
	}

	got, err := s.GetAllEntriesFromHash(ctx, "atomic")
	if err != nil {
		t.Fatalf("GetAllEntriesFromHash: %v", err)
	}
	if got != nil {
		t.Errorf("partial write leaked: %v", got)
	}

	// The failed batch must not poison later writes either.
	if err := s.SetRangeInHash(ctx, "atomic", map[string]string{"a": "1"}); err != nil {
		t.Fatalf("SetRangeInHash after rollback: %v", err)
	}
	v, err := s.GetValueFromHash(ctx, "atomic", "a")
	if err != nil {
		t.Fatalf("GetValueFromHash: %v", err)
	}
	if v == nil || *v != "1" {
		t.Errorf("value after retry = %v, want 1", v)
	}
}

func TestTtlSentinelIsUniform(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestStore(t, storage.Options{})
	ctx := context.Background()

	// Keys with rows but no expirations.
	if err := s.SetRangeInHash(ctx, "h", map[string]string{"f": "v"}); err != nil {
		t.Fatalf("SetRangeInHash: %v", err)
	}
	if err := s.AddToSet(ctx, "s", "member", 1); err != nil {
		t.Fatalf("AddToSet: %v", err)
	}
	if err := s.PushToList(ctx, "l", "item"); err != nil {
		t.Fatalf("PushToList: %v", err)
	}

	checks := []struct {
		name string
		ttl  func(context.Context, string) (time.Duration, error)
		key  string
	}{
		{"hash with rows", s.GetHashTtl, "h"},
		{"hash absent", s.GetHashTtl, "none"},
		{"set with rows", s.GetSetTtl, "s"},
		{"set absent", s.GetSetTtl, "none"},
		{"list with rows", s.GetListTtl, "l"},
		{"list absent", s.GetListTtl, "none"},
	}
	for _, c := range checks {
		ttl, err := c.ttl(ctx, c.key)
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if ttl != storage.NoExpiration {
			t.Errorf("%s: ttl = %v, want the NoExpiration sentinel", c.name, ttl)
		}
	}
}

func TestHashExpireAndPersist(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestStore(t, storage.Options{})
	ctx := context.Background()

	if err := s.SetRangeInHash(ctx, "h", map[string]string{"f": "v"}); err != nil {
		t.Fatalf("SetRangeInHash: %v", err)
	}
	if err := s.ExpireHash(ctx, "h", time.Hour); err != nil {
		t.Fatalf("ExpireHash: %v", err)
	}

	ttl, err := s.GetHashTtl(ctx, "h")
	if err != nil {
		t.Fatalf("GetHashTtl: %v", err)
	}
	if ttl <= 0 || ttl > time.Hour {
		t.Errorf("ttl = %v, want within (0, 1h]", ttl)
	}

	if err := s.PersistHash(ctx, "h"); err != nil {
		t.Fatalf("PersistHash: %v", err)
	}
	ttl, err = s.GetHashTtl(ctx, "h")
	if err != nil {
		t.Fatalf("GetHashTtl after persist: %v", err)
	}
	if ttl != storage.NoExpiration {
		t.Errorf("ttl after persist = %v, want sentinel", ttl)
	}

	// Expired rows stay readable until the sweep removes them.
	if err := s.ExpireHash(ctx, "h", -time.Minute); err != nil {
		t.Fatalf("ExpireHash (past): %v", err)
	}
	got, err := s.GetAllEntriesFromHash(ctx, "h")
	if err != nil {
		t.Fatalf("GetAllEntriesFromHash: %v", err)
	}
	if got == nil {
		t.Error("expired-but-unswept rows should still be readable")
	}
}

func TestHashInvalidArguments(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestStore(t, storage.Options{})
	ctx := context.Background()

	if err := s.SetRangeInHash(ctx, "", map[string]string{"f": "v"}); !errors.Is(err, storage.ErrInvalidArgument) {
		t.Errorf("empty key: err = %v, want ErrInvalidArgument", err)
	}
	if err := s.SetRangeInHash(ctx, "h", nil); !errors.Is(err, storage.ErrInvalidArgument) {
		t.Errorf("nil fields: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := s.GetAllEntriesFromHash(ctx, ""); !errors.Is(err, storage.ErrInvalidArgument) {
		t.Errorf("empty key get: err = %v, want ErrInvalidArgument", err)
	}
}
