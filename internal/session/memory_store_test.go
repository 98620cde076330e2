package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore(10, time.Hour)
	ctx := context.Background()

	sess := New(testPrincipal(1), time.Now())
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Principal.Username != "pat" {
		t.Fatalf("unexpected principal: %+v", got.Principal)
	}
	if err := store.Touch(ctx, sess.ID); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if err := store.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Touch(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Touch after delete = %v", err)
	}
}

func TestMemoryStoreExpires(t *testing.T) {
	store := NewMemoryStore(10, 20*time.Millisecond)
	ctx := context.Background()

	sess := New(testPrincipal(1), time.Now())
	_ = store.Save(ctx, sess)
	time.Sleep(60 * time.Millisecond)
	if _, err := store.Get(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired session, got %v", err)
	}
}

func TestMemoryStoreRevokeUser(t *testing.T) {
	store := NewMemoryStore(10, time.Hour)
	ctx := context.Background()

	mine := New(testPrincipal(1), time.Now())
	theirs := New(testPrincipal(2), time.Now())
	_ = store.Save(ctx, mine)
	_ = store.Save(ctx, theirs)

	if err := store.RevokeUser(ctx, 1); err != nil {
		t.Fatalf("RevokeUser failed: %v", err)
	}
	if _, err := store.Get(ctx, mine.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("session survived revoke: %v", err)
	}
	if _, err := store.Get(ctx, theirs.ID); err != nil {
		t.Fatalf("other session revoked: %v", err)
	}
}

func TestMemoryStoreEvictsOldest(t *testing.T) {
	store := NewMemoryStore(2, time.Hour)
	ctx := context.Background()

	first := New(testPrincipal(1), time.Now())
	_ = store.Save(ctx, first)
	_ = store.Save(ctx, New(testPrincipal(2), time.Now()))
	_ = store.Save(ctx, New(testPrincipal(3), time.Now()))

	if _, err := store.Get(ctx, first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected oldest session to be evicted, got %v", err)
	}
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
