package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"eos/api/internal/rbac"
	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+s.Addr(), ttl)
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func testPrincipal(id int64) rbac.Principal {
	div := int64(7)
	return rbac.Principal{
		ID:       id,
		Username: "pat",
		Roles:    []rbac.Assignment{{RoleName: rbac.RoleReadWrite, DivisionID: &div}},
	}
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t, time.Hour)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestRedisSaveAndGet(t *testing.T) {
	store, _ := setupTestRedis(t, time.Hour)
	ctx := context.Background()

	sess := New(testPrincipal(1), time.Now())
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Principal.ID != 1 || len(got.Principal.Roles) != 1 || *got.Principal.Roles[0].DivisionID != 7 {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestRedisSessionExpiresAndTouchRenews(t *testing.T) {
	store, s := setupTestRedis(t, time.Minute)
	ctx := context.Background()

	sess := New(testPrincipal(1), time.Now())
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	s.FastForward(40 * time.Second)
	if err := store.Touch(ctx, sess.ID); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	s.FastForward(40 * time.Second)
	if _, err := store.Get(ctx, sess.ID); err != nil {
		t.Fatalf("touched session expired early: %v", err)
	}

	s.FastForward(2 * time.Minute)
	if _, err := store.Get(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Touch(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Touch on expired session = %v, want ErrNotFound", err)
	}
}

func TestRedisRevokeUser(t *testing.T) {
	store, s := setupTestRedis(t, time.Hour)
	ctx := context.Background()

	a := New(testPrincipal(1), time.Now())
	b := New(testPrincipal(1), time.Now())
	other := New(testPrincipal(2), time.Now())
	for _, sess := range []Session{a, b, other} {
		if err := store.Save(ctx, sess); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	if err := store.RevokeUser(ctx, 1); err != nil {
		t.Fatalf("RevokeUser failed: %v", err)
	}
	for _, id := range []string{a.ID, b.ID} {
		if _, err := store.Get(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("session %s survived revoke: %v", id, err)
		}
	}
	if _, err := store.Get(ctx, other.ID); err != nil {
		t.Errorf("other user's session was revoked: %v", err)
	}
	if s.Exists("session:user:1") {
		t.Error("user index was not removed")
	}
}

func TestRedisDelete(t *testing.T) {
	store, s := setupTestRedis(t, time.Hour)
	ctx := context.Background()

	sess := New(testPrincipal(3), time.Now())
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	members, _ := s.Members("session:user:3")
	if len(members) != 0 {
		t.Fatalf("user index still lists %v", members)
	}
	if err := store.Delete(ctx, "missing"); err != nil {
		t.Fatalf("Delete of missing session = %v", err)
	}
}
