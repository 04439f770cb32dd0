package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("://nope"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestAcquireIsReentrantForHolder(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()
	ctx := context.Background()

	if err := store.Acquire(ctx, "h-1", "u-1", time.Minute); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := store.Acquire(ctx, "h-1", "u-1", time.Minute); err != nil {
		t.Fatalf("re-entrant Acquire failed: %v", err)
	}
	if err := store.Acquire(ctx, "h-1", "u-2", time.Minute); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld for second user, got %v", err)
	}
	holder, err := store.Holder(ctx, "h-1")
	if err != nil || holder != "u-1" {
		t.Fatalf("Holder() = %q, %v", holder, err)
	}
}

func TestReleaseOnlyByHolder(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()
	ctx := context.Background()

	if err := store.Acquire(ctx, "h-1", "u-1", time.Minute); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := store.Release(ctx, "h-1", "u-2"); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld when releasing foreign lock, got %v", err)
	}
	if err := store.Release(ctx, "h-1", "u-1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := store.Release(ctx, "h-1", "u-1"); err != nil {
		t.Fatalf("Release of free lock should succeed, got %v", err)
	}
	holder, _ := store.Holder(ctx, "h-1")
	if holder != "" {
		t.Fatalf("expected free lock, got holder %q", holder)
	}
}

func TestLockExpires(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	ctx := context.Background()

	if err := store.Acquire(ctx, "h-1", "u-1", time.Second); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	s.FastForward(2 * time.Second)
	if err := store.Acquire(ctx, "h-1", "u-2", time.Minute); err != nil {
		t.Fatalf("expected expired lock to be acquirable, got %v", err)
	}
}

func TestForceOverridesHolder(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()
	ctx := context.Background()

	_ = store.Acquire(ctx, "h-1", "u-1", time.Minute)
	if err := store.Force(ctx, "h-1", "u-2", time.Minute); err != nil {
		t.Fatalf("Force failed: %v", err)
	}
	holder, _ := store.Holder(ctx, "h-1")
	if holder != "u-2" {
		t.Fatalf("expected forced holder u-2, got %q", holder)
	}
}
