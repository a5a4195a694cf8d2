package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreLazyExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, time.May, 1, 10, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return now })
	ctx := context.Background()

	if err := store.Set(ctx, "k", []byte("v"), 10*time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	now = now.Add(9 * time.Second)
	got, err := store.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("expected hit before expiry, got %q %v", got, err)
	}
	now = now.Add(time.Second)
	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss at expiry, got %v", err)
	}
}

func TestMemoryStoreExpireAndDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Set(ctx, "a", []byte("1"), 0)
	if err := store.Expire(ctx, "a", -1); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if _, err := store.Get(ctx, "a"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected non-positive expire to drop key, got %v", err)
	}
	_ = store.Set(ctx, "b", []byte("2"), 0)
	_ = store.Del(ctx, "b")
	if _, err := store.Get(ctx, "b"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected deleted key to miss, got %v", err)
	}
}

func TestMemoryStoreDeletePrefix(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, k := range []string{"analytics:engagement:g1:day", "analytics:engagement:g1:week", "analytics:engagement:g2:day"} {
		_ = store.Set(ctx, k, []byte("x"), time.Minute)
	}
	n, err := store.DeletePrefix(ctx, "analytics:engagement:g1:")
	if err != nil {
		t.Fatalf("delete prefix: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deleted, got %d", n)
	}
	if _, err := store.Get(ctx, "analytics:engagement:g2:day"); err != nil {
		t.Fatalf("expected other group to survive, got %v", err)
	}
}

func TestMemoryStoreSortedSet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.ZAdd(ctx, "q", 3, "c")
	_ = store.ZAdd(ctx, "q", 1, "a")
	_ = store.ZAdd(ctx, "q", 2, "b")

	if n, _ := store.ZCard(ctx, "q"); n != 3 {
		t.Fatalf("expected 3 members, got %d", n)
	}
	popped, err := store.ZPopMin(ctx, "q", 2)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(popped) != 2 || popped[0].Member != "a" || popped[1].Member != "b" {
		t.Fatalf("unexpected pop order %+v", popped)
	}
	if n, _ := store.ZCard(ctx, "q"); n != 1 {
		t.Fatalf("expected 1 member left, got %d", n)
	}
}
