package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/splax/modpulse/internal/cache"
)

func TestQueuePopsByPriorityThenAge(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(cache.NewMemoryStore(), "", nil)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	q.SetClock(func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	})

	for _, n := range []Notification{
		{EntityID: "low", Priority: PriorityLow},
		{EntityID: "high-old", Priority: PriorityHigh},
		{EntityID: "medium", Priority: PriorityMedium},
		{EntityID: "high-new", Priority: PriorityHigh},
		{EntityID: "critical", Priority: PriorityCritical},
	} {
		if _, err := q.Enqueue(ctx, n); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if depth, _ := q.Len(ctx); depth != 5 {
		t.Fatalf("expected depth 5, got %d", depth)
	}

	got, err := q.Next(ctx, 10)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := []string{"critical", "high-old", "high-new", "medium", "low"}
	if len(got) != len(want) {
		t.Fatalf("expected %d notifications, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].EntityID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].EntityID)
		}
		if got[i].ID == "" || got[i].CreatedAt.IsZero() {
			t.Fatalf("expected id and timestamp to be filled")
		}
	}
	if depth, _ := q.Len(ctx); depth != 0 {
		t.Fatalf("expected empty queue, got %d", depth)
	}
}

func TestQueueOnRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := cache.NewRedisStoreFromClient(client, "modpulse", time.Second, nil)
	q := NewQueue(store, "moderation:notifications", nil)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, Notification{EntityID: "p1", Priority: ParsePriority("low")}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, Notification{EntityID: "p2", Priority: ParsePriority("critical")}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !mr.Exists("modpulse:moderation:notifications") {
		t.Fatalf("expected prefixed sorted set in redis")
	}
	got, err := q.Next(ctx, 1)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if len(got) != 1 || got[0].EntityID != "p2" {
		t.Fatalf("expected critical notification first, got %+v", got)
	}
}

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{
		"low": PriorityLow, "HIGH": PriorityHigh, "urgent": PriorityCritical, "": PriorityMedium, "weird": PriorityMedium,
	}
	for in, want := range cases {
		if got := ParsePriority(in); got != want {
			t.Fatalf("ParsePriority(%q) = %d, expected %d", in, got, want)
		}
	}
}
