package cachecontrol

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/splax/modpulse/internal/cache"
)

func TestHeadersUseTierDefaults(t *testing.T) {
	p := NewPolicy(Tiers{}, Tiers{})
	cases := map[Duration]string{
		Short:  "public, s-maxage=10",
		Medium: "public, s-maxage=300",
		Long:   "public, s-maxage=3600",
	}
	for d, want := range cases {
		if got := p.Headers(Options{Duration: d}).Get("Cache-Control"); got != want {
			t.Fatalf("%s: expected %q, got %q", d, want, got)
		}
	}
}

func TestHeadersStaleWhileRevalidateAndOverride(t *testing.T) {
	p := NewPolicy(Tiers{Short: 5 * time.Second}, Tiers{})

	h := p.Headers(Options{Duration: Short, StaleWhileRevalidate: true})
	if got := h.Get("Cache-Control"); got != "public, s-maxage=5, stale-while-revalidate=60" {
		t.Fatalf("unexpected cache-control %q", got)
	}
	if h.Get("CDN-Cache-Control") != h.Get("Cache-Control") {
		t.Fatalf("expected CDN header to mirror Cache-Control")
	}
	if h.Get("X-Cache-Purge") != "" {
		t.Fatalf("purge header must be opt-in")
	}

	h = p.Headers(Options{Duration: Long, SMaxAgeOverride: 42 * time.Second, AllowPurge: true, Tags: []string{"analytics", "g1"}})
	if got := h.Get("Cache-Control"); got != "public, s-maxage=42" {
		t.Fatalf("unexpected cache-control %q", got)
	}
	if h.Get("X-Cache-Purge") != "allowed" || h.Get("Cache-Tag") != "analytics,g1" {
		t.Fatalf("expected purge headers, got %v", h)
	}
}

func TestNoStoreAndApply(t *testing.T) {
	p := NewPolicy(Tiers{}, Tiers{})
	rec := httptest.NewRecorder()
	Apply(rec, p.NoStore())
	if got := rec.Header().Get("Cache-Control"); got != "private, no-store, max-age=0" {
		t.Fatalf("unexpected cache-control %q", got)
	}
}

func TestParseDuration(t *testing.T) {
	if d, err := ParseDuration(""); err != nil || d != Medium {
		t.Fatalf("expected medium default, got %q (%v)", d, err)
	}
	if d, err := ParseDuration(" LONG "); err != nil || d != Long {
		t.Fatalf("expected long, got %q (%v)", d, err)
	}
	if _, err := ParseDuration("forever"); err == nil {
		t.Fatalf("expected error for unknown tier")
	}
}

func TestInvalidateRemovesEntityListsAndDependents(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()
	for _, key := range []string{
		"post:1", "post:2", "post:list:page=1", "post:list:group=g1",
		"analytics:content:g1:week", "analytics:content:global:day", "analytics:engagement:g1:week",
	} {
		if err := store.Set(ctx, key, []byte("x"), time.Minute); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}

	inv := NewInvalidator(store, map[string][]string{"post": {"analytics:content:"}}, nil)
	removed, err := inv.Invalidate(ctx, "post", "1")
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if removed != 4 {
		t.Fatalf("expected 4 prefix deletions, got %d", removed)
	}
	for _, gone := range []string{"post:1", "post:list:page=1", "analytics:content:global:day"} {
		if _, err := store.Get(ctx, gone); !errors.Is(err, cache.ErrMiss) {
			t.Fatalf("expected %s removed, got %v", gone, err)
		}
	}
	for _, kept := range []string{"post:2", "analytics:engagement:g1:week"} {
		if _, err := store.Get(ctx, kept); err != nil {
			t.Fatalf("expected %s kept, got %v", kept, err)
		}
	}
}

type failingStore struct {
	*cache.MemoryStore
}

func (failingStore) DeletePrefix(context.Context, string) (int, error) {
	return 0, errors.New("store down")
}

func TestInvalidateReportsStoreErrors(t *testing.T) {
	inv := NewInvalidator(failingStore{cache.NewMemoryStore()}, nil, nil)
	if _, err := inv.Invalidate(context.Background(), "post", "1"); err == nil {
		t.Fatalf("expected error from failing store")
	}
}
