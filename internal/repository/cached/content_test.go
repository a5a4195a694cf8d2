package cached

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/splax/modpulse/internal/cache"
	"github.com/splax/modpulse/internal/domain"
)

type contentStub struct {
	mu        sync.Mutex
	postCalls [][]string
	groupErr  error
}

func (s *contentStub) PostSummaries(_ context.Context, ids []string) (map[string]domain.PostSummary, error) {
	s.mu.Lock()
	s.postCalls = append(s.postCalls, ids)
	s.mu.Unlock()
	out := make(map[string]domain.PostSummary, len(ids))
	for _, id := range ids {
		out[id] = domain.PostSummary{ID: id, Title: "title " + id}
	}
	return out, nil
}

func (s *contentStub) GroupSummaries(_ context.Context, ids []string) (map[string]domain.GroupSummary, error) {
	if s.groupErr != nil {
		return nil, s.groupErr
	}
	out := make(map[string]domain.GroupSummary, len(ids))
	for _, id := range ids {
		out[id] = domain.GroupSummary{ID: id, Name: "group " + id}
	}
	return out, nil
}

func (s *contentStub) calls() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.postCalls...)
}

func TestPostSummariesServedFromCache(t *testing.T) {
	stub := &contentStub{}
	repo := NewContentRepository(stub, cache.NewMemoryStore(), Options{Concurrency: 2, TTL: time.Minute}, nil)
	defer repo.Close()
	ctx := context.Background()

	first, err := repo.PostSummaries(ctx, []string{"p2", "p1", "p2"})
	if err != nil {
		t.Fatalf("post summaries: %v", err)
	}
	if first["p1"].Title != "title p1" || len(first) != 2 {
		t.Fatalf("unexpected summaries %+v", first)
	}
	second, err := repo.PostSummaries(ctx, []string{"p1", "p2"})
	if err != nil {
		t.Fatalf("post summaries: %v", err)
	}
	if second["p2"].Title != "title p2" {
		t.Fatalf("unexpected cached summaries %+v", second)
	}

	calls := stub.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one backend call, got %d", len(calls))
	}
	if len(calls[0]) != 2 || calls[0][0] != "p1" || calls[0][1] != "p2" {
		t.Fatalf("expected sorted unique ids, got %v", calls[0])
	}
	if stats := repo.Stats(); stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestEmptyIDsSkipBackend(t *testing.T) {
	stub := &contentStub{}
	repo := NewContentRepository(stub, cache.NewMemoryStore(), Options{}, nil)
	defer repo.Close()

	out, err := repo.PostSummaries(context.Background(), nil)
	if err != nil || len(out) != 0 {
		t.Fatalf("expected empty result, got %v %v", out, err)
	}
	if len(stub.calls()) != 0 {
		t.Fatalf("expected no backend calls")
	}
}

func TestGroupSummaryErrorsPropagate(t *testing.T) {
	stub := &contentStub{groupErr: errors.New("mongo down")}
	repo := NewContentRepository(stub, cache.NewMemoryStore(), Options{}, nil)
	defer repo.Close()

	if _, err := repo.GroupSummaries(context.Background(), []string{"g1"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestKeepWarmWritesMarker(t *testing.T) {
	store := cache.NewMemoryStore()
	repo := NewContentRepository(&contentStub{}, store, Options{KeepWarm: time.Hour}, nil)
	defer repo.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := store.Get(context.Background(), PostSummaryPrefix+":warm"); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected warm marker")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
