package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTrackSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/analytics/events" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if token := r.Header.Get(TokenHeader); token != "secret" {
			t.Fatalf("unexpected token header %s", token)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["type"] != "POST_VIEW" {
			t.Fatalf("expected normalised type, got %v", payload["type"])
		}
		if payload["groupId"] != "g1" {
			t.Fatalf("unexpected groupId %v", payload["groupId"])
		}
		if _, ok := payload["userId"]; ok {
			t.Fatalf("expected empty userId to be omitted")
		}
		if payload["timestamp"] == "" {
			t.Fatalf("expected timestamp to be populated")
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL+"/", " secret ", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	event := Event{Type: "post_view", EntityType: "post", EntityID: "p1", GroupID: "g1"}
	if err := client.Track(context.Background(), event); err != nil {
		t.Fatalf("track: %v", err)
	}
}

func TestTrackErrorMapping(t *testing.T) {
	cases := map[int]error{
		http.StatusUnauthorized:    ErrUnauthorized,
		http.StatusBadRequest:      ErrInvalidArgument,
		http.StatusTooManyRequests: ErrRateLimited,
	}
	for status, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", status)
		}))
		client, err := NewClient(srv.URL, "", &http.Client{Timeout: time.Second})
		if err != nil {
			t.Fatalf("new client: %v", err)
		}
		err = client.Track(context.Background(), Event{Type: "POST_VIEW", EntityID: "p1"})
		srv.Close()
		if !errors.Is(err, want) {
			t.Fatalf("status %d: expected %v, got %v", status, want, err)
		}
	}
}

func TestTrackRequiresTypeAndEntity(t *testing.T) {
	client, err := NewClient("https://api.example.com", "", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Track(context.Background(), Event{EntityID: "p1"}); err == nil {
		t.Fatal("expected error for missing type")
	}
	if err := client.Track(context.Background(), Event{Type: "POST_VIEW"}); err == nil {
		t.Fatal("expected error for missing entity id")
	}
	if _, err := NewClient(" ", "", nil); err == nil {
		t.Fatal("expected error for empty base url")
	}
}
