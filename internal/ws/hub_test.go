package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     bool
	closed   bool
}

func (s *recordingSubscriber) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broken pipe")
	}
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *recordingSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingSubscriber) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func (s *recordingSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestHubPublishesToTopicSubscribers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	status := &recordingSubscriber{}
	analytics := &recordingSubscriber{}
	hub.Register(TopicStatus, status)
	hub.Register(TopicAnalytics, analytics)

	if err := hub.Publish(TopicStatus, map[string]string{"database": "mongodb"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, func() bool { return status.received() == 1 })
	if analytics.received() != 0 {
		t.Fatalf("expected other topics untouched")
	}

	var envelope struct {
		Topic string            `json:"topic"`
		Data  map[string]string `json:"data"`
	}
	status.mu.Lock()
	err := json.Unmarshal(status.payloads[0], &envelope)
	status.mu.Unlock()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Topic != TopicStatus || envelope.Data["database"] != "mongodb" {
		t.Fatalf("unexpected envelope %+v", envelope)
	}
}

func TestHubDropsFailingSubscribers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	broken := &recordingSubscriber{fail: true}
	hub.Register(TopicStatus, broken)
	waitFor(t, func() bool { return hub.Subscribers(TopicStatus) == 1 })

	hub.Broadcast(TopicStatus, []byte(`{}`))
	waitFor(t, func() bool { return broken.isClosed() })
	waitFor(t, func() bool { return hub.Subscribers(TopicStatus) == 0 })
}

func TestHubUnregisterAndClose(t *testing.T) {
	hub := NewHub()
	a := &recordingSubscriber{}
	b := &recordingSubscriber{}
	hub.Register(TopicStatus, a)
	hub.Register(TopicStatus, b)
	hub.Unregister(TopicStatus, a)
	waitFor(t, func() bool { return hub.Subscribers(TopicStatus) == 1 })

	hub.Close()
	waitFor(t, func() bool { return b.isClosed() })
	if a.isClosed() {
		t.Fatalf("unregistered subscriber should not be closed by the hub")
	}
	hub.Broadcast(TopicStatus, []byte(`{}`))
	hub.Close()
}

func TestSSEClientWritesTopicEvents(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, TopicAnalytics, nil)
	if err := client.Send([]byte(`{"ok":true}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := client.Send([]byte("{\n\"n\":2\n}\n")); err != nil {
		t.Fatalf("send: %v", err)
	}
	want := "id: 1\nevent: analytics\ndata: {\"ok\":true}\n\n" +
		": ping\n\n" +
		"id: 2\nevent: analytics\ndata: {\ndata: \"n\":2\ndata: }\n\n"
	if body := rec.Body.String(); body != want {
		t.Fatalf("unexpected stream %q", body)
	}
	if client.Sent() != 2 {
		t.Fatalf("expected two events, got %d", client.Sent())
	}
	client.Close()
	if err := client.Send([]byte(`{}`)); err == nil {
		t.Fatalf("expected send after close to fail")
	}
	if client.Sent() != 2 {
		t.Fatalf("expected closed client not to consume ids")
	}
}

func TestOpenSSEAnnouncesRetry(t *testing.T) {
	rec := httptest.NewRecorder()
	client, err := OpenSSE(rec, TopicStatus, 1500*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer client.Close()
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if rec.Code != 200 || rec.Body.String() != "retry: 1500\n\n" {
		t.Fatalf("unexpected preamble %d %q", rec.Code, rec.Body.String())
	}
}

type noFlushWriter struct {
	header http.Header
	wrote  bool
}

func (w *noFlushWriter) Header() http.Header       { return w.header }
func (w *noFlushWriter) Write([]byte) (int, error) { w.wrote = true; return 0, nil }
func (w *noFlushWriter) WriteHeader(int)           { w.wrote = true }

func TestOpenSSERequiresFlusher(t *testing.T) {
	w := &noFlushWriter{header: make(http.Header)}
	if _, err := OpenSSE(w, TopicStatus, 0, nil); !errors.Is(err, ErrStreamingUnsupported) {
		t.Fatalf("expected ErrStreamingUnsupported, got %v", err)
	}
	if w.wrote || len(w.header) != 0 {
		t.Fatalf("expected response untouched")
	}
}
