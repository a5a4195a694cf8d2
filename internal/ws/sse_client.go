package ws

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// ErrStreamingUnsupported is returned when the response cannot be flushed incrementally.
var ErrStreamingUnsupported = errors.New("ws: streaming unsupported")

// DefaultSSERetry is the reconnect delay announced to browsers.
const DefaultSSERetry = 3 * time.Second

// SSEClient is a hub subscriber that writes Server-Sent Events to one response.
// Every event carries a sequence id so EventSource clients can report
// Last-Event-ID after a reconnect.
type SSEClient struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	topic   string
	log     *slog.Logger
	seq     uint64
	closed  bool
}

// OpenSSE writes the event-stream headers and the retry hint, and returns a
// client for topic. It fails before touching w when w cannot flush.
func OpenSSE(w http.ResponseWriter, topic string, retry time.Duration, logger *slog.Logger) (*SSEClient, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	c := NewSSEClient(w, flusher, topic, logger)
	if retry <= 0 {
		retry = DefaultSSERetry
	}
	if err := c.write("retry: " + strconv.FormatInt(retry.Milliseconds(), 10) + "\n\n"); err != nil {
		return nil, err
	}
	return c, nil
}

// NewSSEClient wraps a writer that already carries event-stream headers.
func NewSSEClient(w io.Writer, flusher http.Flusher, topic string, logger *slog.Logger) *SSEClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEClient{w: w, flusher: flusher, topic: topic, log: logger.With("topic", topic)}
}

// Send writes payload as one event named after the topic. Multi-line
// payloads are split across data fields.
func (c *SSEClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	c.seq++
	var frame bytes.Buffer
	frame.WriteString("id: ")
	frame.WriteString(strconv.FormatUint(c.seq, 10))
	frame.WriteString("\nevent: ")
	frame.WriteString(c.topic)
	frame.WriteByte('\n')
	for _, line := range bytes.Split(bytes.TrimRight(payload, "\n"), []byte("\n")) {
		frame.WriteString("data: ")
		frame.Write(bytes.TrimSuffix(line, []byte("\r")))
		frame.WriteByte('\n')
	}
	frame.WriteByte('\n')
	return c.writeLocked(frame.String())
}

// Heartbeat writes a comment frame so idle proxies keep the stream open.
func (c *SSEClient) Heartbeat() error {
	return c.write(": ping\n\n")
}

// Sent reports how many events have been sent.
func (c *SSEClient) Sent() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

func (c *SSEClient) write(frame string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(frame)
}

func (c *SSEClient) writeLocked(frame string) error {
	if c.closed {
		return io.EOF
	}
	if _, err := io.WriteString(c.w, frame); err != nil {
		c.closed = true
		c.log.Warn("sse write failed", "error", err)
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close stops further writes. The response itself is owned by the handler.
func (c *SSEClient) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
