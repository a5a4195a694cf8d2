// Package admin provides typed access to the modpulse admin endpoints for interactive tools.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is used when no API address is configured.
const DefaultBaseURL = "http://localhost:4000"

// Client talks to the admin surface of the API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// PoolStats mirrors the pool occupancy reported per datastore.
type PoolStats struct {
	Connected            bool  `json:"connected"`
	PoolSize             int64 `json:"poolSize"`
	AvailableConnections int64 `json:"availableConnections"`
	MaxPoolSize          int64 `json:"maxPoolSize"`
	MinPoolSize          int64 `json:"minPoolSize"`
}

// ConnectionStatus is the health record of one datastore.
type ConnectionStatus struct {
	Database       string     `json:"database"`
	Status         string     `json:"status"`
	LastChecked    *time.Time `json:"lastChecked"`
	ResponseTimeMS *float64   `json:"responseTimeMs"`
	Error          *string    `json:"error"`
	PoolStats      PoolStats  `json:"poolStats"`
}

// Monitoring describes the automatic check schedule.
type Monitoring struct {
	Running         bool  `json:"running"`
	IntervalSeconds int64 `json:"intervalSeconds"`
	TimeoutSeconds  int64 `json:"timeoutSeconds"`
}

// StatusReport is returned by the database status endpoint.
type StatusReport struct {
	Success    bool                        `json:"success"`
	Timestamp  time.Time                   `json:"timestamp"`
	Status     map[string]ConnectionStatus `json:"status"`
	Monitoring Monitoring                  `json:"monitoring"`
}

// Status returns the last recorded connection status without probing.
func (c *Client) Status(ctx context.Context) (StatusReport, error) {
	var report StatusReport
	if err := c.do(ctx, http.MethodGet, "/admin/database/status", nil, &report); err != nil {
		return StatusReport{}, err
	}
	return report, nil
}

// StatusAction drives the monitor. Zero durations leave the server defaults untouched.
type StatusAction struct {
	Action   string
	Database string
	Interval time.Duration
	Timeout  time.Duration
}

// ControlStatus posts a check, start, stop or configure action.
func (c *Client) ControlStatus(ctx context.Context, action StatusAction) (StatusReport, error) {
	body := map[string]any{"action": action.Action}
	if action.Database != "" {
		body["database"] = action.Database
	}
	if action.Interval > 0 {
		body["interval_seconds"] = int(action.Interval / time.Second)
	}
	if action.Timeout > 0 {
		body["timeout_seconds"] = int(action.Timeout / time.Second)
	}
	var report StatusReport
	if err := c.do(ctx, http.MethodPost, "/admin/database/status", body, &report); err != nil {
		return StatusReport{}, err
	}
	return report, nil
}

// Metrics returns the raw metrics payload, optionally filtered to one database.
func (c *Client) Metrics(ctx context.Context, database string) (map[string]json.RawMessage, error) {
	path := "/admin/database/metrics"
	if strings.TrimSpace(database) != "" {
		path += "?database=" + url.QueryEscape(strings.TrimSpace(database))
	}
	var payload map[string]json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ResetMetrics clears metrics for database, or for every database when empty.
func (c *Client) ResetMetrics(ctx context.Context, database string) error {
	body := map[string]string{"action": "reset"}
	if strings.TrimSpace(database) != "" {
		body["database"] = strings.TrimSpace(database)
	}
	return c.do(ctx, http.MethodPost, "/admin/database/metrics", body, nil)
}

// Notification is a queued moderation notification.
type Notification struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Priority   int       `json:"priority"`
	EventID    string    `json:"eventId,omitempty"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	GroupID    string    `json:"groupId,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// NotificationBatch is one pop from the notification queue.
type NotificationBatch struct {
	Notifications []Notification `json:"notifications"`
	Remaining     int64          `json:"remaining"`
}

// Notifications pops up to limit notifications in priority order.
func (c *Client) Notifications(ctx context.Context, limit int) (NotificationBatch, error) {
	path := "/admin/notifications"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var batch NotificationBatch
	if err := c.do(ctx, http.MethodGet, path, nil, &batch); err != nil {
		return NotificationBatch{}, err
	}
	return batch, nil
}

// Invalidate removes cached entries for namespace and id.
func (c *Client) Invalidate(ctx context.Context, namespace, id string) (int, error) {
	body := map[string]string{"namespace": namespace, "id": id}
	var resp struct {
		Removed int `json:"removed"`
	}
	if err := c.do(ctx, http.MethodPost, "/admin/cache/invalidate", body, &resp); err != nil {
		return 0, err
	}
	return resp.Removed, nil
}
