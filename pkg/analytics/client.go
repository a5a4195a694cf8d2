// Package analytics is a client for the analytics event ingestion endpoint.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 5 * time.Second
	maxErrorBodySize = 4096
	// TokenHeader carries the ingest token.
	TokenHeader = "X-Ingest-Token"
)

// ErrUnauthorized indicates the API rejected the ingest token.
var ErrUnauthorized = errors.New("analytics unauthorized")

// ErrInvalidArgument indicates the API rejected the event with validation errors.
var ErrInvalidArgument = errors.New("analytics invalid argument")

// ErrRateLimited indicates the API throttled the client.
var ErrRateLimited = errors.New("analytics rate limited")

// Client sends analytics events to the modpulse API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	now     func() time.Time
}

// Event is an analytics event as accepted by the API.
type Event struct {
	Type       string
	EntityType string
	EntityID   string
	UserID     string
	GroupID    string
	Metadata   map[string]any
	Timestamp  time.Time
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL, ingestToken string, client *http.Client) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("analytics base url required")
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Client{
		baseURL: trimmed,
		token:   strings.TrimSpace(ingestToken),
		client:  client,
		now:     time.Now,
	}, nil
}

// Track sends event to the ingestion endpoint.
func (c *Client) Track(ctx context.Context, event Event) error {
	if c == nil {
		return errors.New("analytics client not initialised")
	}
	if strings.TrimSpace(event.Type) == "" {
		return errors.New("analytics event requires type")
	}
	if strings.TrimSpace(event.EntityID) == "" {
		return errors.New("analytics event requires entity id")
	}
	body, err := json.Marshal(buildPayload(event, c.now))
	if err != nil {
		return fmt.Errorf("marshal analytics event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analytics/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build analytics request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set(TokenHeader, c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send analytics request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errorForStatus(resp)
	}
	return nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, summary)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, summary)
	default:
		return fmt.Errorf("analytics request failed: %s", summary)
	}
}

func buildPayload(event Event, nowFn func() time.Time) map[string]any {
	occurred := event.Timestamp
	if occurred.IsZero() {
		occurred = nowFn()
	}
	entityType := strings.TrimSpace(event.EntityType)
	if entityType == "" {
		entityType = "unknown"
	}
	payload := map[string]any{
		"type":       strings.ToUpper(strings.TrimSpace(event.Type)),
		"entityType": entityType,
		"entityId":   strings.TrimSpace(event.EntityID),
		"timestamp":  occurred.UTC().Format(time.RFC3339Nano),
	}
	if v := strings.TrimSpace(event.UserID); v != "" {
		payload["userId"] = v
	}
	if v := strings.TrimSpace(event.GroupID); v != "" {
		payload["groupId"] = v
	}
	if len(event.Metadata) > 0 {
		payload["metadata"] = event.Metadata
	}
	return payload
}
