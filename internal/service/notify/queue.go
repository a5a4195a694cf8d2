// Package notify queues moderation notifications by priority.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/modpulse/internal/cache"
)

// Priority orders notifications; higher pops first.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// ParsePriority maps a severity label; unknown labels are PriorityMedium.
func ParsePriority(severity string) Priority {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical", "urgent":
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// Notification asks moderators to look at an entity.
type Notification struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Priority   Priority  `json:"priority"`
	EventID    string    `json:"eventId,omitempty"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	GroupID    string    `json:"groupId,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// priorityWeight keeps every priority band apart for any millisecond timestamp.
const priorityWeight = 1e13

// Queue stores notifications in a sorted set.
type Queue struct {
	store  cache.Store
	key    string
	logger *slog.Logger
	now    func() time.Time
}

// NewQueue builds a queue under key.
func NewQueue(store cache.Store, key string, logger *slog.Logger) *Queue {
	if key == "" {
		key = "moderation:notifications"
	}
	if logger != nil {
		logger = logger.With("component", "notification_queue")
	}
	return &Queue{store: store, key: key, logger: logger, now: time.Now}
}

// SetClock overrides the time source. It must be called before use.
func (q *Queue) SetClock(now func() time.Time) {
	if now != nil {
		q.now = now
	}
}

// Enqueue adds n, filling ID and CreatedAt when empty.
func (q *Queue) Enqueue(ctx context.Context, n Notification) (Notification, error) {
	if q.store == nil {
		return Notification{}, errors.New("notification store not configured")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = q.now().UTC()
	}
	if n.Priority < PriorityLow {
		n.Priority = PriorityMedium
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return Notification{}, fmt.Errorf("encode notification: %w", err)
	}
	score := -float64(n.Priority)*priorityWeight + float64(n.CreatedAt.UnixMilli())
	if err := q.store.ZAdd(ctx, q.key, score, string(payload)); err != nil {
		return Notification{}, err
	}
	if q.logger != nil {
		q.logger.Debug("notification queued", "id", n.ID, "priority", n.Priority, "entity_id", n.EntityID)
	}
	return n, nil
}

// Next pops up to count notifications, highest priority then oldest first.
func (q *Queue) Next(ctx context.Context, count int) ([]Notification, error) {
	if q.store == nil {
		return nil, errors.New("notification store not configured")
	}
	if count <= 0 {
		count = 1
	}
	members, err := q.store.ZPopMin(ctx, q.key, count)
	if err != nil {
		return nil, err
	}
	out := make([]Notification, 0, len(members))
	for _, m := range members {
		var n Notification
		if err := json.Unmarshal([]byte(m.Member), &n); err != nil {
			if q.logger != nil {
				q.logger.Warn("dropping undecodable notification", "error", err)
			}
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// Len reports the queue depth.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	if q.store == nil {
		return 0, nil
	}
	return q.store.ZCard(ctx, q.key)
}
