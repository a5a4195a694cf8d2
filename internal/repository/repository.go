package repository

import (
	"context"
	"time"

	"github.com/splax/modpulse/internal/domain"
)

// EventFilter narrows aggregate queries over the event log.
type EventFilter struct {
	From    time.Time
	To      time.Time
	GroupID string
	Types   []domain.EventType
}

// EventRepository persists the append-only analytics event log and answers
// aggregate queries over it.
type EventRepository interface {
	InsertEvent(ctx context.Context, event *domain.AnalyticsEvent) error
	CountEvents(ctx context.Context, filter EventFilter) (int64, error)
	CountByType(ctx context.Context, filter EventFilter) ([]domain.TypeCount, error)
	CountDistinctUsers(ctx context.Context, filter EventFilter) (int64, error)
	// BucketCounts groups events by type and by interval ("hour", "day", "month").
	BucketCounts(ctx context.Context, filter EventFilter, interval string) ([]domain.BucketCount, error)
	// TopEntities ranks entity ids of entityType by event count, descending.
	TopEntities(ctx context.Context, filter EventFilter, entityType string, limit int) ([]domain.EntityCount, error)
	// TopGroups ranks group ids by event count, descending.
	TopGroups(ctx context.Context, filter EventFilter, limit int) ([]domain.EntityCount, error)
}

// ContentRepository resolves content metadata for rankings.
type ContentRepository interface {
	PostSummaries(ctx context.Context, ids []string) (map[string]domain.PostSummary, error)
	GroupSummaries(ctx context.Context, ids []string) (map[string]domain.GroupSummary, error)
}
