package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrInvalidEvent indicates an analytics event failed ingestion validation.
var ErrInvalidEvent = errors.New("domain: invalid analytics event")

// EventType tags an analytics event.
type EventType string

const (
	EventPageView         EventType = "PAGE_VIEW"
	EventPostView         EventType = "POST_VIEW"
	EventPostCreate       EventType = "POST_CREATE"
	EventPostLike         EventType = "POST_LIKE"
	EventCommentCreate    EventType = "COMMENT_CREATE"
	EventCommentLike      EventType = "COMMENT_LIKE"
	EventGroupJoin        EventType = "GROUP_JOIN"
	EventGroupLeave       EventType = "GROUP_LEAVE"
	EventSearch           EventType = "SEARCH"
	EventReportCreate     EventType = "REPORT_CREATE"
	EventModerationAction EventType = "MODERATION_ACTION"
)

// metadataSchema lists the metadata keys accepted for one event type.
type metadataSchema struct {
	required []string
	optional []string
}

var metadataSchemas = map[EventType]metadataSchema{
	EventPageView:         {required: []string{"path"}, optional: []string{"referrer", "duration_ms"}},
	EventPostView:         {optional: []string{"source", "duration_ms"}},
	EventPostCreate:       {optional: []string{"title_length", "has_media"}},
	EventPostLike:         {},
	EventCommentCreate:    {optional: []string{"post_id", "parent_id"}},
	EventCommentLike:      {optional: []string{"post_id"}},
	EventGroupJoin:        {optional: []string{"invited_by"}},
	EventGroupLeave:       {optional: []string{"reason"}},
	EventSearch:           {required: []string{"query"}, optional: []string{"results"}},
	EventReportCreate:     {required: []string{"reason"}, optional: []string{"severity", "details"}},
	EventModerationAction: {required: []string{"action"}, optional: []string{"reason", "target_user_id"}},
}

// EventTypes returns every known event type in a stable order.
func EventTypes() []EventType {
	types := make([]EventType, 0, len(metadataSchemas))
	for t := range metadataSchemas {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Valid reports whether the event type is known.
func (t EventType) Valid() bool {
	_, ok := metadataSchemas[t]
	return ok
}

// ParseEventType normalises and validates a textual event type.
func ParseEventType(value string) (EventType, error) {
	t := EventType(strings.ToUpper(strings.TrimSpace(value)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, value)
	}
	return t, nil
}

// AnalyticsEvent is an immutable entry of the analytics event log.
type AnalyticsEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	UserID     string         `json:"userId,omitempty"`
	GroupID    string         `json:"groupId,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Validate checks the event against the metadata schema of its type.
func (e AnalyticsEvent) Validate() error {
	schema, ok := metadataSchemas[e.Type]
	if !ok {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, e.Type)
	}
	if strings.TrimSpace(e.EntityType) == "" {
		return fmt.Errorf("%w: entityType required", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.EntityID) == "" {
		return fmt.Errorf("%w: entityId required", ErrInvalidEvent)
	}
	for _, key := range schema.required {
		if _, ok := e.Metadata[key]; !ok {
			return fmt.Errorf("%w: %s requires metadata %q", ErrInvalidEvent, e.Type, key)
		}
	}
	for key := range e.Metadata {
		if !containsKey(schema.required, key) && !containsKey(schema.optional, key) {
			return fmt.Errorf("%w: %s does not accept metadata %q", ErrInvalidEvent, e.Type, key)
		}
	}
	return nil
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// EngagementMetrics summarises event counts for a period.
type EngagementMetrics struct {
	Period         Period              `json:"period"`
	GroupID        string              `json:"groupId,omitempty"`
	StartDate      time.Time           `json:"startDate"`
	EndDate        time.Time           `json:"endDate"`
	TotalEvents    int64               `json:"totalEvents"`
	ActiveUsers    int64               `json:"activeUsers"`
	PostViews      int64               `json:"postViews"`
	PostCreates    int64               `json:"postCreates"`
	CommentCreates int64               `json:"commentCreates"`
	Likes          int64               `json:"likes"`
	GroupJoins     int64               `json:"groupJoins"`
	EventCounts    map[EventType]int64 `json:"eventCounts"`
}

// TimeSeriesPoint is one bucket of an activity series.
type TimeSeriesPoint struct {
	Time  time.Time `json:"time"`
	Count int64     `json:"count"`
}

// ActivityTimeSeries holds per-type and aggregated bucketed event counts.
type ActivityTimeSeries struct {
	Period   Period                          `json:"period"`
	GroupID  string                          `json:"groupId,omitempty"`
	Interval string                          `json:"interval"`
	ByType   map[EventType][]TimeSeriesPoint `json:"byType"`
	Total    []TimeSeriesPoint               `json:"total"`
}

// TopPost ranks a post by view count.
type TopPost struct {
	PostID   string `json:"postId"`
	Title    string `json:"title"`
	AuthorID string `json:"authorId,omitempty"`
	GroupID  string `json:"groupId,omitempty"`
	Views    int64  `json:"views"`
}

// TopGroup ranks a group by total event count.
type TopGroup struct {
	GroupID string `json:"groupId"`
	Name    string `json:"name"`
	Events  int64  `json:"events"`
}

// TopContent is the content performance view.
type TopContent struct {
	Period  Period     `json:"period"`
	GroupID string     `json:"groupId,omitempty"`
	Posts   []TopPost  `json:"posts"`
	Groups  []TopGroup `json:"groups"`
}

// ExportTable is a flattened projection intended for bulk download.
type ExportTable struct {
	Kind    string     `json:"kind"`
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// TypeCount is a grouped count row.
type TypeCount struct {
	Type  EventType
	Count int64
}

// BucketCount is a time-bucketed count row for one event type.
type BucketCount struct {
	Bucket time.Time
	Type   EventType
	Count  int64
}

// EntityCount ranks an entity identifier by count.
type EntityCount struct {
	ID    string
	Count int64
}

// PostSummary is the content metadata joined onto top posts.
type PostSummary struct {
	ID       string
	Title    string
	AuthorID string
	GroupID  string
}

// GroupSummary is the metadata joined onto top groups.
type GroupSummary struct {
	ID   string
	Name string
}
