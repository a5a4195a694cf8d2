// Package analytics records analytics events and serves cached derived views.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/splax/modpulse/internal/domain"
	"github.com/splax/modpulse/internal/fluid"
	"github.com/splax/modpulse/internal/repository"
	"github.com/splax/modpulse/internal/service/notify"
)

const (
	defaultCacheTTL = 5 * time.Minute
	defaultTopLimit = 10
	maxTopLimit     = 100
)

// Notifier receives moderation notifications raised by recorded events.
type Notifier interface {
	Enqueue(ctx context.Context, n notify.Notification) (notify.Notification, error)
}

// Config tunes the service.
type Config struct {
	CacheTTL time.Duration
}

// Service persists events and computes engagement, activity and content views.
type Service struct {
	events   repository.EventRepository
	content  repository.ContentRepository
	runner   *fluid.Runner
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	onEvent  []func(domain.AnalyticsEvent)
}

// New constructs a Service. content and notifier may be nil.
func New(events repository.EventRepository, content repository.ContentRepository, runner *fluid.Runner, notifier Notifier, cfg Config, logger *slog.Logger) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if logger != nil {
		logger = logger.With("component", "analytics")
	}
	return &Service{
		events:   events,
		content:  content,
		runner:   runner,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the time source. It must be called before use.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// OnEvent registers fn to be called after an event is persisted.
func (s *Service) OnEvent(fn func(domain.AnalyticsEvent)) {
	if fn != nil {
		s.onEvent = append(s.onEvent, fn)
	}
}

// Runner exposes the cache runner backing the views.
func (s *Service) Runner() *fluid.Runner { return s.runner }

// TrackEvent validates and persists event, then drops every cached view that
// depends on it. Failures are logged and reported as nil; they never reach the caller.
func (s *Service) TrackEvent(ctx context.Context, event domain.AnalyticsEvent) *domain.AnalyticsEvent {
	if err := event.Validate(); err != nil {
		s.warn("rejected analytics event", err, "type", event.Type)
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}
	event.GroupID = strings.TrimSpace(event.GroupID)

	if s.events == nil {
		s.warn("analytics event dropped", errors.New("event repository not configured"), "type", event.Type)
		return nil
	}
	if err := s.events.InsertEvent(ctx, &event); err != nil {
		s.warn("failed to persist analytics event", err, "type", event.Type, "entity_id", event.EntityID)
		return nil
	}

	s.invalidate(ctx, event)
	if event.Type == domain.EventReportCreate {
		s.notifyReport(ctx, event)
	}
	for _, fn := range s.onEvent {
		fn(event)
	}
	return &event
}

func (s *Service) invalidate(ctx context.Context, event domain.AnalyticsEvent) {
	if s.runner == nil || s.runner.Store() == nil {
		return
	}
	store := s.runner.Store()
	removed := 0
	for _, prefix := range invalidationPrefixes(event) {
		n, err := store.DeletePrefix(ctx, prefix)
		if err != nil {
			s.warn("cache invalidation failed", err, "prefix", prefix)
			continue
		}
		removed += n
	}
	if s.logger != nil {
		s.logger.Debug("analytics caches invalidated", "type", event.Type, "group_id", event.GroupID, "removed", removed)
	}
}

func (s *Service) notifyReport(ctx context.Context, event domain.AnalyticsEvent) {
	if s.notifier == nil {
		return
	}
	severity, _ := event.Metadata["severity"].(string)
	reason, _ := event.Metadata["reason"].(string)
	_, err := s.notifier.Enqueue(ctx, notify.Notification{
		Kind:       "report",
		Priority:   notify.ParsePriority(severity),
		EventID:    event.ID,
		EntityType: event.EntityType,
		EntityID:   event.EntityID,
		GroupID:    event.GroupID,
		Reason:     reason,
	})
	if err != nil {
		s.warn("failed to queue moderation notification", err, "event_id", event.ID)
	}
}

func (s *Service) filter(period domain.Period, groupID string, types []domain.EventType) repository.EventFilter {
	from, to := period.Range(s.now().UTC())
	return repository.EventFilter{From: from, To: to, GroupID: strings.TrimSpace(groupID), Types: types}
}

// GetEngagementMetrics returns event counters for period, optionally for one group.
func (s *Service) GetEngagementMetrics(ctx context.Context, period domain.Period, groupID string) (domain.EngagementMetrics, error) {
	key := CacheKey(MetricEngagement, groupID, period)
	return fluid.Do(ctx, s.runner, key, s.cfg.CacheTTL, func(ctx context.Context) (domain.EngagementMetrics, error) {
		return s.computeEngagement(ctx, period, groupID)
	})
}

func (s *Service) computeEngagement(ctx context.Context, period domain.Period, groupID string) (domain.EngagementMetrics, error) {
	f := s.filter(period, groupID, nil)
	var (
		total   int64
		byType  []domain.TypeCount
		unique  int64
		g, gctx = errgroup.WithContext(ctx)
	)
	g.Go(func() error {
		var err error
		total, err = s.events.CountEvents(gctx, f)
		return err
	})
	g.Go(func() error {
		var err error
		byType, err = s.events.CountByType(gctx, f)
		return err
	})
	g.Go(func() error {
		var err error
		unique, err = s.events.CountDistinctUsers(gctx, f)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.EngagementMetrics{}, fmt.Errorf("engagement metrics: %w", err)
	}

	counts := make(map[domain.EventType]int64, len(byType))
	for _, c := range byType {
		counts[c.Type] += c.Count
	}
	return domain.EngagementMetrics{
		Period:         period,
		GroupID:        f.GroupID,
		StartDate:      f.From,
		EndDate:        f.To,
		TotalEvents:    total,
		ActiveUsers:    unique,
		PostViews:      counts[domain.EventPostView],
		PostCreates:    counts[domain.EventPostCreate],
		CommentCreates: counts[domain.EventCommentCreate],
		Likes:          counts[domain.EventPostLike] + counts[domain.EventCommentLike],
		GroupJoins:     counts[domain.EventGroupJoin],
		EventCounts:    counts,
	}, nil
}

// GetActivityTimeSeries buckets events per type and in total, sorted by time.
// An empty types list includes every type.
func (s *Service) GetActivityTimeSeries(ctx context.Context, period domain.Period, groupID string, types []domain.EventType) (domain.ActivityTimeSeries, error) {
	key := CacheKey(MetricActivity, groupID, period, typesKey(types))
	return fluid.Do(ctx, s.runner, key, s.cfg.CacheTTL, func(ctx context.Context) (domain.ActivityTimeSeries, error) {
		return s.computeActivity(ctx, period, groupID, types)
	})
}

func (s *Service) computeActivity(ctx context.Context, period domain.Period, groupID string, types []domain.EventType) (domain.ActivityTimeSeries, error) {
	f := s.filter(period, groupID, types)
	interval := period.Interval()
	buckets, err := s.events.BucketCounts(ctx, f, interval)
	if err != nil {
		return domain.ActivityTimeSeries{}, fmt.Errorf("activity series: %w", err)
	}
	sort.SliceStable(buckets, func(i, j int) bool { return buckets[i].Bucket.Before(buckets[j].Bucket) })

	series := domain.ActivityTimeSeries{
		Period:   period,
		GroupID:  f.GroupID,
		Interval: interval,
		ByType:   make(map[domain.EventType][]domain.TimeSeriesPoint),
		Total:    make([]domain.TimeSeriesPoint, 0),
	}
	for _, b := range buckets {
		series.ByType[b.Type] = append(series.ByType[b.Type], domain.TimeSeriesPoint{Time: b.Bucket, Count: b.Count})
		last := len(series.Total) - 1
		if last >= 0 && series.Total[last].Time.Equal(b.Bucket) {
			series.Total[last].Count += b.Count
			continue
		}
		series.Total = append(series.Total, domain.TimeSeriesPoint{Time: b.Bucket, Count: b.Count})
	}
	return series, nil
}

// GetTopContent ranks posts by views and groups by total events.
func (s *Service) GetTopContent(ctx context.Context, period domain.Period, groupID string, limit int) (domain.TopContent, error) {
	limit = clampLimit(limit)
	key := CacheKey(MetricContent, groupID, period, fmt.Sprintf("l%d", limit))
	return fluid.Do(ctx, s.runner, key, s.cfg.CacheTTL, func(ctx context.Context) (domain.TopContent, error) {
		return s.computeTopContent(ctx, period, groupID, limit)
	})
}

func (s *Service) computeTopContent(ctx context.Context, period domain.Period, groupID string, limit int) (domain.TopContent, error) {
	var (
		posts   []domain.EntityCount
		groups  []domain.EntityCount
		g, gctx = errgroup.WithContext(ctx)
	)
	g.Go(func() error {
		var err error
		posts, err = s.events.TopEntities(gctx, s.filter(period, groupID, []domain.EventType{domain.EventPostView}), "post", limit)
		return err
	})
	g.Go(func() error {
		var err error
		groups, err = s.events.TopGroups(gctx, s.filter(period, groupID, nil), limit)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.TopContent{}, fmt.Errorf("top content: %w", err)
	}

	postMeta, groupMeta, err := s.summaries(ctx, posts, groups)
	if err != nil {
		return domain.TopContent{}, fmt.Errorf("top content metadata: %w", err)
	}

	result := domain.TopContent{
		Period:  period,
		GroupID: strings.TrimSpace(groupID),
		Posts:   make([]domain.TopPost, 0, len(posts)),
		Groups:  make([]domain.TopGroup, 0, len(groups)),
	}
	for _, p := range posts {
		meta := postMeta[p.ID]
		result.Posts = append(result.Posts, domain.TopPost{PostID: p.ID, Title: meta.Title, AuthorID: meta.AuthorID, GroupID: meta.GroupID, Views: p.Count})
	}
	for _, gr := range groups {
		result.Groups = append(result.Groups, domain.TopGroup{GroupID: gr.ID, Name: groupMeta[gr.ID].Name, Events: gr.Count})
	}
	return result, nil
}

func (s *Service) summaries(ctx context.Context, posts, groups []domain.EntityCount) (map[string]domain.PostSummary, map[string]domain.GroupSummary, error) {
	if s.content == nil {
		return nil, nil, nil
	}
	var (
		postMeta  map[string]domain.PostSummary
		groupMeta map[string]domain.GroupSummary
		g, gctx   = errgroup.WithContext(ctx)
	)
	g.Go(func() error {
		var err error
		postMeta, err = s.content.PostSummaries(gctx, ids(posts))
		return err
	})
	g.Go(func() error {
		var err error
		groupMeta, err = s.content.GroupSummaries(gctx, ids(groups))
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return postMeta, groupMeta, nil
}

func ids(counts []domain.EntityCount) []string {
	out := make([]string, 0, len(counts))
	for _, c := range counts {
		out = append(out, c.ID)
	}
	return out
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultTopLimit
	}
	if limit > maxTopLimit {
		return maxTopLimit
	}
	return limit
}

func (s *Service) warn(msg string, err error, attrs ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Warn(msg, append(attrs, "error", err)...)
}
