package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/splax/modpulse/internal/domain"
	"github.com/splax/modpulse/internal/fluid"
)

// ErrUnknownExport is returned for an unsupported export kind.
var ErrUnknownExport = errors.New("analytics: unknown export kind")

// Export kinds.
const (
	ExportEngagement = "engagement"
	ExportActivity   = "activity"
	ExportContent    = "content"
)

// ExportKinds lists the supported export kinds.
func ExportKinds() []string {
	return []string{ExportEngagement, ExportActivity, ExportContent}
}

// Export returns the flattened projection of kind.
func (s *Service) Export(ctx context.Context, kind string, period domain.Period, groupID string) (domain.ExportTable, error) {
	switch kind {
	case ExportEngagement:
		return s.GetEngagementForExport(ctx, period, groupID)
	case ExportActivity:
		return s.GetActivityForExport(ctx, period, groupID)
	case ExportContent:
		return s.GetContentForExport(ctx, period, groupID, maxTopLimit)
	}
	return domain.ExportTable{}, fmt.Errorf("%w: %q", ErrUnknownExport, kind)
}

// GetEngagementForExport flattens engagement metrics into metric/value rows.
func (s *Service) GetEngagementForExport(ctx context.Context, period domain.Period, groupID string) (domain.ExportTable, error) {
	key := CacheKey(MetricEngagementExport, groupID, period)
	return fluid.Do(ctx, s.runner, key, s.cfg.CacheTTL, func(ctx context.Context) (domain.ExportTable, error) {
		m, err := s.computeEngagement(ctx, period, groupID)
		if err != nil {
			return domain.ExportTable{}, err
		}
		table := domain.ExportTable{
			Kind:    ExportEngagement,
			Columns: []string{"metric", "value"},
			Rows: [][]string{
				{"period", string(m.Period)},
				{"startDate", m.StartDate.Format(time.RFC3339)},
				{"endDate", m.EndDate.Format(time.RFC3339)},
				{"totalEvents", itoa(m.TotalEvents)},
				{"activeUsers", itoa(m.ActiveUsers)},
				{"postViews", itoa(m.PostViews)},
				{"postCreates", itoa(m.PostCreates)},
				{"commentCreates", itoa(m.CommentCreates)},
				{"likes", itoa(m.Likes)},
				{"groupJoins", itoa(m.GroupJoins)},
			},
		}
		types := make([]string, 0, len(m.EventCounts))
		for t := range m.EventCounts {
			types = append(types, string(t))
		}
		sort.Strings(types)
		for _, t := range types {
			table.Rows = append(table.Rows, []string{"events." + t, itoa(m.EventCounts[domain.EventType(t)])})
		}
		return table, nil
	})
}

// GetActivityForExport flattens the activity series into time/type/count rows.
func (s *Service) GetActivityForExport(ctx context.Context, period domain.Period, groupID string) (domain.ExportTable, error) {
	key := CacheKey(MetricActivityExport, groupID, period)
	return fluid.Do(ctx, s.runner, key, s.cfg.CacheTTL, func(ctx context.Context) (domain.ExportTable, error) {
		series, err := s.computeActivity(ctx, period, groupID, nil)
		if err != nil {
			return domain.ExportTable{}, err
		}
		table := domain.ExportTable{Kind: ExportActivity, Columns: []string{"time", "type", "count"}, Rows: [][]string{}}
		for _, t := range sortedTypes(series.ByType) {
			for _, p := range series.ByType[t] {
				table.Rows = append(table.Rows, []string{p.Time.Format(time.RFC3339), string(t), itoa(p.Count)})
			}
		}
		sort.SliceStable(table.Rows, func(i, j int) bool { return table.Rows[i][0] < table.Rows[j][0] })
		return table, nil
	})
}

// GetContentForExport flattens rankings into rank/kind/id/name/count rows.
func (s *Service) GetContentForExport(ctx context.Context, period domain.Period, groupID string, limit int) (domain.ExportTable, error) {
	limit = clampLimit(limit)
	key := CacheKey(MetricContentExport, groupID, period, fmt.Sprintf("l%d", limit))
	return fluid.Do(ctx, s.runner, key, s.cfg.CacheTTL, func(ctx context.Context) (domain.ExportTable, error) {
		top, err := s.computeTopContent(ctx, period, groupID, limit)
		if err != nil {
			return domain.ExportTable{}, err
		}
		table := domain.ExportTable{Kind: ExportContent, Columns: []string{"rank", "kind", "id", "name", "count"}, Rows: [][]string{}}
		for i, p := range top.Posts {
			table.Rows = append(table.Rows, []string{strconv.Itoa(i + 1), "post", p.PostID, p.Title, itoa(p.Views)})
		}
		for i, g := range top.Groups {
			table.Rows = append(table.Rows, []string{strconv.Itoa(i + 1), "group", g.GroupID, g.Name, itoa(g.Events)})
		}
		return table, nil
	})
}

func sortedTypes(byType map[domain.EventType][]domain.TimeSeriesPoint) []domain.EventType {
	types := make([]domain.EventType, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
