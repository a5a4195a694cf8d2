package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/modpulse/internal/domain"
	"github.com/splax/modpulse/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.EventRepository   = (*Repository)(nil)
	_ repository.ContentRepository = (*Repository)(nil)
)

const filterClause = `occurred_at >= $1 AND occurred_at <= $2
	AND ($3 = '' OR group_id = $3)
	AND (cardinality($4::text[]) = 0 OR event_type = ANY($4::text[]))`

var bucketIntervals = map[string]bool{"hour": true, "day": true, "week": true, "month": true}

func filterArgs(f repository.EventFilter) []any {
	types := make([]string, 0, len(f.Types))
	for _, t := range f.Types {
		types = append(types, string(t))
	}
	return []any{f.From, f.To, strings.TrimSpace(f.GroupID), types}
}

// InsertEvent appends an analytics event.
func (r *Repository) InsertEvent(ctx context.Context, event *domain.AnalyticsEvent) error {
	if event == nil {
		return fmt.Errorf("analytics event required")
	}
	occurred := event.Timestamp
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	const query = `INSERT INTO analytics_events (
		id,
		event_type,
		entity_type,
		entity_id,
		user_id,
		group_id,
		metadata,
		occurred_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := r.pool.Exec(ctx, query,
		event.ID,
		string(event.Type),
		event.EntityType,
		event.EntityID,
		nilIfEmpty(event.UserID),
		nilIfEmpty(event.GroupID),
		metadata,
		occurred,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505", "23514", "22P02":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}
	event.Timestamp = occurred
	return nil
}

// CountEvents counts events matching the filter.
func (r *Repository) CountEvents(ctx context.Context, f repository.EventFilter) (int64, error) {
	query := `SELECT count(*) FROM analytics_events WHERE ` + filterClause
	var count int64
	if err := r.pool.QueryRow(ctx, query, filterArgs(f)...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// CountByType groups matching events by type.
func (r *Repository) CountByType(ctx context.Context, f repository.EventFilter) ([]domain.TypeCount, error) {
	query := `SELECT event_type, count(*) FROM analytics_events WHERE ` + filterClause + `
	GROUP BY event_type
	ORDER BY event_type`
	rows, err := r.pool.Query(ctx, query, filterArgs(f)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make([]domain.TypeCount, 0)
	for rows.Next() {
		var (
			eventType string
			count     int64
		)
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, err
		}
		counts = append(counts, domain.TypeCount{Type: domain.EventType(eventType), Count: count})
	}
	return counts, rows.Err()
}

// CountDistinctUsers counts distinct non-null users among matching events.
func (r *Repository) CountDistinctUsers(ctx context.Context, f repository.EventFilter) (int64, error) {
	query := `SELECT count(DISTINCT user_id) FROM analytics_events WHERE user_id IS NOT NULL AND ` + filterClause
	var count int64
	if err := r.pool.QueryRow(ctx, query, filterArgs(f)...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// BucketCounts truncates occurred_at to interval and counts per bucket and type.
func (r *Repository) BucketCounts(ctx context.Context, f repository.EventFilter, interval string) ([]domain.BucketCount, error) {
	if !bucketIntervals[interval] {
		return nil, repository.ErrInvalidArgument
	}
	query := `SELECT date_trunc($5, occurred_at) AS bucket, event_type, count(*)
	FROM analytics_events
	WHERE ` + filterClause + `
	GROUP BY bucket, event_type
	ORDER BY bucket ASC, event_type ASC`
	rows, err := r.pool.Query(ctx, query, append(filterArgs(f), interval)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	buckets := make([]domain.BucketCount, 0)
	for rows.Next() {
		var (
			bucket    time.Time
			eventType string
			count     int64
		)
		if err := rows.Scan(&bucket, &eventType, &count); err != nil {
			return nil, err
		}
		buckets = append(buckets, domain.BucketCount{Bucket: bucket.UTC(), Type: domain.EventType(eventType), Count: count})
	}
	return buckets, rows.Err()
}

// TopEntities ranks entities of entityType by matching event count.
func (r *Repository) TopEntities(ctx context.Context, f repository.EventFilter, entityType string, limit int) ([]domain.EntityCount, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT entity_id, count(*) AS total
	FROM analytics_events
	WHERE entity_type = $5 AND ` + filterClause + `
	GROUP BY entity_id
	ORDER BY total DESC
	LIMIT $6`
	rows, err := r.pool.Query(ctx, query, append(filterArgs(f), entityType, limit)...)
	if err != nil {
		return nil, err
	}
	return scanEntityCounts(rows)
}

// TopGroups ranks groups by matching event count.
func (r *Repository) TopGroups(ctx context.Context, f repository.EventFilter, limit int) ([]domain.EntityCount, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT group_id, count(*) AS total
	FROM analytics_events
	WHERE group_id IS NOT NULL AND ` + filterClause + `
	GROUP BY group_id
	ORDER BY total DESC
	LIMIT $5`
	rows, err := r.pool.Query(ctx, query, append(filterArgs(f), limit)...)
	if err != nil {
		return nil, err
	}
	return scanEntityCounts(rows)
}

func scanEntityCounts(rows pgx.Rows) ([]domain.EntityCount, error) {
	defer rows.Close()
	counts := make([]domain.EntityCount, 0)
	for rows.Next() {
		var c domain.EntityCount
		if err := rows.Scan(&c.ID, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// PostSummaries loads post metadata keyed by id. Unknown ids are omitted.
func (r *Repository) PostSummaries(ctx context.Context, ids []string) (map[string]domain.PostSummary, error) {
	out := make(map[string]domain.PostSummary, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	const query = `SELECT id, title, author_id, group_id FROM posts WHERE id = ANY($1::text[])`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			p        domain.PostSummary
			authorID sql.NullString
			groupID  sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Title, &authorID, &groupID); err != nil {
			return nil, err
		}
		p.AuthorID = authorID.String
		p.GroupID = groupID.String
		out[p.ID] = p
	}
	return out, rows.Err()
}

// GroupSummaries loads group metadata keyed by id. Unknown ids are omitted.
func (r *Repository) GroupSummaries(ctx context.Context, ids []string) (map[string]domain.GroupSummary, error) {
	out := make(map[string]domain.GroupSummary, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	const query = `SELECT id, name FROM groups WHERE id = ANY($1::text[])`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var g domain.GroupSummary
		if err := rows.Scan(&g.ID, &g.Name); err != nil {
			return nil, err
		}
		out[g.ID] = g
	}
	return out, rows.Err()
}

func nilIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
