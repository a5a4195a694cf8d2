// Package cached serves content summaries through a bounded read-through cache.
package cached

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/splax/modpulse/internal/cache"
	"github.com/splax/modpulse/internal/domain"
	"github.com/splax/modpulse/internal/fluid"
	"github.com/splax/modpulse/internal/repository"
)

// Key prefixes of cached summaries. Invalidating the post or group namespace
// should include these.
const (
	PostSummaryPrefix  = "post:summary"
	GroupSummaryPrefix = "group:summary"
)

// Options configures the wrapped lookups.
type Options struct {
	Concurrency int
	TTL         time.Duration
	KeepWarm    time.Duration
}

// ContentRepository caches the summaries returned by another ContentRepository.
type ContentRepository struct {
	posts  *fluid.Func[[]string, map[string]domain.PostSummary]
	groups *fluid.Func[[]string, map[string]domain.GroupSummary]
}

var _ repository.ContentRepository = (*ContentRepository)(nil)

// NewContentRepository wraps next. Call Close to stop keep-warm loops.
func NewContentRepository(next repository.ContentRepository, store cache.Store, opts Options, logger *slog.Logger) *ContentRepository {
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}
	base := fluid.Options{
		Concurrency:  opts.Concurrency,
		CacheTTL:     opts.TTL,
		KeepWarm:     opts.KeepWarm,
		SingleFlight: true,
	}
	postOpts, groupOpts := base, base
	postOpts.KeyPrefix = PostSummaryPrefix
	groupOpts.KeyPrefix = GroupSummaryPrefix
	return &ContentRepository{
		posts:  fluid.Wrap(store, next.PostSummaries, postOpts, logger),
		groups: fluid.Wrap(store, next.GroupSummaries, groupOpts, logger),
	}
}

// PostSummaries returns cached summaries for ids.
func (c *ContentRepository) PostSummaries(ctx context.Context, ids []string) (map[string]domain.PostSummary, error) {
	if len(ids) == 0 {
		return map[string]domain.PostSummary{}, nil
	}
	return c.posts.Call(ctx, normalize(ids))
}

// GroupSummaries returns cached summaries for ids.
func (c *ContentRepository) GroupSummaries(ctx context.Context, ids []string) (map[string]domain.GroupSummary, error) {
	if len(ids) == 0 {
		return map[string]domain.GroupSummary{}, nil
	}
	return c.groups.Call(ctx, normalize(ids))
}

// Stats merges the counters of both lookups.
func (c *ContentRepository) Stats() fluid.Stats {
	p, g := c.posts.Runner().Stats(), c.groups.Runner().Stats()
	return fluid.Stats{
		Hits:           p.Hits + g.Hits,
		Misses:         p.Misses + g.Misses,
		Errors:         p.Errors + g.Errors,
		Active:         p.Active + g.Active,
		Waiting:        p.Waiting + g.Waiting,
		MaxConcurrency: p.MaxConcurrency + g.MaxConcurrency,
	}
}

// Close stops the keep-warm loops.
func (c *ContentRepository) Close() {
	c.posts.Close()
	c.groups.Close()
}

// normalize sorts and dedups ids so equal sets share a cache key.
func normalize(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	n := 0
	for i, id := range out {
		if i > 0 && id == out[n-1] {
			continue
		}
		out[n] = id
		n++
	}
	return out[:n]
}
