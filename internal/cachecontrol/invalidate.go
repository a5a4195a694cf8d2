package cachecontrol

import (
	"context"
	"errors"
	"log/slog"

	"github.com/splax/modpulse/internal/cache"
)

// Invalidator removes an entity and its dependent aggregates from the store.
// Dependents are enumerated per namespace; nothing is tracked automatically.
type Invalidator struct {
	store      cache.Store
	dependents map[string][]string
	logger     *slog.Logger
}

// NewInvalidator takes, per namespace, the key prefixes of summaries that embed
// entities of that namespace.
func NewInvalidator(store cache.Store, dependents map[string][]string, logger *slog.Logger) *Invalidator {
	if logger != nil {
		logger = logger.With("component", "cache_invalidator")
	}
	copied := make(map[string][]string, len(dependents))
	for ns, prefixes := range dependents {
		copied[ns] = append([]string(nil), prefixes...)
	}
	return &Invalidator{store: store, dependents: copied, logger: logger}
}

// EntityKey is the cache key of a single entity.
func EntityKey(namespace, id string) string {
	return namespace + ":" + id
}

// ListPrefix is the prefix of every list key in namespace.
func ListPrefix(namespace string) string {
	return namespace + ":list"
}

// Invalidate deletes namespace:id, every namespace list key and each dependent
// summary prefix. It returns the number of keys removed by prefix deletion and
// the joined errors of failed deletions.
func (i *Invalidator) Invalidate(ctx context.Context, namespace, id string) (int, error) {
	if i.store == nil {
		return 0, nil
	}
	var errs []error
	if id != "" {
		if err := i.store.Del(ctx, EntityKey(namespace, id)); err != nil {
			errs = append(errs, err)
		}
	}
	removed := 0
	prefixes := append([]string{ListPrefix(namespace)}, i.dependents[namespace]...)
	for _, prefix := range prefixes {
		n, err := i.store.DeletePrefix(ctx, prefix)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		removed += n
	}
	err := errors.Join(errs...)
	if err != nil && i.logger != nil {
		i.logger.Warn("cache invalidation incomplete", "namespace", namespace, "id", id, "error", err)
	}
	return removed, err
}
