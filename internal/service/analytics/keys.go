package analytics

import (
	"sort"
	"strings"

	"github.com/splax/modpulse/internal/domain"
)

const keyNamespace = "analytics"

// Cached views. Each is stored under analytics:<metric>:<scope>:<period>[:<extra>]
// where scope is "global" or "group:<escaped id>".
const (
	MetricEngagement       = "engagement"
	MetricActivity         = "activity"
	MetricContent          = "content"
	MetricEngagementExport = "engagement-export"
	MetricActivityExport   = "activity-export"
	MetricContentExport    = "content-export"
)

var (
	engagementViews = []string{MetricEngagement, MetricActivity, MetricEngagementExport, MetricActivityExport}
	allViews        = append(append([]string(nil), engagementViews...), MetricContent, MetricContentExport)
)

// dependents lists the views whose value can change when an event of the given
// type is recorded. Views missing from an entry rely on their TTL.
var dependents = map[domain.EventType][]string{
	domain.EventPageView:         engagementViews,
	domain.EventPostView:         allViews,
	domain.EventPostCreate:       allViews,
	domain.EventPostLike:         allViews,
	domain.EventCommentCreate:    allViews,
	domain.EventCommentLike:      allViews,
	domain.EventGroupJoin:        allViews,
	domain.EventGroupLeave:       allViews,
	domain.EventSearch:           engagementViews,
	domain.EventReportCreate:     engagementViews,
	domain.EventModerationAction: engagementViews,
}

// DependentMetrics returns the cached views invalidated by events of type t.
func DependentMetrics(t domain.EventType) []string {
	return append([]string(nil), dependents[t]...)
}

const globalScope = "global"

var groupIDEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// scope keeps group scopes in their own namespace so that no group id can
// address the unfiltered view or another group's keys.
func scope(groupID string) string {
	if groupID = strings.TrimSpace(groupID); groupID != "" {
		return "group:" + groupIDEscaper.Replace(groupID)
	}
	return globalScope
}

// CacheKey builds the key of a cached view.
func CacheKey(metric, groupID string, period domain.Period, extra ...string) string {
	parts := []string{keyNamespace, metric, scope(groupID), string(period)}
	for _, e := range extra {
		if e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, ":")
}

// scopePrefix matches every key of metric for one scope.
func scopePrefix(metric, groupID string) string {
	return strings.Join([]string{keyNamespace, metric, scope(groupID), ""}, ":")
}

// MetricPrefix matches every key of metric across all scopes.
func MetricPrefix(metric string) string {
	return keyNamespace + ":" + metric + ":"
}

// invalidationPrefixes lists the key prefixes to drop after recording an event.
func invalidationPrefixes(event domain.AnalyticsEvent) []string {
	metrics := dependents[event.Type]
	prefixes := make([]string, 0, len(metrics)*2)
	for _, metric := range metrics {
		prefixes = append(prefixes, scopePrefix(metric, ""))
		if event.GroupID != "" {
			prefixes = append(prefixes, scopePrefix(metric, event.GroupID))
		}
	}
	return prefixes
}

func typesKey(types []domain.EventType) string {
	if len(types) == 0 {
		return ""
	}
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
