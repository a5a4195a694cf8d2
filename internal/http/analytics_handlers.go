package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/splax/modpulse/internal/cachecontrol"
	"github.com/splax/modpulse/internal/domain"
	"github.com/splax/modpulse/internal/repository"
	"github.com/splax/modpulse/internal/service/analytics"
)

func (r *Router) handleTrackEvent(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.analytics == nil {
		r.unavailable(w, "analytics")
		return
	}
	info := authInfo{Ingest: true}
	if !r.validIngestToken(req) {
		ctx, authed, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		req = req.WithContext(ctx)
		info = authed
	}

	var event domain.AnalyticsEvent
	if !decodeJSON(w, req, &event) {
		return
	}
	eventType, err := domain.ParseEventType(string(event.Type))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	event.Type = eventType
	// Signed-in callers cannot attribute events to someone else.
	if !info.Ingest && info.UserID != "" {
		event.UserID = info.UserID
	}
	if err := event.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stored := r.analytics.TrackEvent(req.Context(), event)
	cachecontrol.Apply(w, r.policy.NoStore())
	if stored == nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": false})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "event": stored})
}

func (r *Router) handleEngagement(w http.ResponseWriter, req *http.Request) {
	q, ok := r.analyticsQuery(w, req)
	if !ok {
		return
	}
	result, err := r.analytics.GetEngagementMetrics(req.Context(), q.period, q.groupID)
	if err != nil {
		r.analyticsError(w, req, err)
		return
	}
	r.writeCached(w, q, analytics.MetricEngagement, result)
}

func (r *Router) handleActivity(w http.ResponseWriter, req *http.Request) {
	q, ok := r.analyticsQuery(w, req)
	if !ok {
		return
	}
	var types []domain.EventType
	if raw := strings.TrimSpace(req.URL.Query().Get("types")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			t, err := domain.ParseEventType(part)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			types = append(types, t)
		}
	}
	result, err := r.analytics.GetActivityTimeSeries(req.Context(), q.period, q.groupID, types)
	if err != nil {
		r.analyticsError(w, req, err)
		return
	}
	r.writeCached(w, q, analytics.MetricActivity, result)
}

func (r *Router) handleTopContent(w http.ResponseWriter, req *http.Request) {
	q, ok := r.analyticsQuery(w, req)
	if !ok {
		return
	}
	limit := 0
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = parsed
	}
	result, err := r.analytics.GetTopContent(req.Context(), q.period, q.groupID, limit)
	if err != nil {
		r.analyticsError(w, req, err)
		return
	}
	r.writeCached(w, q, analytics.MetricContent, result)
}

func (r *Router) handleExport(w http.ResponseWriter, req *http.Request) {
	q, ok := r.analyticsQuery(w, req)
	if !ok {
		return
	}
	kind := strings.ToLower(strings.TrimSpace(req.URL.Query().Get("kind")))
	if kind == "" {
		kind = analytics.ExportEngagement
	}
	format := strings.ToLower(strings.TrimSpace(req.URL.Query().Get("format")))
	if format != "" && format != "json" && format != "csv" {
		writeError(w, http.StatusBadRequest, "format must be json or csv")
		return
	}
	table, err := r.analytics.Export(req.Context(), kind, q.period, q.groupID)
	if err != nil {
		r.analyticsError(w, req, err)
		return
	}
	cachecontrol.Apply(w, r.policy.NoStore())
	if format == "csv" {
		if err := writeCSV(w, table); err != nil {
			r.logger.Warn("csv export interrupted", "kind", kind, "error", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, table)
}

type analyticsQuery struct {
	period  domain.Period
	groupID string
	tier    cachecontrol.Duration
}

func (r *Router) analyticsQuery(w http.ResponseWriter, req *http.Request) (analyticsQuery, bool) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return analyticsQuery{}, false
	}
	if r.analytics == nil {
		r.unavailable(w, "analytics")
		return analyticsQuery{}, false
	}
	values := req.URL.Query()
	period, err := domain.ParsePeriod(values.Get("period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return analyticsQuery{}, false
	}
	tier, err := cachecontrol.ParseDuration(values.Get("cache"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return analyticsQuery{}, false
	}
	return analyticsQuery{
		period:  period,
		groupID: strings.TrimSpace(values.Get("groupId")),
		tier:    tier,
	}, true
}

func (r *Router) writeCached(w http.ResponseWriter, q analyticsQuery, metric string, payload any) {
	tags := []string{"analytics", "analytics:" + metric}
	if q.groupID != "" {
		tags = append(tags, "group:"+q.groupID)
	}
	cachecontrol.Apply(w, r.policy.Headers(cachecontrol.Options{
		Duration:             q.tier,
		StaleWhileRevalidate: true,
		AllowPurge:           true,
		Tags:                 tags,
	}))
	writeJSON(w, http.StatusOK, payload)
}

func (r *Router) analyticsError(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case errors.Is(err, analytics.ErrUnknownExport),
		errors.Is(err, repository.ErrInvalidArgument),
		errors.Is(err, domain.ErrUnknownPeriod):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		r.logger.Error("analytics query failed", "path", req.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "analytics unavailable")
	}
}
