package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/modpulse/internal/cache"
	"github.com/splax/modpulse/internal/cachecontrol"
	"github.com/splax/modpulse/internal/domain"
	"github.com/splax/modpulse/internal/fluid"
	"github.com/splax/modpulse/internal/health"
	"github.com/splax/modpulse/internal/metrics"
	"github.com/splax/modpulse/internal/service/notify"
	"github.com/splax/modpulse/internal/ws"
)

// AnalyticsService is the subset of the analytics service the router serves.
type AnalyticsService interface {
	TrackEvent(ctx context.Context, event domain.AnalyticsEvent) *domain.AnalyticsEvent
	GetEngagementMetrics(ctx context.Context, period domain.Period, groupID string) (domain.EngagementMetrics, error)
	GetActivityTimeSeries(ctx context.Context, period domain.Period, groupID string, types []domain.EventType) (domain.ActivityTimeSeries, error)
	GetTopContent(ctx context.Context, period domain.Period, groupID string, limit int) (domain.TopContent, error)
	Export(ctx context.Context, kind string, period domain.Period, groupID string) (domain.ExportTable, error)
}

// Options carries the router dependencies. Nil components disable their routes
// with 503 responses.
type Options struct {
	Analytics     AnalyticsService
	Recorder      *metrics.Recorder
	Monitor       *health.Monitor
	Notifications *notify.Queue
	Invalidator   *cachecontrol.Invalidator
	Policy        *cachecontrol.Policy
	Hub           *ws.Hub
	Cache         cache.Store
	CacheStats    func() fluid.Stats
	Limiter       RateLimiter
	Registerer    prometheus.Registerer
	Gatherer      prometheus.Gatherer
	JWTSecret     string
	IngestToken   string
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	analytics     AnalyticsService
	recorder      *metrics.Recorder
	monitor       *health.Monitor
	notifications *notify.Queue
	invalidator   *cachecontrol.Invalidator
	policy        *cachecontrol.Policy
	hub           *ws.Hub
	cache         cache.Store
	cacheStats    func() fluid.Stats
	upgrader      websocket.Upgrader
	limiter       RateLimiter
	jwtSecret     string
	ingestToken   string
	metrics       *requestMetrics
	gatherer      prometheus.Gatherer
	now           func() time.Time
}

const (
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 25 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:           http.NewServeMux(),
		logger:        logger,
		analytics:     opts.Analytics,
		recorder:      opts.Recorder,
		monitor:       opts.Monitor,
		notifications: opts.Notifications,
		invalidator:   opts.Invalidator,
		policy:        opts.Policy,
		hub:           opts.Hub,
		cache:         opts.Cache,
		cacheStats:    opts.CacheStats,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:     opts.Limiter,
		jwtSecret:   strings.TrimSpace(opts.JWTSecret),
		ingestToken: strings.TrimSpace(opts.IngestToken),
		metrics:     newRequestMetrics(opts.Registerer),
		gatherer:    opts.Gatherer,
		now:         time.Now,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter(DefaultRatePolicies())
	}
	if r.policy == nil {
		r.policy = cachecontrol.NewPolicy(cachecontrol.Tiers{}, cachecontrol.Tiers{})
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))

	r.mux.HandleFunc("/analytics/events", r.audit("analytics_events", r.withRateLimit("analytics_events", RateIngest, r.rateIdentityIngest, r.handleTrackEvent)))
	r.mux.HandleFunc("/analytics/engagement", r.audit("analytics_engagement", r.withRateLimit("analytics_engagement", RatePublicRead, nil, r.handleEngagement)))
	r.mux.HandleFunc("/analytics/activity", r.audit("analytics_activity", r.withRateLimit("analytics_activity", RatePublicRead, nil, r.handleActivity)))
	r.mux.HandleFunc("/analytics/top-content", r.audit("analytics_top_content", r.withRateLimit("analytics_top_content", RatePublicRead, nil, r.handleTopContent)))
	r.mux.HandleFunc("/analytics/export", r.audit("analytics_export", r.handlerAdminRate("analytics_export", RateAdminRead, r.handleExport)))

	r.mux.HandleFunc("/admin/database/metrics", r.audit("admin_database_metrics", r.handlerAdminRate("admin_database_metrics", RateAdminRead, r.handleDatabaseMetrics)))
	r.mux.HandleFunc("/admin/database/status", r.audit("admin_database_status", r.handlerAdminRate("admin_database_status", RateAdminRead, r.handleDatabaseStatus)))
	r.mux.HandleFunc("/admin/notifications", r.audit("admin_notifications", r.handlerAdminRate("admin_notifications", RateAdminRead, r.handleNotifications)))
	r.mux.HandleFunc("/admin/cache/invalidate", r.audit("admin_cache_invalidate", r.handlerAdminRate("admin_cache_invalidate", RateAdminWrite, r.handleInvalidate)))

	r.mux.HandleFunc("/ws/status", r.audit("ws_status", r.handlerAdminRate("ws_status", RateStream, r.handleStatusWS)))
	r.mux.HandleFunc("/stream/status", r.audit("stream_status", r.handlerAdminRate("stream_status", RateStream, r.handleStatusStream)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.monitor != nil {
		for db, s := range r.monitor.ConnectionStatus() {
			entry := map[string]any{"status": s.Status}
			if s.Error != nil {
				entry["error"] = *s.Error
			}
			if s.Status == domain.StateError {
				status = "degraded"
			}
			components[string(db)] = entry
		}
	}
	if r.cache != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.cache.Ping(ctx); err != nil {
			status = "degraded"
			components["cache"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["cache"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  r.now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	cachecontrol.Apply(w, r.policy.NoStore())
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.metrics.observe(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = info.actor()
			if info.UserID != "" {
				fields = append(fields, "user_id", info.UserID)
			}
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func applyRateHeaders(w http.ResponseWriter, decision rateDecision) {
	if decision.limit <= 0 {
		return
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(decision.limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(max(decision.limit-decision.count, 0)))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

// validIngestToken reports whether the request carries the configured ingest secret.
func (r *Router) validIngestToken(req *http.Request) bool {
	expected := r.ingestToken
	if expected == "" {
		return false
	}
	token := strings.TrimSpace(req.Header.Get(IngestTokenHeader))
	return len(token) == len(expected) && subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) unavailable(w http.ResponseWriter, component string) {
	writeError(w, http.StatusServiceUnavailable, component+" not configured")
}
