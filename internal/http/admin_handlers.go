package httpx

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/splax/modpulse/internal/cachecontrol"
	"github.com/splax/modpulse/internal/domain"
	"github.com/splax/modpulse/internal/health"
)

const (
	notificationsDefaultLimit = 20
	notificationsMaxLimit     = 100
)

func (r *Router) handleDatabaseMetrics(w http.ResponseWriter, req *http.Request) {
	if r.recorder == nil {
		r.unavailable(w, "metrics recorder")
		return
	}
	cachecontrol.Apply(w, r.policy.NoStore())
	switch req.Method {
	case http.MethodGet:
		var dbs []domain.Database
		if raw := strings.TrimSpace(req.URL.Query().Get("database")); raw != "" {
			db, err := domain.ParseDatabase(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			dbs = append(dbs, db)
		}
		snapshot := r.recorder.Metrics(dbs...)
		payload := map[string]any{
			"timestamp":      r.now().UTC(),
			"timeSeriesData": r.recorder.TimeSeries(),
			"slowQueries":    r.recorder.SlowQueries(),
		}
		for db, ops := range snapshot {
			payload[string(db)] = ops
		}
		if r.cacheStats != nil {
			payload["cache"] = r.cacheStats()
		}
		writeJSON(w, http.StatusOK, payload)
	case http.MethodPost:
		var payload struct {
			Action   string `json:"action"`
			Database string `json:"database"`
		}
		if !decodeJSON(w, req, &payload) {
			return
		}
		if strings.ToLower(strings.TrimSpace(payload.Action)) != "reset" {
			writeError(w, http.StatusBadRequest, "unsupported action")
			return
		}
		var dbs []domain.Database
		if strings.TrimSpace(payload.Database) != "" {
			db, err := domain.ParseDatabase(payload.Database)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			dbs = append(dbs, db)
		}
		r.recorder.Reset(dbs...)
		r.logger.Info("datastore metrics reset", "databases", dbs)
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "timestamp": r.now().UTC()})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDatabaseStatus(w http.ResponseWriter, req *http.Request) {
	if r.monitor == nil {
		r.unavailable(w, "health monitor")
		return
	}
	cachecontrol.Apply(w, r.policy.NoStore())
	switch req.Method {
	case http.MethodGet:
		r.writeStatus(w, r.monitor.ConnectionStatus())
	case http.MethodPost:
		var payload struct {
			Action          string `json:"action"`
			Database        string `json:"database"`
			IntervalSeconds int    `json:"interval_seconds"`
			TimeoutSeconds  int    `json:"timeout_seconds"`
		}
		if !decodeJSON(w, req, &payload) {
			return
		}
		if payload.IntervalSeconds < 0 || payload.TimeoutSeconds < 0 {
			writeError(w, http.StatusBadRequest, "durations must be positive")
			return
		}
		interval := time.Duration(payload.IntervalSeconds) * time.Second
		switch strings.ToLower(strings.TrimSpace(payload.Action)) {
		case "check":
			if strings.TrimSpace(payload.Database) == "" {
				r.writeStatus(w, r.monitor.CheckAll(req.Context()))
				return
			}
			db, err := domain.ParseDatabase(payload.Database)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			status, err := r.monitor.CheckStatus(req.Context(), db)
			if err != nil {
				code := http.StatusServiceUnavailable
				if errors.Is(err, health.ErrUnknownDatabase) {
					code = http.StatusNotFound
				}
				writeError(w, code, err.Error())
				return
			}
			r.writeStatus(w, map[domain.Database]domain.ConnectionStatus{db: status})
		case "start":
			r.monitor.StartAutomaticChecks(interval)
			r.writeStatus(w, r.monitor.ConnectionStatus())
		case "stop":
			r.monitor.StopAutomaticChecks()
			r.writeStatus(w, r.monitor.ConnectionStatus())
		case "configure":
			var update health.ConfigUpdate
			if interval > 0 {
				update.Interval = &interval
			}
			if payload.TimeoutSeconds > 0 {
				timeout := time.Duration(payload.TimeoutSeconds) * time.Second
				update.ProbeTimeout = &timeout
			}
			r.monitor.UpdateConfig(update)
			r.writeStatus(w, r.monitor.ConnectionStatus())
		default:
			writeError(w, http.StatusBadRequest, "unsupported action")
		}
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) writeStatus(w http.ResponseWriter, status map[domain.Database]domain.ConnectionStatus) {
	cfg := r.monitor.Config()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"timestamp": r.now().UTC(),
		"status":    status,
		"monitoring": map[string]any{
			"running":         r.monitor.Running(),
			"intervalSeconds": int64(cfg.Interval / time.Second),
			"timeoutSeconds":  int64(cfg.ProbeTimeout / time.Second),
		},
	})
}

func (r *Router) handleNotifications(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.notifications == nil {
		r.unavailable(w, "notification queue")
		return
	}
	limit := notificationsDefaultLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, notificationsMaxLimit)
	}
	items, err := r.notifications.Next(req.Context(), limit)
	if err != nil {
		r.logger.Error("notification pop failed", "error", err)
		writeError(w, http.StatusInternalServerError, "notifications unavailable")
		return
	}
	remaining, err := r.notifications.Len(req.Context())
	if err != nil {
		r.logger.Warn("notification queue length unavailable", "error", err)
	}
	cachecontrol.Apply(w, r.policy.NoStore())
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": items,
		"remaining":     remaining,
	})
}

func (r *Router) handleInvalidate(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if r.invalidator == nil {
		r.unavailable(w, "cache invalidator")
		return
	}
	var payload struct {
		Namespace string `json:"namespace"`
		ID        string `json:"id"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	payload.Namespace = strings.TrimSpace(payload.Namespace)
	if payload.Namespace == "" {
		writeError(w, http.StatusBadRequest, "namespace is required")
		return
	}
	removed, err := r.invalidator.Invalidate(req.Context(), payload.Namespace, strings.TrimSpace(payload.ID))
	cachecontrol.Apply(w, r.policy.NoStore())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"success": false,
			"removed": removed,
			"error":   "cache invalidation incomplete",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "removed": removed})
}
