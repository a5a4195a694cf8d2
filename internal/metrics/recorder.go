// Package metrics records latency statistics for datastore operations.
package metrics

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/splax/modpulse/internal/domain"
)

const (
	defaultSlowQueryThreshold = 500 * time.Millisecond
	defaultMaxSlowQueries     = 100
	defaultMaxTimeSeries      = 500
	errorSuffix               = ":error"
)

// Config tunes a Recorder.
type Config struct {
	SlowQueryThreshold time.Duration
	MaxSlowQueries     int
	MaxTimeSeries      int
	Verbose            bool
}

// Observer receives every recorded sample.
type Observer interface {
	ObserveOperation(sample domain.MetricSample, slow bool)
}

// Snapshot maps database -> "operation:collection" -> stats.
type Snapshot map[domain.Database]map[string]domain.OperationStats

// Recorder aggregates operation timings per database.
type Recorder struct {
	mu        sync.Mutex
	cfg       Config
	stats     map[domain.Database]map[string]*domain.OperationStats
	slow      []domain.MetricSample
	series    []domain.MetricSample
	observers []Observer
	logger    *slog.Logger
	now       func() time.Time
}

// NewRecorder constructs a Recorder with defaults applied.
func NewRecorder(cfg Config, logger *slog.Logger) *Recorder {
	if cfg.SlowQueryThreshold <= 0 {
		cfg.SlowQueryThreshold = defaultSlowQueryThreshold
	}
	if cfg.MaxSlowQueries <= 0 {
		cfg.MaxSlowQueries = defaultMaxSlowQueries
	}
	if cfg.MaxTimeSeries <= 0 {
		cfg.MaxTimeSeries = defaultMaxTimeSeries
	}
	if logger != nil {
		logger = logger.With("component", "datastore_metrics")
	}
	return &Recorder{
		cfg:    cfg,
		stats:  make(map[domain.Database]map[string]*domain.OperationStats),
		logger: logger,
		now:    time.Now,
	}
}

// AddObserver registers an observer for subsequent samples.
func (r *Recorder) AddObserver(o Observer) {
	if o == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Track times work and records the outcome. The work error is returned unchanged.
func Track[T any](r *Recorder, db domain.Database, operation, collection string, work func() (T, error)) (T, error) {
	start := r.now()
	value, err := work()
	r.Record(domain.MetricSample{
		Database:   db,
		Operation:  operation,
		Collection: collection,
		DurationMS: durationMS(r.now().Sub(start)),
		Timestamp:  start,
		Failed:     err != nil,
	})
	return value, err
}

// TrackErr is Track for work without a result.
func (r *Recorder) TrackErr(db domain.Database, operation, collection string, work func() error) error {
	_, err := Track(r, db, operation, collection, func() (struct{}, error) {
		return struct{}{}, work()
	})
	return err
}

// Record aggregates a completed sample.
func (r *Recorder) Record(sample domain.MetricSample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = r.now()
	}
	slow := !sample.Failed && sample.DurationMS > durationMS(r.cfg.SlowQueryThreshold)

	r.mu.Lock()
	byKey := r.stats[sample.Database]
	if byKey == nil {
		byKey = make(map[string]*domain.OperationStats)
		r.stats[sample.Database] = byKey
	}
	key := sample.Operation + ":" + sample.Collection
	if sample.Failed {
		key += errorSuffix
	}
	stats := byKey[key]
	if stats == nil {
		stats = &domain.OperationStats{}
		if !sample.Failed {
			stats.MinTime = math.Inf(1)
		}
		byKey[key] = stats
	}
	stats.Count++
	stats.TotalTime += sample.DurationMS
	if !sample.Failed {
		stats.AvgTime = stats.TotalTime / float64(stats.Count)
		stats.MinTime = math.Min(stats.MinTime, sample.DurationMS)
		stats.MaxTime = math.Max(stats.MaxTime, sample.DurationMS)
	}
	if slow {
		r.slow = append([]domain.MetricSample{sample}, r.slow...)
		if len(r.slow) > r.cfg.MaxSlowQueries {
			r.slow = r.slow[:r.cfg.MaxSlowQueries]
		}
	}
	r.series = append(r.series, sample)
	if over := len(r.series) - r.cfg.MaxTimeSeries; over > 0 {
		r.series = append([]domain.MetricSample(nil), r.series[over:]...)
	}
	observers := append([]Observer(nil), r.observers...)
	r.mu.Unlock()

	if slow && r.cfg.Verbose && r.logger != nil {
		r.logger.Warn("slow datastore operation",
			"database", sample.Database,
			"operation", sample.Operation,
			"collection", sample.Collection,
			"duration_ms", sample.DurationMS)
	}
	for _, o := range observers {
		o.ObserveOperation(sample, slow)
	}
}

// Metrics returns a copy of the stats for the given databases, or all of them.
func (r *Recorder) Metrics(dbs ...domain.Database) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(dbs) == 0 {
		dbs = domain.Databases()
	}
	snapshot := make(Snapshot, len(dbs))
	for _, db := range dbs {
		copied := make(map[string]domain.OperationStats, len(r.stats[db]))
		for key, stats := range r.stats[db] {
			copied[key] = *stats
		}
		snapshot[db] = copied
	}
	return snapshot
}

// Reset clears counters, slow queries and samples for the given databases, or all of them.
func (r *Recorder) Reset(dbs ...domain.Database) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(dbs) == 0 {
		r.stats = make(map[domain.Database]map[string]*domain.OperationStats)
		r.slow = nil
		r.series = nil
		return
	}
	drop := make(map[domain.Database]bool, len(dbs))
	for _, db := range dbs {
		delete(r.stats, db)
		drop[db] = true
	}
	r.slow = filterSamples(r.slow, drop)
	r.series = filterSamples(r.series, drop)
}

// SlowQueries returns slow samples newest first.
func (r *Recorder) SlowQueries() []domain.MetricSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.MetricSample(nil), r.slow...)
}

// TimeSeries returns recent samples oldest first.
func (r *Recorder) TimeSeries() []domain.MetricSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.MetricSample(nil), r.series...)
}

// Config returns the effective configuration.
func (r *Recorder) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

func filterSamples(samples []domain.MetricSample, drop map[domain.Database]bool) []domain.MetricSample {
	kept := samples[:0:0]
	for _, s := range samples {
		if !drop[s.Database] {
			kept = append(kept, s)
		}
	}
	return kept
}

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// SetClock overrides the time source. It must be called before use.
func (r *Recorder) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}
