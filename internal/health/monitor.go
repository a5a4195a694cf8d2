// Package health keeps the last known liveness of each datastore.
package health

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/splax/modpulse/internal/domain"
)

// ErrUnknownDatabase is returned when no prober is registered for a database.
var ErrUnknownDatabase = errors.New("health: no prober for database")

const (
	defaultInterval     = 60 * time.Second
	defaultProbeTimeout = 5 * time.Second
)

// Config controls probing.
type Config struct {
	Interval     time.Duration `json:"interval"`
	ProbeTimeout time.Duration `json:"probeTimeout"`
}

// ConfigUpdate is a partial Config; nil fields are left unchanged.
type ConfigUpdate struct {
	Interval     *time.Duration
	ProbeTimeout *time.Duration
}

// Monitor probes datastores on demand or on a single repeating timer.
type Monitor struct {
	mu        sync.Mutex
	cfg       Config
	probers   map[domain.Database]Prober
	statuses  map[domain.Database]domain.ConnectionStatus
	listeners []func(domain.ConnectionStatus)
	cancel    context.CancelFunc
	lastTick  time.Time
	loops     sync.WaitGroup
	logger    *slog.Logger
	now       func() time.Time
}

// NewMonitor constructs a monitor with every database in the unknown state.
func NewMonitor(cfg Config, logger *slog.Logger, probers ...Prober) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if logger != nil {
		logger = logger.With("component", "health_monitor")
	}
	m := &Monitor{
		cfg:      cfg,
		probers:  make(map[domain.Database]Prober, len(probers)),
		statuses: make(map[domain.Database]domain.ConnectionStatus, len(probers)),
		logger:   logger,
		now:      time.Now,
	}
	for _, p := range probers {
		if p == nil {
			continue
		}
		m.probers[p.Database()] = p
		m.statuses[p.Database()] = domain.NewConnectionStatus(p.Database())
	}
	return m
}

// SetClock overrides the time source. It must be called before use.
func (m *Monitor) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// OnStatus registers fn to be called after every probe.
func (m *Monitor) OnStatus(fn func(domain.ConnectionStatus)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Databases lists the monitored databases in name order.
func (m *Monitor) Databases() []domain.Database {
	m.mu.Lock()
	defer m.mu.Unlock()
	dbs := make([]domain.Database, 0, len(m.probers))
	for db := range m.probers {
		dbs = append(dbs, db)
	}
	sort.Slice(dbs, func(i, j int) bool { return dbs[i] < dbs[j] })
	return dbs
}

// CheckStatus probes db now. Probe failures are reported in the status; the
// error is only set for an unknown database or a cancelled ctx.
func (m *Monitor) CheckStatus(ctx context.Context, db domain.Database) (domain.ConnectionStatus, error) {
	m.mu.Lock()
	prober, ok := m.probers[db]
	timeout := m.cfg.ProbeTimeout
	m.mu.Unlock()
	if !ok {
		return domain.ConnectionStatus{}, ErrUnknownDatabase
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := m.now()
	pool, err := prober.Probe(probeCtx)
	checked := m.now()
	elapsed := float64(checked.Sub(start)) / float64(time.Millisecond)
	if err != nil && ctx.Err() != nil {
		// Caller went away; keep the previous status.
		return domain.ConnectionStatus{}, ctx.Err()
	}

	status := domain.ConnectionStatus{
		Database:       db,
		Status:         domain.StateConnected,
		LastChecked:    &checked,
		ResponseTimeMS: &elapsed,
		PoolStats:      pool,
	}
	if err != nil {
		msg := err.Error()
		status.Status = domain.StateError
		status.Error = &msg
		status.PoolStats = domain.PoolStats{}
		if m.logger != nil {
			m.logger.Warn("datastore probe failed", "database", db, "error", err)
		}
	}

	m.mu.Lock()
	m.statuses[db] = status
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(status)
	}
	return status, nil
}

// CheckAll probes every database concurrently.
func (m *Monitor) CheckAll(ctx context.Context) map[domain.Database]domain.ConnectionStatus {
	dbs := m.Databases()
	results := make([]domain.ConnectionStatus, len(dbs))
	var g errgroup.Group
	for i, db := range dbs {
		g.Go(func() error {
			status, err := m.CheckStatus(ctx, db)
			if err != nil {
				status = m.lastStatus(db)
			}
			results[i] = status
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[domain.Database]domain.ConnectionStatus, len(dbs))
	for i, db := range dbs {
		out[db] = results[i]
	}
	return out
}

// ConnectionStatus returns the last known status of every database without probing.
func (m *Monitor) ConnectionStatus() map[domain.Database]domain.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.Database]domain.ConnectionStatus, len(m.statuses))
	for db, status := range m.statuses {
		out[db] = status
	}
	return out
}

func (m *Monitor) lastStatus(db domain.Database) domain.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[db]
}

// Config returns the current configuration.
func (m *Monitor) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Running reports whether automatic checks are active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// StartAutomaticChecks probes immediately and then every interval. A previous
// loop is cancelled first. A non-positive interval keeps the configured one.
func (m *Monitor) StartAutomaticChecks(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if interval > 0 {
		m.cfg.Interval = interval
	}
	m.stopLocked()
	m.startLocked(0)
}

// StopAutomaticChecks cancels the loop and waits for every loop to exit.
func (m *Monitor) StopAutomaticChecks() {
	m.mu.Lock()
	m.stopLocked()
	m.mu.Unlock()
	m.loops.Wait()
}

// UpdateConfig merges update into the configuration and restarts a running
// loop when the interval changed. The restarted loop keeps the phase of the
// previous one: its first probe lands one new interval after the last tick.
func (m *Monitor) UpdateConfig(update ConfigUpdate) Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	previous := m.cfg.Interval
	if update.Interval != nil && *update.Interval > 0 {
		m.cfg.Interval = *update.Interval
	}
	if update.ProbeTimeout != nil && *update.ProbeTimeout > 0 {
		m.cfg.ProbeTimeout = *update.ProbeTimeout
	}
	if m.cancel != nil && m.cfg.Interval != previous {
		m.stopLocked()
		m.startLocked(m.nextTickDelayLocked())
	}
	return m.cfg
}

// nextTickDelayLocked is how long a restarted loop waits before its first
// probe. An overdue tick runs at once.
func (m *Monitor) nextTickDelayLocked() time.Duration {
	if m.lastTick.IsZero() {
		return 0
	}
	return max(m.cfg.Interval-time.Since(m.lastTick), 0)
}

// startLocked runs the loop, probing after delay and then every interval.
func (m *Monitor) startLocked(delay time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.loops.Add(1)
	go m.loop(ctx, m.cfg.Interval, delay)
	if m.logger != nil {
		m.logger.Info("automatic health checks started", "interval", m.cfg.Interval)
	}
}

func (m *Monitor) stopLocked() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.cancel = nil
	if m.logger != nil {
		m.logger.Info("automatic health checks stopped")
	}
}

func (m *Monitor) loop(ctx context.Context, interval, delay time.Duration) {
	defer m.loops.Done()
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	m.mu.Lock()
	m.lastTick = time.Now()
	m.mu.Unlock()
	m.CheckAll(ctx)
}
