package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"

	"github.com/splax/modpulse/internal/domain"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRecorder(cfg Config) (*Recorder, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRecorder(cfg, nil)
	r.SetClock(clock.Now)
	return r, clock
}

func trackFor(t *testing.T, r *Recorder, clock *fakeClock, db domain.Database, op, coll string, d time.Duration) {
	t.Helper()
	if _, err := Track(r, db, op, coll, func() (int, error) {
		clock.advance(d)
		return 1, nil
	}); err != nil {
		t.Fatalf("track: %v", err)
	}
}

func TestTrackAggregatesDurations(t *testing.T) {
	r, clock := newTestRecorder(Config{})
	for _, ms := range []int{10, 20, 30} {
		trackFor(t, r, clock, domain.DatabasePostgres, "select", "analytics_events", time.Duration(ms)*time.Millisecond)
	}

	stats, ok := r.Metrics(domain.DatabasePostgres)[domain.DatabasePostgres]["select:analytics_events"]
	if !ok {
		t.Fatalf("expected stats for select:analytics_events")
	}
	if stats.Count != 3 {
		t.Fatalf("expected count 3, got %d", stats.Count)
	}
	if stats.AvgTime != 20 || stats.MinTime != 10 || stats.MaxTime != 30 {
		t.Fatalf("unexpected aggregates %+v", stats)
	}
	if stats.TotalTime != 60 {
		t.Fatalf("expected total 60, got %v", stats.TotalTime)
	}
}

func TestTrackReturnsWorkResult(t *testing.T) {
	r, _ := newTestRecorder(Config{})
	value, err := Track(r, domain.DatabaseMongo, "find", "posts", func() (string, error) {
		return "ok", nil
	})
	if err != nil || value != "ok" {
		t.Fatalf("expected ok, got %q (%v)", value, err)
	}
}

func TestTrackRecordsFailuresSeparately(t *testing.T) {
	r, clock := newTestRecorder(Config{})
	boom := errors.New("connection refused")

	err := r.TrackErr(domain.DatabaseMongo, "find", "posts", func() error {
		clock.advance(5 * time.Millisecond)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected original error, got %v", err)
	}

	snapshot := r.Metrics(domain.DatabaseMongo)[domain.DatabaseMongo]
	if _, ok := snapshot["find:posts"]; ok {
		t.Fatalf("failure must not touch the success bucket")
	}
	failed := snapshot["find:posts:error"]
	if failed.Count != 1 || failed.TotalTime != 5 {
		t.Fatalf("unexpected failure bucket %+v", failed)
	}
	if failed.MinTime != 0 || failed.MaxTime != 0 || failed.AvgTime != 0 {
		t.Fatalf("failure bucket should only carry count and total, got %+v", failed)
	}
	if len(r.SlowQueries()) != 0 {
		t.Fatalf("failures are not slow queries")
	}
}

func TestSlowQueryRingIsBoundedNewestFirst(t *testing.T) {
	r, clock := newTestRecorder(Config{SlowQueryThreshold: 100 * time.Millisecond, MaxSlowQueries: 3})
	for i := 0; i < 3+5; i++ {
		trackFor(t, r, clock, domain.DatabasePostgres, "select", "posts", time.Duration(200+i)*time.Millisecond)
	}
	trackFor(t, r, clock, domain.DatabasePostgres, "select", "posts", 50*time.Millisecond)

	slow := r.SlowQueries()
	if len(slow) != 3 {
		t.Fatalf("expected 3 slow queries, got %d", len(slow))
	}
	for i, want := range []float64{207, 206, 205} {
		if slow[i].DurationMS != want {
			t.Fatalf("slot %d: expected %v, got %v", i, want, slow[i].DurationMS)
		}
	}
}

func TestMetricsSnapshotIsACopy(t *testing.T) {
	r, clock := newTestRecorder(Config{})
	trackFor(t, r, clock, domain.DatabaseMongo, "find", "posts", 10*time.Millisecond)

	snapshot := r.Metrics()
	if _, ok := snapshot[domain.DatabasePostgres]; !ok {
		t.Fatalf("expected every database in an unfiltered snapshot")
	}
	snapshot[domain.DatabaseMongo]["find:posts"] = domain.OperationStats{Count: 99}
	delete(snapshot, domain.DatabasePostgres)

	if got := r.Metrics(domain.DatabaseMongo)[domain.DatabaseMongo]["find:posts"].Count; got != 1 {
		t.Fatalf("expected recorder state untouched, got count %d", got)
	}
}

func TestResetSingleDatabase(t *testing.T) {
	r, clock := newTestRecorder(Config{SlowQueryThreshold: time.Millisecond})
	trackFor(t, r, clock, domain.DatabaseMongo, "find", "posts", 10*time.Millisecond)
	trackFor(t, r, clock, domain.DatabasePostgres, "select", "groups", 10*time.Millisecond)

	r.Reset(domain.DatabaseMongo)

	snapshot := r.Metrics()
	if len(snapshot[domain.DatabaseMongo]) != 0 {
		t.Fatalf("expected mongodb stats cleared, got %+v", snapshot[domain.DatabaseMongo])
	}
	if snapshot[domain.DatabasePostgres]["select:groups"].Count != 1 {
		t.Fatalf("expected postgresql stats kept")
	}
	for _, sample := range r.SlowQueries() {
		if sample.Database == domain.DatabaseMongo {
			t.Fatalf("expected mongodb slow queries cleared")
		}
	}

	r.Reset()
	if len(r.TimeSeries()) != 0 || len(r.SlowQueries()) != 0 {
		t.Fatalf("expected full reset")
	}
}

func TestTimeSeriesIsBounded(t *testing.T) {
	r, clock := newTestRecorder(Config{MaxTimeSeries: 4})
	for i := 1; i <= 6; i++ {
		trackFor(t, r, clock, domain.DatabaseMongo, "find", "posts", time.Duration(i)*time.Millisecond)
	}
	series := r.TimeSeries()
	if len(series) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(series))
	}
	if series[0].DurationMS != 3 || series[3].DurationMS != 6 {
		t.Fatalf("expected oldest-first window 3..6, got %v..%v", series[0].DurationMS, series[3].DurationMS)
	}
}

type captureObserver struct {
	samples []domain.MetricSample
	slow    int
}

func (c *captureObserver) ObserveOperation(sample domain.MetricSample, slow bool) {
	c.samples = append(c.samples, sample)
	if slow {
		c.slow++
	}
}

func TestObserversReceiveSamples(t *testing.T) {
	r, clock := newTestRecorder(Config{SlowQueryThreshold: 15 * time.Millisecond})
	obs := &captureObserver{}
	r.AddObserver(obs)

	trackFor(t, r, clock, domain.DatabaseMongo, "find", "posts", 10*time.Millisecond)
	trackFor(t, r, clock, domain.DatabaseMongo, "find", "posts", 20*time.Millisecond)

	if len(obs.samples) != 2 || obs.slow != 1 {
		t.Fatalf("expected 2 samples and 1 slow, got %d and %d", len(obs.samples), obs.slow)
	}
}

func TestParseSQL(t *testing.T) {
	cases := []struct {
		sql, op, table string
	}{
		{"SELECT count(*) FROM analytics_events WHERE occurred_at >= $1", "select", "analytics_events"},
		{"insert into analytics_events (id) values ($1)", "insert", "analytics_events"},
		{"UPDATE posts SET title = $1", "update", "posts"},
		{"SELECT 1", "select", "unknown"},
		{"   ", "unknown", "unknown"},
	}
	for _, tc := range cases {
		op, table := parseSQL(tc.sql)
		if op != tc.op || table != tc.table {
			t.Fatalf("parseSQL(%q) = %q, %q; expected %q, %q", tc.sql, op, table, tc.op, tc.table)
		}
	}
}

func TestMongoMonitorRecordsCommands(t *testing.T) {
	r, _ := newTestRecorder(Config{})
	monitor := NewMongoMonitor(r).CommandMonitor()

	raw, err := bson.Marshal(bson.D{{Key: "find", Value: "posts"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx := context.Background()
	monitor.Started(ctx, &event.CommandStartedEvent{Command: bson.Raw(raw), CommandName: "find", RequestID: 7})
	monitor.Succeeded(ctx, &event.CommandSucceededEvent{CommandFinishedEvent: event.CommandFinishedEvent{
		CommandName: "find",
		RequestID:   7,
		Duration:    12 * time.Millisecond,
	}})

	monitor.Started(ctx, &event.CommandStartedEvent{CommandName: "ping", RequestID: 8})
	monitor.Succeeded(ctx, &event.CommandSucceededEvent{CommandFinishedEvent: event.CommandFinishedEvent{
		CommandName: "ping",
		RequestID:   8,
		Duration:    time.Millisecond,
	}})

	snapshot := r.Metrics(domain.DatabaseMongo)[domain.DatabaseMongo]
	if len(snapshot) != 1 {
		t.Fatalf("expected only the find command, got %+v", snapshot)
	}
	if stats := snapshot["find:posts"]; stats.Count != 1 || stats.AvgTime != 12 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestExporterObservesSamplesAndStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := NewExporter(reg)
	again := NewExporter(reg)
	if again.slowQueries != e.slowQueries {
		t.Fatalf("expected already registered collectors to be reused")
	}

	e.ObserveOperation(domain.MetricSample{Database: domain.DatabasePostgres, Operation: "select", Collection: "posts", DurationMS: 700}, true)
	if got := testutil.ToFloat64(e.slowQueries.WithLabelValues("postgresql")); got != 1 {
		t.Fatalf("expected 1 slow query, got %v", got)
	}

	rt := 4.0
	e.ObserveStatus(domain.ConnectionStatus{Database: domain.DatabaseMongo, Status: domain.StateConnected, ResponseTimeMS: &rt})
	if got := testutil.ToFloat64(e.up.WithLabelValues("mongodb")); got != 1 {
		t.Fatalf("expected mongodb up, got %v", got)
	}
	e.ObserveStatus(domain.ConnectionStatus{Database: domain.DatabaseMongo, Status: domain.StateError})
	if got := testutil.ToFloat64(e.up.WithLabelValues("mongodb")); got != 0 {
		t.Fatalf("expected mongodb down, got %v", got)
	}
}
