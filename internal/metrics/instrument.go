package metrics

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.mongodb.org/mongo-driver/event"

	"github.com/splax/modpulse/internal/domain"
)

var tablePattern = regexp.MustCompile(`(?i)\b(?:from|into|update|join)\s+"?([a-zA-Z_][\w.]*)`)

type pgStartKey struct{}

// PGTracer records every pgx query against the postgresql bucket.
type PGTracer struct {
	recorder *Recorder
}

var _ pgx.QueryTracer = (*PGTracer)(nil)

// NewPGTracer returns a tracer suitable for pgxpool.Config.ConnConfig.Tracer.
func NewPGTracer(r *Recorder) *PGTracer {
	return &PGTracer{recorder: r}
}

type pgTrace struct {
	start      time.Time
	operation  string
	collection string
}

func (t *PGTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	op, table := parseSQL(data.SQL)
	return context.WithValue(ctx, pgStartKey{}, pgTrace{start: t.recorder.now(), operation: op, collection: table})
}

func (t *PGTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	trace, ok := ctx.Value(pgStartKey{}).(pgTrace)
	if !ok {
		return
	}
	t.recorder.Record(domain.MetricSample{
		Database:   domain.DatabasePostgres,
		Operation:  trace.operation,
		Collection: trace.collection,
		DurationMS: durationMS(t.recorder.now().Sub(trace.start)),
		Timestamp:  trace.start,
		Failed:     data.Err != nil,
	})
}

// parseSQL extracts the statement verb and the first referenced table.
func parseSQL(sql string) (string, string) {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "unknown", "unknown"
	}
	op := strings.ToLower(fields[0])
	table := "unknown"
	if m := tablePattern.FindStringSubmatch(sql); len(m) == 2 {
		table = strings.ToLower(m[1])
	}
	return op, table
}

var ignoredMongoCommands = map[string]bool{
	"hello":        true,
	"ismaster":     true,
	"isMaster":     true,
	"ping":         true,
	"buildInfo":    true,
	"saslStart":    true,
	"saslContinue": true,
	"endSessions":  true,
	"serverStatus": true,
}

// MongoMonitor turns driver command events into samples for the mongodb bucket.
type MongoMonitor struct {
	recorder *Recorder
	pending  sync.Map // request id -> collection
}

// NewMongoMonitor builds a monitor bound to r.
func NewMongoMonitor(r *Recorder) *MongoMonitor {
	return &MongoMonitor{recorder: r}
}

// CommandMonitor returns the driver hook for options.Client().SetMonitor.
func (m *MongoMonitor) CommandMonitor() *event.CommandMonitor {
	return &event.CommandMonitor{
		Started:   m.started,
		Succeeded: m.succeeded,
		Failed:    m.failed,
	}
}

func (m *MongoMonitor) started(_ context.Context, evt *event.CommandStartedEvent) {
	if ignoredMongoCommands[evt.CommandName] {
		return
	}
	collection := "unknown"
	if value, ok := evt.Command.Lookup(evt.CommandName).StringValueOK(); ok && value != "" {
		collection = value
	}
	m.pending.Store(evt.RequestID, collection)
}

func (m *MongoMonitor) succeeded(_ context.Context, evt *event.CommandSucceededEvent) {
	m.finish(evt.CommandFinishedEvent, false)
}

func (m *MongoMonitor) failed(_ context.Context, evt *event.CommandFailedEvent) {
	m.finish(evt.CommandFinishedEvent, true)
}

func (m *MongoMonitor) finish(evt event.CommandFinishedEvent, failed bool) {
	value, ok := m.pending.LoadAndDelete(evt.RequestID)
	if !ok {
		return
	}
	end := m.recorder.now()
	m.recorder.Record(domain.MetricSample{
		Database:   domain.DatabaseMongo,
		Operation:  evt.CommandName,
		Collection: value.(string),
		DurationMS: durationMS(evt.Duration),
		Timestamp:  end.Add(-evt.Duration),
		Failed:     failed,
	})
}
