package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/modpulse/internal/domain"
)

var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

// Exporter mirrors recorder samples and health statuses into Prometheus collectors.
type Exporter struct {
	operations   *prometheus.HistogramVec
	slowQueries  *prometheus.CounterVec
	up           *prometheus.GaugeVec
	responseTime *prometheus.GaugeVec
	poolSize     *prometheus.GaugeVec
}

var _ Observer = (*Exporter)(nil)

// NewExporter registers the datastore collectors on reg, reusing collectors that
// are already registered. A nil reg uses the default registerer.
func NewExporter(reg prometheus.Registerer) *Exporter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	e := &Exporter{
		operations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "modpulse",
			Subsystem: "datastore",
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution of datastore operations",
			Buckets:   latencyBuckets,
		}, []string{"database", "operation", "collection", "outcome"}),
		slowQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modpulse",
			Subsystem: "datastore",
			Name:      "slow_queries_total",
			Help:      "Operations slower than the configured threshold",
		}, []string{"database"}),
		up: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "modpulse",
			Subsystem: "datastore",
			Name:      "up",
			Help:      "1 when the last probe succeeded",
		}, []string{"database"}),
		responseTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "modpulse",
			Subsystem: "datastore",
			Name:      "probe_response_seconds",
			Help:      "Latency of the last liveness probe",
		}, []string{"database"}),
		poolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "modpulse",
			Subsystem: "datastore",
			Name:      "pool_connections",
			Help:      "Connection pool occupancy from the last probe",
		}, []string{"database", "state"}),
	}

	e.operations = register(reg, e.operations)
	e.slowQueries = register(reg, e.slowQueries)
	e.up = register(reg, e.up)
	e.responseTime = register(reg, e.responseTime)
	e.poolSize = register(reg, e.poolSize)
	return e
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return collector
}

// ObserveOperation implements Observer.
func (e *Exporter) ObserveOperation(sample domain.MetricSample, slow bool) {
	outcome := "success"
	if sample.Failed {
		outcome = "error"
	}
	e.operations.With(prometheus.Labels{
		"database":   string(sample.Database),
		"operation":  sample.Operation,
		"collection": sample.Collection,
		"outcome":    outcome,
	}).Observe(sample.DurationMS / 1000)
	if slow {
		e.slowQueries.WithLabelValues(string(sample.Database)).Inc()
	}
}

// ObserveStatus updates the health gauges from a probe result.
func (e *Exporter) ObserveStatus(status domain.ConnectionStatus) {
	db := string(status.Database)
	up := 0.0
	if status.Status == domain.StateConnected {
		up = 1
	}
	e.up.WithLabelValues(db).Set(up)
	if status.ResponseTimeMS != nil {
		e.responseTime.WithLabelValues(db).Set(*status.ResponseTimeMS / 1000)
	}
	e.poolSize.WithLabelValues(db, "total").Set(float64(status.PoolStats.PoolSize))
	e.poolSize.WithLabelValues(db, "available").Set(float64(status.PoolStats.AvailableConnections))
}
