package domain

import (
	"fmt"
	"strings"
	"time"
)

// Database identifies an observed datastore.
type Database string

const (
	DatabaseMongo    Database = "mongodb"
	DatabasePostgres Database = "postgresql"
)

// Databases lists every observed datastore.
func Databases() []Database {
	return []Database{DatabaseMongo, DatabasePostgres}
}

// ParseDatabase accepts the canonical names plus the common short aliases.
func ParseDatabase(value string) (Database, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "mongodb", "mongo":
		return DatabaseMongo, nil
	case "postgresql", "postgres", "pg":
		return DatabasePostgres, nil
	}
	return "", fmt.Errorf("unknown database %q", value)
}

// MetricSample is one timed datastore operation.
type MetricSample struct {
	Database   Database  `json:"database"`
	Operation  string    `json:"operation"`
	Collection string    `json:"collection"`
	DurationMS float64   `json:"durationMs"`
	Timestamp  time.Time `json:"timestamp"`
	Failed     bool      `json:"failed,omitempty"`
}

// OperationStats aggregates samples for one operation and collection.
// Failure buckets only carry Count and TotalTime.
type OperationStats struct {
	Count     int64   `json:"count"`
	TotalTime float64 `json:"totalTime"`
	AvgTime   float64 `json:"avgTime"`
	MinTime   float64 `json:"minTime"`
	MaxTime   float64 `json:"maxTime"`
}

// ConnectionState is the last observed liveness of a datastore.
type ConnectionState string

const (
	StateUnknown   ConnectionState = "unknown"
	StateConnected ConnectionState = "connected"
	StateError     ConnectionState = "error"
)

// PoolStats reports connection pool occupancy.
type PoolStats struct {
	Connected            bool  `json:"connected"`
	PoolSize             int64 `json:"poolSize"`
	AvailableConnections int64 `json:"availableConnections"`
	MaxPoolSize          int64 `json:"maxPoolSize"`
	MinPoolSize          int64 `json:"minPoolSize"`
}

// ConnectionStatus is the single current-value health record of a datastore.
type ConnectionStatus struct {
	Database       Database        `json:"database"`
	Status         ConnectionState `json:"status"`
	LastChecked    *time.Time      `json:"lastChecked"`
	ResponseTimeMS *float64        `json:"responseTimeMs"`
	Error          *string         `json:"error"`
	PoolStats      PoolStats       `json:"poolStats"`
}

// NewConnectionStatus returns the initial unknown status.
func NewConnectionStatus(db Database) ConnectionStatus {
	return ConnectionStatus{Database: db, Status: StateUnknown}
}
