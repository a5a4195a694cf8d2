package health

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/splax/modpulse/internal/domain"
)

// Prober issues a liveness check against one datastore.
type Prober interface {
	Database() domain.Database
	Probe(ctx context.Context) (domain.PoolStats, error)
}

// PostgresProber pings a pgx pool and reports its occupancy.
type PostgresProber struct {
	pool *pgxpool.Pool
}

var _ Prober = (*PostgresProber)(nil)

func NewPostgresProber(pool *pgxpool.Pool) *PostgresProber {
	return &PostgresProber{pool: pool}
}

func (p *PostgresProber) Database() domain.Database { return domain.DatabasePostgres }

func (p *PostgresProber) Probe(ctx context.Context) (domain.PoolStats, error) {
	if p.pool == nil {
		return domain.PoolStats{}, fmt.Errorf("postgres pool not configured")
	}
	if err := p.pool.Ping(ctx); err != nil {
		return domain.PoolStats{}, err
	}
	stat := p.pool.Stat()
	return domain.PoolStats{
		Connected:            true,
		PoolSize:             int64(stat.TotalConns()),
		AvailableConnections: int64(stat.IdleConns()),
		MaxPoolSize:          int64(stat.MaxConns()),
		MinPoolSize:          int64(p.pool.Config().MinConns),
	}, nil
}

// MongoProber pings the primary and reads connection counts from serverStatus.
type MongoProber struct {
	client      *mongo.Client
	maxPoolSize int64
	minPoolSize int64
}

var _ Prober = (*MongoProber)(nil)

// NewMongoProber takes the pool bounds the client was configured with, since the
// driver does not expose them after construction.
func NewMongoProber(client *mongo.Client, maxPoolSize, minPoolSize uint64) *MongoProber {
	return &MongoProber{client: client, maxPoolSize: int64(maxPoolSize), minPoolSize: int64(minPoolSize)}
}

func (p *MongoProber) Database() domain.Database { return domain.DatabaseMongo }

type serverStatus struct {
	Connections struct {
		Current   int64 `bson:"current"`
		Available int64 `bson:"available"`
	} `bson:"connections"`
}

func (p *MongoProber) Probe(ctx context.Context) (domain.PoolStats, error) {
	if p.client == nil {
		return domain.PoolStats{}, fmt.Errorf("mongo client not configured")
	}
	if err := p.client.Ping(ctx, readpref.Primary()); err != nil {
		return domain.PoolStats{}, err
	}
	stats := domain.PoolStats{
		Connected:   true,
		MaxPoolSize: p.maxPoolSize,
		MinPoolSize: p.minPoolSize,
	}
	var status serverStatus
	// serverStatus needs clusterMonitor; a denied command still leaves the node reachable.
	if err := p.client.Database("admin").RunCommand(ctx, bson.D{{Key: "serverStatus", Value: 1}}).Decode(&status); err == nil {
		stats.PoolSize = status.Connections.Current
		stats.AvailableConnections = status.Connections.Available
	}
	return stats, nil
}
