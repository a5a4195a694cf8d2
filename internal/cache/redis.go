package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	defaultRedisTimeout = 250 * time.Millisecond
	scanBatch           = 200
)

// RedisStore implements Store on Redis. All keys are namespaced under prefix.
type RedisStore struct {
	client  *redis.Client
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Timeout  time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(opts RedisOptions, logger *slog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStoreFromClient(client, opts.Prefix, opts.Timeout, logger), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, timeout time.Duration, logger *slog.Logger) *RedisStore {
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}
	prefix = strings.TrimSpace(prefix)
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	if logger != nil {
		logger = logger.With("component", "redis_store")
	}
	return &RedisStore{client: client, logger: logger, prefix: prefix, timeout: timeout}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Get returns the value stored at key or ErrMiss.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	value, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set stores value with the given ttl; a non-positive ttl never expires.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.client.Set(ctx, s.key(key), value, ttl).Err()
}

// Del removes keys.
func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.client.Del(ctx, full...).Err()
}

// Expire resets the ttl of an existing key.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.client.Expire(ctx, s.key(key), ttl).Err()
}

// DeletePrefix removes every key starting with prefix using SCAN.
func (s *RedisStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	pattern := escapeGlob(s.key(prefix)) + "*"
	var (
		cursor  uint64
		deleted int
	)
	for {
		opCtx, cancel := s.opContext(ctx)
		keys, next, err := s.client.Scan(opCtx, cursor, pattern, scanBatch).Result()
		if err == nil && len(keys) > 0 {
			var n int64
			n, err = s.client.Del(opCtx, keys...).Result()
			deleted += int(n)
		}
		cancel()
		if err != nil {
			return deleted, err
		}
		cursor = next
		if cursor == 0 {
			if s.logger != nil && deleted > 0 {
				s.logger.Debug("deleted keys by prefix", "prefix", prefix, "count", deleted)
			}
			return deleted, nil
		}
	}
}

// ZAdd inserts or rescored member in the sorted set.
func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.client.ZAdd(ctx, s.key(key), redis.Z{Score: score, Member: member}).Err()
}

// ZPopMin removes and returns up to count lowest-scored members.
func (s *RedisStore) ZPopMin(ctx context.Context, key string, count int) ([]ScoredMember, error) {
	if count <= 0 {
		return nil, nil
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	zs, err := s.client.ZPopMin(ctx, s.key(key), int64(count)).Result()
	if err != nil {
		return nil, err
	}
	members := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		members = append(members, ScoredMember{Member: fmt.Sprint(z.Member), Score: z.Score})
	}
	return members, nil
}

// ZCard returns the sorted set cardinality.
func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.client.ZCard(ctx, s.key(key)).Result()
}

// IncrWindow increments the counter at key, starting a window of length
// window on the first hit, and returns the count and the time left in the window.
func (s *RedisStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	full := s.key(key)
	count, err := s.client.Incr(ctx, full).Result()
	if err != nil {
		return 0, 0, err
	}
	if count == 1 {
		if err := s.client.Expire(ctx, full, window).Err(); err != nil {
			return count, window, err
		}
		return count, window, nil
	}
	ttl, err := s.client.TTL(ctx, full).Result()
	if err != nil || ttl <= 0 {
		// a counter that lost its expiry would never reset
		_ = s.client.Expire(ctx, full, window).Err()
		ttl = window
	}
	return count, ttl, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func escapeGlob(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
