package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment   string
	LogLevel      string
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	MongoURI      string
	MongoDatabase string
	JWTSecret     string
	IngestToken   string

	RedisAddr      string
	RedisPass      string
	RedisDB        int
	CacheKeyPrefix string

	// Per-class request budgets. Zero disables a class.
	RateLimitIngest       int
	RateLimitPublicRead   int
	RateLimitAdminRead    int
	RateLimitAdminWrite   int
	RateLimitStream       int
	RateLimitWindow       time.Duration
	RateLimitStreamWindow time.Duration

	SlowQueryThreshold time.Duration
	MaxSlowQueries     int
	MaxTimeSeries      int
	MetricsVerbose     bool

	HealthCheckInterval time.Duration
	HealthAutoCheck     bool
	HealthProbeTimeout  time.Duration

	CacheTTLShort  time.Duration
	CacheTTLMedium time.Duration
	CacheTTLLong   time.Duration

	AnalyticsCacheTTL    time.Duration
	AnalyticsConcurrency int
	KeepWarmInterval     time.Duration
	NotificationQueueKey string
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:           GetString("APP_ENV", "development"),
		LogLevel:              GetString("LOG_LEVEL", "info"),
		Addr:                  GetString("API_ADDR", ":4000"),
		DatabaseURL:           GetString("DATABASE_URL", "postgres://modpulse:modpulse@db:5432/modpulse?sslmode=disable"),
		MigrationsDir:         GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		MongoURI:              GetString("MONGODB_URI", "mongodb://mongo:27017"),
		MongoDatabase:         GetString("MONGODB_DATABASE", "modpulse"),
		JWTSecret:             GetString("JWT_SECRET", "supersecuresecret"),
		IngestToken:           GetString("ANALYTICS_INGEST_TOKEN", ""),
		RedisAddr:             GetString("REDIS_ADDR", ""),
		RedisPass:             GetString("REDIS_PASSWORD", ""),
		RedisDB:               GetInt("REDIS_DB", 0),
		CacheKeyPrefix:        GetString("CACHE_KEY_PREFIX", "modpulse"),
		RateLimitIngest:       GetInt("RATE_LIMIT_INGEST", 600),
		RateLimitPublicRead:   GetInt("RATE_LIMIT_PUBLIC_READ", 120),
		RateLimitAdminRead:    GetInt("RATE_LIMIT_ADMIN_READ", 240),
		RateLimitAdminWrite:   GetInt("RATE_LIMIT_ADMIN_WRITE", 60),
		RateLimitStream:       GetInt("RATE_LIMIT_STREAM", 30),
		RateLimitWindow:       GetSeconds("RATE_LIMIT_WINDOW_SECONDS", time.Minute),
		RateLimitStreamWindow: GetSeconds("RATE_LIMIT_STREAM_WINDOW_SECONDS", 30*time.Second),
		SlowQueryThreshold:    GetMilliseconds("SLOW_QUERY_THRESHOLD_MS", 500*time.Millisecond),
		MaxSlowQueries:        GetInt("MAX_SLOW_QUERIES", 100),
		MaxTimeSeries:         GetInt("MAX_TIME_SERIES_POINTS", 500),
		MetricsVerbose:        GetBool("METRICS_VERBOSE", false),
		HealthCheckInterval:   GetSeconds("HEALTH_CHECK_INTERVAL_SECONDS", time.Minute),
		HealthAutoCheck:       GetBool("HEALTH_AUTO_CHECK", true),
		HealthProbeTimeout:    GetSeconds("HEALTH_PROBE_TIMEOUT_SECONDS", 5*time.Second),
		CacheTTLShort:         GetSeconds("CACHE_TTL_SHORT_SECONDS", 10*time.Second),
		CacheTTLMedium:        GetSeconds("CACHE_TTL_MEDIUM_SECONDS", 5*time.Minute),
		CacheTTLLong:          GetSeconds("CACHE_TTL_LONG_SECONDS", time.Hour),
		AnalyticsCacheTTL:     GetSeconds("ANALYTICS_CACHE_TTL_SECONDS", 5*time.Minute),
		AnalyticsConcurrency:  GetInt("ANALYTICS_CONCURRENCY", 4),
		KeepWarmInterval:      GetSeconds("KEEP_WARM_SECONDS", 0),
		NotificationQueueKey:  GetString("NOTIFICATION_QUEUE_KEY", "moderation:notifications"),
	}
}
