package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/splax/modpulse/internal/app/migrate"
	"github.com/splax/modpulse/internal/cache"
	"github.com/splax/modpulse/internal/cachecontrol"
	"github.com/splax/modpulse/internal/domain"
	"github.com/splax/modpulse/internal/fluid"
	"github.com/splax/modpulse/internal/health"
	httpx "github.com/splax/modpulse/internal/http"
	"github.com/splax/modpulse/internal/metrics"
	"github.com/splax/modpulse/internal/repository"
	"github.com/splax/modpulse/internal/repository/cached"
	"github.com/splax/modpulse/internal/repository/mongostore"
	"github.com/splax/modpulse/internal/repository/postgres"
	"github.com/splax/modpulse/internal/service/analytics"
	"github.com/splax/modpulse/internal/service/notify"
	"github.com/splax/modpulse/internal/ws"
	"github.com/splax/modpulse/pkg/config"
	"github.com/splax/modpulse/pkg/logger"
)

const (
	mongoMaxPoolSize = 100
	mongoMinPoolSize = 0
	mongoTimeout     = 5 * time.Second
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recorder := metrics.NewRecorder(metrics.Config{
		SlowQueryThreshold: cfg.SlowQueryThreshold,
		MaxSlowQueries:     cfg.MaxSlowQueries,
		MaxTimeSeries:      cfg.MaxTimeSeries,
		Verbose:            cfg.MetricsVerbose,
	}, log)
	exporter := metrics.NewExporter(prometheus.DefaultRegisterer)
	recorder.AddObserver(exporter)

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Error("invalid database url", "error", err)
		os.Exit(1)
	}
	poolCfg.ConnConfig.Tracer = metrics.NewPGTracer(recorder)
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	probers := []health.Prober{health.NewPostgresProber(pool)}
	var content repository.ContentRepository = repo

	mongoClient, err := connectMongo(ctx, cfg.MongoURI, recorder)
	if err != nil {
		log.Warn("mongodb unavailable, serving content metadata from postgres", "error", err)
	} else {
		defer func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), mongoTimeout)
			defer cancel()
			_ = mongoClient.Disconnect(disconnectCtx)
		}()
		probers = append(probers, health.NewMongoProber(mongoClient, mongoMaxPoolSize, mongoMinPoolSize))
		content = mongostore.NewContentRepository(mongoClient.Database(cfg.MongoDatabase))
	}

	store := openStore(cfg, log)
	defer store.Close()

	contentCache := cached.NewContentRepository(content, store, cached.Options{
		Concurrency: cfg.AnalyticsConcurrency,
		TTL:         cfg.CacheTTLLong,
		KeepWarm:    cfg.KeepWarmInterval,
	}, log)
	defer contentCache.Close()

	computeRunner := fluid.NewRunner(store, fluid.RunnerOptions{Concurrency: cfg.AnalyticsConcurrency, SingleFlight: true}, log)
	queue := notify.NewQueue(store, cfg.NotificationQueueKey, log)
	analyticsSvc := analytics.New(repo, contentCache, computeRunner, queue, analytics.Config{CacheTTL: cfg.AnalyticsCacheTTL}, log)

	hub := ws.NewHub()
	defer hub.Close()
	analyticsSvc.OnEvent(func(event domain.AnalyticsEvent) {
		if err := hub.Publish(ws.TopicAnalytics, event); err != nil {
			log.Warn("analytics event broadcast failed", "error", err)
		}
	})

	monitor := health.NewMonitor(health.Config{
		Interval:     cfg.HealthCheckInterval,
		ProbeTimeout: cfg.HealthProbeTimeout,
	}, log, probers...)
	monitor.OnStatus(exporter.ObserveStatus)
	monitor.OnStatus(func(status domain.ConnectionStatus) {
		if err := hub.Publish(ws.TopicStatus, status); err != nil {
			log.Warn("status broadcast failed", "error", err)
		}
	})
	if cfg.HealthAutoCheck {
		monitor.StartAutomaticChecks(0)
	}
	defer monitor.StopAutomaticChecks()

	invalidator := cachecontrol.NewInvalidator(store, map[string][]string{
		"post": {
			cached.PostSummaryPrefix,
			analytics.MetricPrefix(analytics.MetricContent),
			analytics.MetricPrefix(analytics.MetricContentExport),
		},
		"group": {
			cached.GroupSummaryPrefix,
			analytics.MetricPrefix(analytics.MetricContent),
			analytics.MetricPrefix(analytics.MetricContentExport),
		},
	}, log)
	policy := cachecontrol.NewPolicy(cachecontrol.Tiers{
		Short:  cfg.CacheTTLShort,
		Medium: cfg.CacheTTLMedium,
		Long:   cfg.CacheTTLLong,
	}, cachecontrol.Tiers{})

	policies := httpx.RatePolicies{
		httpx.RateIngest:     {Limit: cfg.RateLimitIngest, Window: cfg.RateLimitWindow},
		httpx.RatePublicRead: {Limit: cfg.RateLimitPublicRead, Window: cfg.RateLimitWindow},
		httpx.RateAdminRead:  {Limit: cfg.RateLimitAdminRead, Window: cfg.RateLimitWindow},
		httpx.RateAdminWrite: {Limit: cfg.RateLimitAdminWrite, Window: cfg.RateLimitWindow},
		httpx.RateStream:     {Limit: cfg.RateLimitStream, Window: cfg.RateLimitStreamWindow},
	}
	var limiter httpx.RateLimiter
	if redisStore, ok := store.(*cache.RedisStore); ok {
		limiter = httpx.NewRedisRateLimiter(redisStore, policies, log)
	} else {
		limiter = httpx.NewMemoryRateLimiter(policies)
	}

	router := httpx.NewRouter(log, httpx.Options{
		Analytics:     analyticsSvc,
		Recorder:      recorder,
		Monitor:       monitor,
		Notifications: queue,
		Invalidator:   invalidator,
		Policy:        policy,
		Hub:           hub,
		Cache:         store,
		CacheStats:    computeRunner.Stats,
		Limiter:       limiter,
		Registerer:    prometheus.DefaultRegisterer,
		Gatherer:      prometheus.DefaultGatherer,
		JWTSecret:     cfg.JWTSecret,
		IngestToken:   cfg.IngestToken,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "environment", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func connectMongo(ctx context.Context, uri string, recorder *metrics.Recorder) (*mongo.Client, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, errors.New("mongodb uri not configured")
	}
	opts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(mongoMaxPoolSize).
		SetMinPoolSize(mongoMinPoolSize).
		SetServerSelectionTimeout(mongoTimeout).
		SetMonitor(metrics.NewMongoMonitor(recorder).CommandMonitor())
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}

func openStore(cfg config.APIConfig, log *slog.Logger) cache.Store {
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		store, err := cache.NewRedisStore(cache.RedisOptions{
			Addr:     addr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
			Prefix:   cfg.CacheKeyPrefix,
		}, log)
		if err == nil {
			return store
		}
		log.Warn("redis cache unavailable, using in-process cache", "error", err)
	}
	return cache.NewMemoryStore()
}
