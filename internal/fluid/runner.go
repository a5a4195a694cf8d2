// Package fluid wraps expensive computations with a bounded-concurrency
// read-through cache.
package fluid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/splax/modpulse/internal/cache"
)

// Entry is the stored cache envelope.
type Entry struct {
	Data       json.RawMessage `json:"data"`
	CachedAt   time.Time       `json:"cachedAt"`
	TTLSeconds float64         `json:"ttlSeconds"`
}

// Valid reports whether the entry is still fresh at now.
func (e Entry) Valid(now time.Time) bool {
	ttl := time.Duration(e.TTLSeconds * float64(time.Second))
	return now.Sub(e.CachedAt) < ttl
}

// DefaultFlightTimeout bounds a shared computation once it is detached from
// the callers that started it.
const DefaultFlightTimeout = 30 * time.Second

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	Concurrency int
	// SingleFlight makes concurrent misses for one key share a computation.
	SingleFlight bool
	// FlightTimeout bounds a shared computation. Zero means DefaultFlightTimeout.
	FlightTimeout time.Duration
}

// Stats is a point-in-time view of a Runner.
type Stats struct {
	Hits           int64 `json:"hits"`
	Misses         int64 `json:"misses"`
	Errors         int64 `json:"errors"`
	Active         int64 `json:"active"`
	Waiting        int64 `json:"waiting"`
	MaxConcurrency int64 `json:"maxConcurrency"`
}

// Runner executes cache-backed computations under a shared semaphore.
type Runner struct {
	store        cache.Store
	sem          *Semaphore
	group        singleflight.Group
	singleFlight bool
	flightTTL    time.Duration
	logger       *slog.Logger
	now          func() time.Time

	hits     atomic.Int64
	misses   atomic.Int64
	failures atomic.Int64
}

// NewRunner constructs a Runner. A nil store disables caching.
func NewRunner(store cache.Store, opts RunnerOptions, logger *slog.Logger) *Runner {
	if logger != nil {
		logger = logger.With("component", "fluid")
	}
	if opts.FlightTimeout <= 0 {
		opts.FlightTimeout = DefaultFlightTimeout
	}
	return &Runner{
		store:        store,
		sem:          NewSemaphore(opts.Concurrency),
		singleFlight: opts.SingleFlight,
		flightTTL:    opts.FlightTimeout,
		logger:       logger,
		now:          time.Now,
	}
}

// SetClock overrides the clock used for entry timestamps and validity.
func (r *Runner) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	r.now = now
}

// Semaphore exposes the concurrency limiter.
func (r *Runner) Semaphore() *Semaphore { return r.sem }

// Store exposes the backing store.
func (r *Runner) Store() cache.Store { return r.store }

// Stats returns counters and limiter occupancy.
func (r *Runner) Stats() Stats {
	return Stats{
		Hits:           r.hits.Load(),
		Misses:         r.misses.Load(),
		Errors:         r.failures.Load(),
		Active:         r.sem.Active(),
		Waiting:        r.sem.Waiting(),
		MaxConcurrency: r.sem.Max(),
	}
}

// Do returns the cached value for key when fresh, otherwise computes it under
// a semaphore permit and stores it for ttl. Cache hits never take a permit.
// A non-positive ttl disables caching for the call. Errors are never cached.
//
// With single-flight enabled the shared computation runs detached from every
// caller's cancellation; a cancelled caller only stops waiting for it.
func Do[T any](ctx context.Context, r *Runner, key string, ttl time.Duration, compute func(context.Context) (T, error)) (T, error) {
	caching := ttl > 0 && r.store != nil
	if caching {
		if value, ok := lookup[T](ctx, r, key); ok {
			r.hits.Add(1)
			return value, nil
		}
	}
	r.misses.Add(1)

	if !r.singleFlight {
		return execute(ctx, r, key, ttl, caching, compute)
	}
	var zero T
	flight := r.group.DoChan(key, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.flightTTL)
		defer cancel()
		return execute(flightCtx, r, key, ttl, caching, compute)
	})
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-flight:
		if res.Err != nil {
			return zero, res.Err
		}
		value, _ := res.Val.(T)
		return value, nil
	}
}

func execute[T any](ctx context.Context, r *Runner, key string, ttl time.Duration, caching bool, compute func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := r.sem.Acquire(ctx); err != nil {
		return zero, fmt.Errorf("acquire permit: %w", err)
	}
	defer r.sem.Release()

	value, err := compute(ctx)
	if err != nil {
		r.failures.Add(1)
		return zero, err
	}
	if caching {
		r.write(ctx, key, ttl, value)
	}
	return value, nil
}

func lookup[T any](ctx context.Context, r *Runner, key string) (T, bool) {
	var zero T
	raw, err := r.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			r.warn("cache read failed", key, err)
		}
		return zero, false
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		r.warn("cache entry undecodable", key, err)
		return zero, false
	}
	if !entry.Valid(r.now()) {
		return zero, false
	}
	var value T
	if err := json.Unmarshal(entry.Data, &value); err != nil {
		r.warn("cache payload undecodable", key, err)
		return zero, false
	}
	return value, true
}

func (r *Runner) write(ctx context.Context, key string, ttl time.Duration, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		r.warn("cache payload unencodable", key, err)
		return
	}
	raw, err := json.Marshal(Entry{Data: data, CachedAt: r.now(), TTLSeconds: ttl.Seconds()})
	if err != nil {
		r.warn("cache entry unencodable", key, err)
		return
	}
	if err := r.store.Set(ctx, key, raw, ttl); err != nil {
		r.warn("cache write failed", key, err)
	}
}

func (r *Runner) warn(msg, key string, err error) {
	if r.logger == nil {
		return
	}
	r.logger.Warn(msg, "key", key, "error", err)
}
