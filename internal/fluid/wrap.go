package fluid

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/splax/modpulse/internal/cache"
)

// Options configures Wrap.
type Options struct {
	Concurrency  int
	CacheTTL     time.Duration
	KeyPrefix    string
	KeepWarm     time.Duration
	SingleFlight bool
}

// Func is a wrapped computation.
type Func[A, T any] struct {
	runner *Runner
	fn     func(context.Context, A) (T, error)
	opts   Options
	logger *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Wrap bounds fn with its own semaphore and caches results keyed by its
// serialized arguments. Call Close to stop the keep-warm loop.
func Wrap[A, T any](store cache.Store, fn func(context.Context, A) (T, error), opts Options, logger *slog.Logger) *Func[A, T] {
	opts.KeyPrefix = strings.TrimSuffix(strings.TrimSpace(opts.KeyPrefix), ":")
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "fluid"
	}
	if logger != nil {
		logger = logger.With("component", "fluid", "prefix", opts.KeyPrefix)
	}
	f := &Func[A, T]{
		runner: NewRunner(store, RunnerOptions{Concurrency: opts.Concurrency, SingleFlight: opts.SingleFlight}, logger),
		fn:     fn,
		opts:   opts,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if opts.KeepWarm > 0 && store != nil {
		go f.keepWarm()
	} else {
		close(f.done)
	}
	return f
}

// Call runs the wrapped function through the cache and semaphore.
func (f *Func[A, T]) Call(ctx context.Context, args A) (T, error) {
	return Do(ctx, f.runner, f.Key(args), f.opts.CacheTTL, func(ctx context.Context) (T, error) {
		return f.fn(ctx, args)
	})
}

// Key returns the cache key used for args.
func (f *Func[A, T]) Key(args A) string {
	return StableKey(f.opts.KeyPrefix, args)
}

// Runner exposes the underlying runner.
func (f *Func[A, T]) Runner() *Runner { return f.runner }

// WarmKey is the marker key refreshed by the keep-warm loop.
func (f *Func[A, T]) WarmKey() string { return f.opts.KeyPrefix + ":warm" }

// Close stops the keep-warm loop and waits for it to exit.
func (f *Func[A, T]) Close() {
	f.stopOnce.Do(func() { close(f.stop) })
	<-f.done
}

func (f *Func[A, T]) keepWarm() {
	defer close(f.done)
	interval := f.opts.KeepWarm
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	f.ping(interval)
	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			f.ping(interval)
		}
	}
}

func (f *Func[A, T]) ping(interval time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), interval)
	defer cancel()
	stamp := []byte(f.runner.now().UTC().Format(time.RFC3339Nano))
	if err := f.runner.store.Set(ctx, f.WarmKey(), stamp, 2*interval); err != nil && f.logger != nil {
		f.logger.Warn("keep-warm ping failed", "error", err)
	}
}

// StableKey derives a deterministic key from a prefix and call arguments.
// Map keys are serialized in sorted order.
func StableKey(prefix string, args any) string {
	encoded, err := json.Marshal(args)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%#v", args))
	}
	return prefix + ":" + string(encoded)
}
