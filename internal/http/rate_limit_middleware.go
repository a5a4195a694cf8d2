package httpx

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const rateLimiterSweepInterval = 5 * time.Minute

// RateClass groups routes that draw from one request budget.
type RateClass string

const (
	RateIngest     RateClass = "ingest"
	RatePublicRead RateClass = "public_read"
	RateAdminRead  RateClass = "admin_read"
	RateAdminWrite RateClass = "admin_write"
	RateStream     RateClass = "stream"
)

// RatePolicy is the budget of a class: Limit requests per Window.
type RatePolicy struct {
	Limit  int
	Window time.Duration
}

// RatePolicies maps classes to budgets. A class without a positive limit is unlimited.
type RatePolicies map[RateClass]RatePolicy

// DefaultRatePolicies returns the budgets used when none are configured.
func DefaultRatePolicies() RatePolicies {
	return RatePolicies{
		RateIngest:     {Limit: 600, Window: time.Minute},
		RatePublicRead: {Limit: 120, Window: time.Minute},
		RateAdminRead:  {Limit: 240, Window: time.Minute},
		RateAdminWrite: {Limit: 60, Window: time.Minute},
		RateStream:     {Limit: 30, Window: 30 * time.Second},
	}
}

// policy fills unset classes and windows from the defaults.
func (p RatePolicies) policy(class RateClass) RatePolicy {
	policy, ok := p[class]
	if !ok {
		policy = DefaultRatePolicies()[class]
	}
	if policy.Window <= 0 {
		policy.Window = time.Minute
	}
	return policy
}

// RateLimiter counts requests per class and caller identity in fixed windows.
type RateLimiter interface {
	Allow(class RateClass, identity string) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	limit     int
	count     int
	windowEnd time.Time
}

func rateKey(class RateClass, identity string) string {
	return string(class) + ":" + identity
}

type memoryRateLimiter struct {
	policies RatePolicies
	mu       sync.Mutex
	entries  map[string]rateState
	stopCh   chan struct{}
	once     sync.Once
	now      func() time.Time
}

type rateState struct {
	count     int
	windowEnd time.Time
}

// NewMemoryRateLimiter returns a process-local limiter enforcing policies.
func NewMemoryRateLimiter(policies RatePolicies) RateLimiter {
	rl := &memoryRateLimiter{
		policies: policies,
		entries:  make(map[string]rateState),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
	go rl.sweepLoop()
	return rl
}

func (rl *memoryRateLimiter) Allow(class RateClass, identity string) rateDecision {
	policy := rl.policies.policy(class)
	if policy.Limit <= 0 {
		return rateDecision{allowed: true}
	}
	key := rateKey(class, identity)
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.entries[key]
	if !ok || now.After(state.windowEnd) {
		state = rateState{windowEnd: now.Add(policy.Window)}
	}
	if state.count >= policy.Limit {
		return rateDecision{limit: policy.Limit, count: state.count, windowEnd: state.windowEnd}
	}
	state.count++
	rl.entries[key] = state
	return rateDecision{allowed: true, limit: policy.Limit, count: state.count, windowEnd: state.windowEnd}
}

func (rl *memoryRateLimiter) sweepLoop() {
	ticker := time.NewTicker(rateLimiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup(rl.now())
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *memoryRateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, state := range rl.entries {
		if now.After(state.windowEnd) {
			delete(rl.entries, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() {
		close(rl.stopCh)
	})
}

// withRateLimit charges the request to class under the identity from identityFn,
// falling back to the client IP.
func (r *Router) withRateLimit(route string, class RateClass, identityFn func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.limiter == nil {
			next(w, req)
			return
		}
		identity := ""
		if identityFn != nil {
			identity = identityFn(req)
		}
		if identity == "" {
			identity = rateIdentityIP(req)
		}
		decision := r.limiter.Allow(class, identity)
		applyRateHeaders(w, decision)
		if !decision.allowed {
			r.metrics.rateLimited(route, rateMetricKey(identity))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

// handlerAdminRate authenticates an admin and charges class per admin user.
func (r *Router) handlerAdminRate(route string, class RateClass, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAdmin(r.withRateLimit(route, class, rateIdentityUser, next))
}

func rateIdentityUser(req *http.Request) string {
	if info, ok := authInfoFromContext(req.Context()); ok && info.UserID != "" {
		return "user:" + info.UserID
	}
	return ""
}

// rateIdentityIngest keys event ingestion by emitter rather than address:
// trusted emitters by a digest of their token, signed-in users by user id.
// Anything else, including invalid credentials, is charged to its IP.
func (r *Router) rateIdentityIngest(req *http.Request) string {
	if r.validIngestToken(req) {
		sum := sha256.Sum256([]byte(strings.TrimSpace(req.Header.Get(IngestTokenHeader))))
		return "ingest:" + hex.EncodeToString(sum[:6])
	}
	token, err := requestToken(req)
	if err != nil {
		return ""
	}
	if info, err := r.authorize(token); err == nil && info.UserID != "" {
		return "user:" + info.UserID
	}
	return ""
}

func rateIdentityIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

// rateMetricKey reduces an identity to its kind for metric labels.
func rateMetricKey(identity string) string {
	if identity == "" {
		return "unknown"
	}
	if idx := strings.IndexRune(identity, ':'); idx > 0 {
		return identity[:idx]
	}
	return identity
}
