package mw

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/MrSnakeDoc/minienv/internal/logger"
	"github.com/MrSnakeDoc/minienv/internal/utils"
)

// RateLimitConfig bounds how often one client address may hit a route.
// Each address gets a token bucket of Burst tokens refilled at PerMinute.
type RateLimitConfig struct {
	Burst      int
	PerMinute  int
	MaxClients int           // buckets kept before idle ones are evicted early, 0 = unbounded
	IdleTTL    time.Duration // a bucket untouched this long is forgotten
	TrustProxy bool          // resolve the client address from proxy headers
	Now        func() time.Time
	Logger     logger.Logger
}

type bucket struct {
	tokens  float64
	updated time.Time
}

// limiter keeps every bucket behind one mutex; a claim is a tiny critical section.
type limiter struct {
	cfg       RateLimitConfig
	perSecond float64

	mu        sync.Mutex
	buckets   map[string]*bucket
	nextSweep time.Time
}

func newLimiter(cfg RateLimitConfig) *limiter {
	cfg.Burst = max(cfg.Burst, 1)
	cfg.PerMinute = max(cfg.PerMinute, 1)
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 15 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &limiter{
		cfg:       cfg,
		perSecond: float64(cfg.PerMinute) / 60,
		buckets:   make(map[string]*bucket),
		nextSweep: cfg.Now().Add(cfg.IdleTTL),
	}
}

// take spends one token of client's bucket. When none is left it reports how
// long until one is.
func (l *limiter) take(client string, now time.Time) (remaining int, wait time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.nextSweep) || (l.cfg.MaxClients > 0 && len(l.buckets) >= l.cfg.MaxClients) {
		l.evictLocked(now)
	}

	b, found := l.buckets[client]
	if !found {
		b = &bucket{tokens: float64(l.cfg.Burst), updated: now}
		l.buckets[client] = b
	}
	if elapsed := now.Sub(b.updated).Seconds(); elapsed > 0 {
		b.tokens = math.Min(float64(l.cfg.Burst), b.tokens+elapsed*l.perSecond)
		b.updated = now
	}

	if b.tokens < 1 {
		wait = time.Duration((1 - b.tokens) / l.perSecond * float64(time.Second))
		return 0, wait, false
	}
	b.tokens--
	return int(b.tokens), 0, true
}

// evictLocked forgets buckets untouched for IdleTTL.
func (l *limiter) evictLocked(now time.Time) {
	for client, b := range l.buckets {
		if now.Sub(b.updated) > l.cfg.IdleTTL {
			delete(l.buckets, client)
		}
	}
	l.nextSweep = now.Add(l.cfg.IdleTTL)
}

// RateLimit answers 429 with a JSON error and Retry-After once a client has
// used up its bucket.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	l := newLimiter(cfg)
	limit := strconv.Itoa(l.cfg.Burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := utils.ClientIP(r, l.cfg.TrustProxy)
			remaining, wait, ok := l.take(client, l.cfg.Now())

			w.Header().Set("X-RateLimit-Limit", limit)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if ok {
				next.ServeHTTP(w, r)
				return
			}

			retry := max(int(math.Ceil(wait.Seconds())), 1)
			if l.cfg.Logger != nil {
				l.cfg.Logger.Debug("rate limited",
					logger.String("client_ip", client),
					logger.String("path", r.URL.Path),
					logger.Int("retry_after", retry))
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many claims, retry later"}` + "\n"))
		})
	}
}
