package auth

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"member-auth/internal/observability"
)

// IPLimiter decides whether another attempt from key is allowed at now.
type IPLimiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
}

type LoginRateLimiter struct {
	backend IPLimiter
	logger  *observability.Logger
	now     func() time.Time
}

func NewLoginRateLimiter(backend IPLimiter, logger *observability.Logger) *LoginRateLimiter {
	return &LoginRateLimiter{backend: backend, logger: logger, now: time.Now}
}

// Middleware rejects requests over the limit with 429. Backend failures let
// the request through.
func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := observability.ClientIP(r)

		allowed, retryAfter, err := l.backend.Allow(r.Context(), ip, l.now().UTC())
		if err != nil {
			l.logger.Error("login_rate_limit_failed", map[string]any{"error": err.Error(), "ip": ip})
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(retryAfter)))
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func retrySeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

type memoryEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryIPLimiter keeps a token bucket per key: maxHits burst, refilled
// evenly over window.
type MemoryIPLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	window    time.Duration
	entries   map[string]*memoryEntry
	maxMemory int
}

func NewMemoryIPLimiter(maxHits int, window time.Duration) *MemoryIPLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &MemoryIPLimiter{
		limit:     rate.Every(window / time.Duration(maxHits)),
		burst:     maxHits,
		window:    window,
		entries:   make(map[string]*memoryEntry),
		maxMemory: 5000,
	}
}

func (l *MemoryIPLimiter) Allow(_ context.Context, key string, now time.Time) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok {
		entry = &memoryEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = entry
	}
	entry.lastSeen = now

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, l.window, nil
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay, nil
	}

	if len(l.entries) > l.maxMemory {
		l.evict(now)
	}

	return true, 0, nil
}

func (l *MemoryIPLimiter) evict(now time.Time) {
	threshold := now.Add(-l.window)
	for key, entry := range l.entries {
		if entry.lastSeen.Before(threshold) {
			delete(l.entries, key)
		}
	}
}
