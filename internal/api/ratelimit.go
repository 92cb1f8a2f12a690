package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ledgerchat/entitlements/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	defaultEntryTTL        = 15 * time.Minute
	defaultCleanupInterval = 5 * time.Minute
)

// RateLimitConfig configures a keyed token-bucket limiter.
type RateLimitConfig struct {
	Name              string // metric label
	RequestsPerMinute int
	Burst             int
	EntryTTL          time.Duration
	CleanupInterval   time.Duration
}

type rateLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter holds one token bucket per key (client IP or user id).
type KeyedLimiter struct {
	name            string
	limit           rate.Limit
	burst           int
	entryTTL        time.Duration
	cleanupInterval time.Duration
	now             func() time.Time

	mu          sync.Mutex
	entries     map[string]*rateLimitEntry
	lastCleanup time.Time
}

// NewKeyedLimiter returns a limiter, or nil when the config disables limiting.
// A nil limiter allows everything.
func NewKeyedLimiter(cfg RateLimitConfig) *KeyedLimiter {
	if cfg.RequestsPerMinute <= 0 || cfg.Burst <= 0 {
		return nil
	}
	ttl := cfg.EntryTTL
	if ttl <= 0 {
		ttl = defaultEntryTTL
	}
	cleanup := cfg.CleanupInterval
	if cleanup <= 0 {
		cleanup = defaultCleanupInterval
	}
	return &KeyedLimiter{
		name:            cfg.Name,
		limit:           rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute)),
		burst:           cfg.Burst,
		entryTTL:        ttl,
		cleanupInterval: cleanup,
		now:             time.Now,
		entries:         make(map[string]*rateLimitEntry),
		lastCleanup:     time.Now(),
	}
}

// Allow reports whether key may proceed now. Empty keys are never limited.
func (l *KeyedLimiter) Allow(key string) bool {
	if l == nil || key == "" {
		return true
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastCleanup) >= l.cleanupInterval {
		for k, entry := range l.entries {
			if now.Sub(entry.lastSeen) > l.entryTTL {
				delete(l.entries, k)
			}
		}
		l.lastCleanup = now
	}

	entry, ok := l.entries[key]
	if !ok {
		entry = &rateLimitEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = entry
	}
	entry.lastSeen = now

	if entry.limiter.AllowN(now, 1) {
		return true
	}
	metrics.RateLimitedTotal.WithLabelValues(l.name).Inc()
	return false
}

func (l *KeyedLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Middleware wraps next with per-client-IP limiting.
func (l *KeyedLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "60")
			writeErrorResponse(w, r, http.StatusTooManyRequests, "rate_limited", "Too Many Requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		// Use the first IP in the chain.
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
